package blockfs

import "errors"

// Package-specific error variables that can be used with errors.Is() for error handling.
var (
	// ErrNameTooLong is returned when a directory entry name exceeds dirNameLen bytes.
	ErrNameTooLong = errors.New("name too long")

	// ErrInvalidOffset is returned by Seek when the target offset is negative or overflows.
	ErrInvalidOffset = errors.New("invalid offset")

	// ErrIsDir is returned when a file-only operation targets a directory.
	ErrIsDir = errors.New("is a directory")

	// ErrNotDir is returned when a directory-only operation targets a regular file.
	ErrNotDir = errors.New("not a directory")

	// ErrNotEmpty is returned by Rmdir when the target directory still has live entries.
	ErrNotEmpty = errors.New("directory not empty")

	// ErrNoEnt is returned when a name cannot be found in a directory.
	ErrNoEnt = errors.New("no such entry")

	// ErrExists is returned by Create/Mkdir when the name is already present.
	ErrExists = errors.New("entry already exists")

	// ErrNoSpace is returned when the freelist has no more blocks to hand out,
	// or a write would exceed the maximum file size for the geometry.
	ErrNoSpace = errors.New("no space left on device")

	// ErrInvalidFSParams is returned by Format/Init when geometry or the config
	// header fails validation.
	ErrInvalidFSParams = errors.New("invalid filesystem parameters")

	// ErrBusy is returned when a device is already bound to an initialized
	// filesystem instance, or a file is opened with TRUNCATE while already open.
	ErrBusy = errors.New("resource busy")

	// ErrNotReadable is returned when a read is attempted on a handle not opened READ.
	ErrNotReadable = errors.New("file not open for reading")

	// ErrNotWritable is returned when a write is attempted on a handle not opened WRITE.
	ErrNotWritable = errors.New("file not open for writing")

	// ErrNoFreeInodes is returned when the inode table has no free slots.
	ErrNoFreeInodes = errors.New("no free inodes")

	// ErrInvalidFileHandle is returned when a handle number does not name a live
	// open file or directory.
	ErrInvalidFileHandle = errors.New("invalid file handle")

	// ErrFatalInternalError wraps a structural invariant violation: bytes read
	// back from the device contradict an invariant the engine itself just
	// established. Per spec this is never retried.
	ErrFatalInternalError = errors.New("fatal internal error")
)
