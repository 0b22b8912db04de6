package blockfs

import (
	"io"
	"io/fs"
	"time"
)

// File is a convenience wrapper presenting an open regular-file handle as an
// io/fs.File that also implements io.Seeker.
type File struct {
	fsys *FS
	fd   uint32
	name string
	stat Stat
}

// Dir is a convenience wrapper presenting an open directory handle as an
// io/fs.ReadDirFile.
type Dir struct {
	fsys *FS
	fd   uint32
	name string
	stat Stat
}

type fileInfo struct {
	name string
	stat Stat
}

type dirEntryInfo struct {
	stat Stat
}

var (
	_ fs.File        = (*File)(nil)
	_ io.Seeker      = (*File)(nil)
	_ fs.ReadDirFile = (*Dir)(nil)
	_ fs.FileInfo    = (*fileInfo)(nil)
	_ fs.DirEntry    = (*dirEntryInfo)(nil)
)

// OpenFSFile opens inodePtr through the standard io/fs interfaces: a regular
// file returns an fs.File that also implements io.Seeker; a directory
// returns one that also implements fs.ReadDirFile. name is used only for
// Stat().Name() and is not looked up.
func (fsys *FS) OpenFSFile(inodePtr uint32, name string) (fs.File, error) {
	st, err := fsys.Stat(inodePtr)
	if err != nil {
		return nil, err
	}
	if st.Type == TypeDir {
		fd, err := fsys.Opendir(inodePtr)
		if err != nil {
			return nil, err
		}
		return &Dir{fsys: fsys, fd: fd, name: name, stat: st}, nil
	}
	fd, err := fsys.Open(inodePtr, OpenRead)
	if err != nil {
		return nil, err
	}
	return &File{fsys: fsys, fd: fd, name: name, stat: st}, nil
}

// (File)

func (f *File) Read(p []byte) (int, error) {
	n, eof, err := f.fsys.Read(f.fd, p)
	if err != nil {
		return n, err
	}
	if n == 0 && eof && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	var w Whence
	switch whence {
	case io.SeekStart:
		w = SeekAbs
	case io.SeekCurrent:
		w = SeekRelCurr
	case io.SeekEnd:
		w = SeekRelEnd
	default:
		return 0, ErrInvalidOffset
	}
	if err := f.fsys.Seek(f.fd, offset, w); err != nil {
		return 0, err
	}
	pos, err := f.fsys.Tell(f.fd)
	return int64(pos), err
}

func (f *File) Stat() (fs.FileInfo, error) {
	return &fileInfo{name: f.name, stat: f.stat}, nil
}

func (f *File) Close() error {
	return f.fsys.Close(f.fd)
}

// (Dir)

// Read on a directory is invalid and always fails, matching io/fs.File's
// contract for directories.
func (d *Dir) Read(p []byte) (int, error) {
	return 0, fs.ErrInvalid
}

func (d *Dir) Stat() (fs.FileInfo, error) {
	return &fileInfo{name: d.name, stat: d.stat}, nil
}

func (d *Dir) Close() error {
	return d.fsys.Closedir(d.fd)
}

func (d *Dir) ReadDir(n int) ([]fs.DirEntry, error) {
	var out []fs.DirEntry
	for n <= 0 || len(out) < n {
		st, found, err := d.fsys.Readdir(d.fd)
		if err != nil {
			return out, err
		}
		if !found {
			if n > 0 && len(out) == 0 {
				return out, io.EOF
			}
			break
		}
		out = append(out, &dirEntryInfo{stat: st})
	}
	return out, nil
}

// (fileInfo)

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return int64(fi.stat.Size) }
func (fi *fileInfo) Mode() fs.FileMode  { return fileMode(fi.stat) }
func (fi *fileInfo) ModTime() time.Time { return time.Unix(int64(fi.stat.Mtime), 0) }
func (fi *fileInfo) IsDir() bool        { return fi.stat.Type == TypeDir }
func (fi *fileInfo) Sys() any           { return fi.stat }

// (dirEntryInfo)

func (e *dirEntryInfo) Name() string { return e.stat.Name }
func (e *dirEntryInfo) IsDir() bool  { return e.stat.Type == TypeDir }
func (e *dirEntryInfo) Type() fs.FileMode {
	return fileMode(e.stat).Type()
}
func (e *dirEntryInfo) Info() (fs.FileInfo, error) {
	return &fileInfo{name: e.stat.Name, stat: e.stat}, nil
}
