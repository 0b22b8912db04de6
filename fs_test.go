package blockfs_test

import (
	"bytes"
	"testing"

	"github.com/KarpelesLab/blockfs"
)

func formatAndInit(t *testing.T, blockSize, blockCount, inodeBlocks uint32) *blockfs.FS {
	t.Helper()
	dev, err := blockfs.NewMemDevice("t", blockSize, blockCount)
	if err != nil {
		t.Fatalf("NewMemDevice: %v", err)
	}
	cfg, err := blockfs.Format(dev, inodeBlocks)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	fsys, err := blockfs.Init(dev, cfg[:])
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { fsys.Destroy() })
	return fsys
}

// Scenario 1: format and root is empty.
func TestFormatAndRootIsEmpty(t *testing.T) {
	fsys := formatAndInit(t, 512, 64, 8)

	st, err := fsys.Stat(0)
	if err != nil {
		t.Fatalf("Stat root: %v", err)
	}
	if st.Type != blockfs.TypeDir {
		t.Fatalf("root inode is not a directory")
	}

	fd, err := fsys.Opendir(0)
	if err != nil {
		t.Fatalf("Opendir: %v", err)
	}
	defer fsys.Closedir(fd)

	_, found, err := fsys.Readdir(fd)
	if err != nil {
		t.Fatalf("Readdir: %v", err)
	}
	if found {
		t.Fatalf("expected empty root directory")
	}
}

// Scenario 2: mkdir/rmdir churn.
func TestMkdirRmdirChurn(t *testing.T) {
	fsys := formatAndInit(t, 512, 64, 8)

	if _, err := fsys.Mkdir(0, "a"); err != nil {
		t.Fatalf("mkdir a: %v", err)
	}
	if _, err := fsys.Mkdir(0, "b"); err != nil {
		t.Fatalf("mkdir b: %v", err)
	}
	if _, err := fsys.Mkdir(0, "c"); err != nil {
		t.Fatalf("mkdir c: %v", err)
	}
	if err := fsys.Rmdir(0, "b"); err != nil {
		t.Fatalf("rmdir b: %v", err)
	}
	if _, err := fsys.Mkdir(0, "d"); err != nil {
		t.Fatalf("mkdir d: %v", err)
	}

	fd, err := fsys.Opendir(0)
	if err != nil {
		t.Fatalf("Opendir: %v", err)
	}
	defer fsys.Closedir(fd)

	seen := map[string]bool{}
	for {
		st, found, err := fsys.Readdir(fd)
		if err != nil {
			t.Fatalf("Readdir: %v", err)
		}
		if !found {
			break
		}
		seen[st.Name] = true
	}
	want := map[string]bool{"a": true, "c": true, "d": true}
	if len(seen) != len(want) {
		t.Fatalf("expected entries %v, got %v", want, seen)
	}
	for name := range want {
		if !seen[name] {
			t.Errorf("missing expected entry %q", name)
		}
	}

	exists, err := fsys.Exists(0, "b")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Errorf("expected b to no longer exist")
	}
}

// Scenario 3: write-then-read (small).
func TestWriteThenReadSmall(t *testing.T) {
	fsys := formatAndInit(t, 512, 64, 8)

	inode, err := fsys.Create(0, "hello")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	fd, err := fsys.Open(inode, blockfs.OpenRead|blockfs.OpenWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer fsys.Close(fd)

	if _, err := fsys.Write(fd, []byte("Hello, World!")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := fsys.Seek(fd, 0, blockfs.SeekAbs); err != nil {
		t.Fatalf("Seek: %v", err)
	}

	buf := make([]byte, 13)
	n, eof, err := fsys.Read(fd, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 13 || eof {
		t.Fatalf("unexpected read result n=%d eof=%v", n, eof)
	}
	if string(buf) != "Hello, World!" {
		t.Errorf("expected %q, got %q", "Hello, World!", buf)
	}
}

// Scenario 4: overwrite and extend.
func TestOverwriteAndExtend(t *testing.T) {
	fsys := formatAndInit(t, 512, 64, 8)

	inode, _ := fsys.Create(0, "hello")
	fd, err := fsys.Open(inode, blockfs.OpenRead|blockfs.OpenWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer fsys.Close(fd)

	fsys.Write(fd, []byte("Hello, World!"))

	if err := fsys.Seek(fd, 0, blockfs.SeekAbs); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if _, err := fsys.Write(fd, []byte("FNARR")); err != nil {
		t.Fatalf("Write overwrite: %v", err)
	}
	st, err := fsys.Stat(inode)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Size != 13 {
		t.Fatalf("expected size to remain 13 after in-place overwrite, got %d", st.Size)
	}

	if err := fsys.Seek(fd, 13, blockfs.SeekAbs); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if _, err := fsys.Write(fd, []byte(" This is goodbye :(")); err != nil {
		t.Fatalf("Write extend: %v", err)
	}

	st, err = fsys.Stat(inode)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Size != 32 {
		t.Fatalf("expected size 32, got %d", st.Size)
	}

	if err := fsys.Seek(fd, 0, blockfs.SeekAbs); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	buf := make([]byte, 32)
	n, _, err := fsys.Read(fd, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 32 {
		t.Fatalf("expected to read 32 bytes, got %d", n)
	}
	want := "FNARR, World! This is goodbye :("
	if string(buf) != want {
		t.Errorf("expected %q, got %q", want, buf)
	}
}

// Scenario 5: max file size.
func TestMaxFileSize(t *testing.T) {
	fsys := formatAndInit(t, 128, 8192, 8)

	before := fsys.FreeBlockCount()

	inode, err := fsys.Create(0, "big")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	fd, err := fsys.Open(inode, blockfs.OpenWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	const maxSize = 266240
	n, err := fsys.Write(fd, make([]byte, maxSize))
	if err != nil {
		t.Fatalf("Write max size: %v", err)
	}
	if n != maxSize {
		t.Fatalf("expected to write %d bytes, wrote %d", maxSize, n)
	}

	if _, err := fsys.Write(fd, []byte{0}); err != blockfs.ErrNoSpace {
		t.Errorf("expected ErrNoSpace writing past max size, got %v", err)
	}

	if err := fsys.Close(fd); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := fsys.Unlink(0, "big"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if fsys.FreeBlockCount() != before {
		t.Errorf("expected free block count restored to %d, got %d", before, fsys.FreeBlockCount())
	}
}

func TestCreateRejectsLongName(t *testing.T) {
	fsys := formatAndInit(t, 512, 64, 8)
	if _, err := fsys.Create(0, "this-name-is-too-long-for-a-dir-entry"); err != blockfs.ErrNameTooLong {
		t.Errorf("expected ErrNameTooLong, got %v", err)
	}
}

func TestRmdirRejectsNonEmpty(t *testing.T) {
	fsys := formatAndInit(t, 512, 64, 8)
	fsys.Mkdir(0, "a")
	inode, _ := fsys.Lookup(0, "a")
	fsys.Mkdir(inode, "child")

	if err := fsys.Rmdir(0, "a"); err != blockfs.ErrNotEmpty {
		t.Errorf("expected ErrNotEmpty, got %v", err)
	}
}

func TestUnlinkRejectsDirectory(t *testing.T) {
	fsys := formatAndInit(t, 512, 64, 8)
	fsys.Mkdir(0, "a")
	if err := fsys.Unlink(0, "a"); err != blockfs.ErrIsDir {
		t.Errorf("expected ErrIsDir, got %v", err)
	}
}

func TestTombstoneReuse(t *testing.T) {
	fsys := formatAndInit(t, 512, 64, 8)

	if _, err := fsys.Create(0, "x"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := fsys.Unlink(0, "x"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	before, err := fsys.Stat(0)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	if _, err := fsys.Create(0, "x"); err != nil {
		t.Fatalf("Create after unlink: %v", err)
	}
	after, err := fsys.Stat(0)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if after.Size != before.Size {
		t.Errorf("expected tombstone reuse to avoid growing the directory: before=%d after=%d", before.Size, after.Size)
	}
}

func TestOpenTruncateWhileOpenIsBusy(t *testing.T) {
	fsys := formatAndInit(t, 512, 64, 8)
	inode, _ := fsys.Create(0, "x")

	fd1, err := fsys.Open(inode, blockfs.OpenRead)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer fsys.Close(fd1)

	if _, err := fsys.Open(inode, blockfs.OpenWrite|blockfs.OpenTruncate); err != blockfs.ErrBusy {
		t.Errorf("expected ErrBusy truncating an already-open file, got %v", err)
	}
}

func TestUnlinkDeferredPurgeOnLastClose(t *testing.T) {
	fsys := formatAndInit(t, 512, 64, 8)
	inode, _ := fsys.Create(0, "x")
	fd, err := fsys.Open(inode, blockfs.OpenWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	before := fsys.FreeBlockCount()
	if err := fsys.Unlink(0, "x"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	// file is still open, so storage must not be reclaimed yet
	if fsys.FreeBlockCount() != before {
		t.Errorf("expected no reclamation while file is open")
	}

	if err := fsys.Close(fd); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if fsys.FreeBlockCount() <= before {
		t.Errorf("expected storage to be reclaimed on last close of a deleted file")
	}
}

func TestInitRejectsBadConfig(t *testing.T) {
	dev, _ := blockfs.NewMemDevice("t", 512, 64)
	bad := make([]byte, 16)
	if _, err := blockfs.Init(dev, bad); err == nil {
		t.Fatalf("expected bad config header to be rejected")
	}
}

func TestInitFailsBusyOnAlreadyBoundDevice(t *testing.T) {
	dev, _ := blockfs.NewMemDevice("t", 512, 64)
	cfg, err := blockfs.Format(dev, 8)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	fsys, err := blockfs.Init(dev, cfg[:])
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer fsys.Destroy()

	if _, err := blockfs.Init(dev, cfg[:]); err != blockfs.ErrBusy {
		t.Errorf("expected ErrBusy re-initializing a bound device, got %v", err)
	}
}

func TestCompactDirStripsTombstones(t *testing.T) {
	fsys := formatAndInit(t, 512, 64, 8)
	fsys.Create(0, "a")
	fsys.Create(0, "b")
	fsys.Unlink(0, "a")

	before, _ := fsys.Stat(0)
	if err := fsys.CompactDir(0); err != nil {
		t.Fatalf("CompactDir: %v", err)
	}
	after, _ := fsys.Stat(0)
	if after.Size >= before.Size {
		t.Errorf("expected CompactDir to shrink directory size: before=%d after=%d", before.Size, after.Size)
	}

	exists, err := fsys.Exists(0, "b")
	if err != nil || !exists {
		t.Errorf("expected b to survive compaction, exists=%v err=%v", exists, err)
	}
}

func TestStatWireRoundTrip(t *testing.T) {
	st := blockfs.Stat{Name: "abc", Inode: 5, Type: blockfs.TypeFile, Executable: true, Mtime: 100, Size: 200}
	buf, err := st.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	var got blockfs.Stat
	if err := got.UnmarshalBinary(buf); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got != st {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, st)
	}
}

func TestFileHandleThroughIOFS(t *testing.T) {
	fsys := formatAndInit(t, 512, 64, 8)
	inode, _ := fsys.Create(0, "x")
	fd, _ := fsys.Open(inode, blockfs.OpenWrite)
	fsys.Write(fd, []byte("payload"))
	fsys.Close(fd)

	f, err := fsys.OpenFSFile(inode, "x")
	if err != nil {
		t.Fatalf("OpenFSFile: %v", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	tmp := make([]byte, 4)
	for {
		n, err := f.Read(tmp)
		buf.Write(tmp[:n])
		if err != nil {
			break
		}
	}
	if buf.String() != "payload" {
		t.Errorf("expected %q, got %q", "payload", buf.String())
	}
}
