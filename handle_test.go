package blockfs

import "testing"

func newHandleTestFS(t *testing.T) *FS {
	t.Helper()
	dev, err := NewMemDevice("t", 512, 64)
	if err != nil {
		t.Fatalf("NewMemDevice: %v", err)
	}
	cfg, err := Format(dev, 8)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	fsys, err := Init(dev, cfg[:])
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { fsys.Destroy() })
	return fsys
}

func TestOpenLiveSharesRefcountAcrossOpens(t *testing.T) {
	fsys := newHandleTestFS(t)
	inode, err := fsys.Create(rootInode, "x")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	fd1, err := fsys.Open(inode, OpenRead)
	if err != nil {
		t.Fatalf("Open fd1: %v", err)
	}
	fd2, err := fsys.Open(inode, OpenRead)
	if err != nil {
		t.Fatalf("Open fd2: %v", err)
	}

	live, ok := fsys.liveFiles[inode]
	if !ok {
		t.Fatalf("expected a live record for inode %d", inode)
	}
	if live.refCount != 2 {
		t.Errorf("expected refcount 2 with two open handles, got %d", live.refCount)
	}

	if err := fsys.Close(fd1); err != nil {
		t.Fatalf("Close fd1: %v", err)
	}
	if _, ok := fsys.liveFiles[inode]; !ok {
		t.Errorf("live record should survive while a second handle remains open")
	}

	if err := fsys.Close(fd2); err != nil {
		t.Fatalf("Close fd2: %v", err)
	}
	if _, ok := fsys.liveFiles[inode]; ok {
		t.Errorf("live record should be dropped once the last handle closes")
	}
}

func TestOpenTruncateBusyOnlyWhileOpen(t *testing.T) {
	fsys := newHandleTestFS(t)
	inode, _ := fsys.Create(rootInode, "x")

	fd, err := fsys.Open(inode, OpenRead)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := fsys.Open(inode, OpenWrite|OpenTruncate); err != ErrBusy {
		t.Errorf("expected ErrBusy while another handle is open, got %v", err)
	}

	if err := fsys.Close(fd); err != nil {
		t.Fatalf("Close: %v", err)
	}
	fd2, err := fsys.Open(inode, OpenWrite|OpenTruncate)
	if err != nil {
		t.Errorf("expected truncate-open to succeed once no handle remains open, got %v", err)
	}
	fsys.Close(fd2)
}

func TestDeletedFilePurgedOnLastClose(t *testing.T) {
	fsys := newHandleTestFS(t)
	inode, _ := fsys.Create(rootInode, "x")

	fd, err := fsys.Open(inode, OpenWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := fsys.Write(fd, make([]byte, 10)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := fsys.Unlink(rootInode, "x"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}

	live := fsys.liveFiles[inode]
	if live == nil || !live.deleted {
		t.Fatalf("expected live record marked deleted while open")
	}

	if _, _, err := fsys.inodes.Read(inode); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rec, ok, err := fsys.inodes.Read(inode); err != nil || !ok {
		t.Fatalf("expected inode to remain allocated while file is open: rec=%+v ok=%v err=%v", rec, ok, err)
	}

	if err := fsys.Close(fd); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok, err := fsys.inodes.Read(inode); err != nil {
		t.Fatalf("Read after close: %v", err)
	} else if ok {
		t.Errorf("expected inode slot to be freed once the deleted file's last handle closed")
	}
	if _, ok := fsys.liveFiles[inode]; ok {
		t.Errorf("expected live record to be removed after last close")
	}
}

func TestNextHandleSkipsLiveNumbers(t *testing.T) {
	fsys := newHandleTestFS(t)
	inode, _ := fsys.Create(rootInode, "x")

	fd, err := fsys.Open(inode, OpenRead)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	fsys.seq.next = fsys.fileHandles[fd].num - 1

	inode2, _ := fsys.Create(rootInode, "y")
	fd2, err := fsys.Open(inode2, OpenRead)
	if err != nil {
		t.Fatalf("Open second handle: %v", err)
	}
	if fd2 == fd {
		t.Errorf("expected a fresh handle number distinct from the still-open %d", fd)
	}
}
