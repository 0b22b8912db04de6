package blockfs

import "testing"

func TestFreelistCreateMarksOccupiedRange(t *testing.T) {
	dev, err := NewMemDevice("t", 64, 16)
	if err != nil {
		t.Fatalf("NewMemDevice: %v", err)
	}

	fl, firstFree, err := createFreelist(dev, 2)
	if err != nil {
		t.Fatalf("createFreelist: %v", err)
	}

	for b := uint32(0); b < firstFree; b++ {
		if fl.bits.Test(uint(b)) {
			t.Errorf("block %d should be occupied", b)
		}
	}
	if !fl.bits.Test(uint(firstFree)) {
		t.Errorf("block %d should be free", firstFree)
	}
}

func TestFreelistAllocFreeRoundTrip(t *testing.T) {
	dev, _ := NewMemDevice("t", 64, 16)
	fl, firstFree, err := createFreelist(dev, 2)
	if err != nil {
		t.Fatalf("createFreelist: %v", err)
	}

	before := fl.freeBlockCount()

	blk, err := fl.alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if blk != firstFree {
		t.Errorf("expected alloc to return lowest free block %d, got %d", firstFree, blk)
	}
	if fl.freeBlockCount() != before-1 {
		t.Errorf("free count did not decrease")
	}

	if err := fl.free(blk); err != nil {
		t.Fatalf("free: %v", err)
	}
	if fl.freeBlockCount() != before {
		t.Errorf("free count did not restore")
	}
}

func TestFreelistAllocSmallestFirst(t *testing.T) {
	dev, _ := NewMemDevice("t", 64, 16)
	fl, firstFree, _ := createFreelist(dev, 2)

	a, _ := fl.alloc()
	b, _ := fl.alloc()
	if a != firstFree || b != firstFree+1 {
		t.Errorf("expected sequential smallest-first allocation, got %d then %d", a, b)
	}
}

func TestFreelistDoubleFreePanics(t *testing.T) {
	dev, _ := NewMemDevice("t", 64, 16)
	fl, _, _ := createFreelist(dev, 2)

	blk, _ := fl.alloc()
	fl.free(blk)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on double free")
		}
	}()
	fl.free(blk)
}

func TestFreelistInitLoadsPersistedBitmap(t *testing.T) {
	dev, _ := NewMemDevice("t", 64, 16)
	fl, _, err := createFreelist(dev, 2)
	if err != nil {
		t.Fatalf("createFreelist: %v", err)
	}
	blk, _ := fl.alloc()

	reloaded, err := initFreelist(dev, 2)
	if err != nil {
		t.Fatalf("initFreelist: %v", err)
	}
	if reloaded.bits.Test(uint(blk)) {
		t.Errorf("reloaded freelist should see allocated block as used")
	}
}

func TestFreelistExhaustion(t *testing.T) {
	dev, _ := NewMemDevice("t", 32, 8)
	fl, _, _ := createFreelist(dev, 1)

	var allocated []uint32
	for {
		blk, err := fl.alloc()
		if err != nil {
			break
		}
		allocated = append(allocated, blk)
	}
	if _, err := fl.alloc(); err != ErrNoSpace {
		t.Errorf("expected ErrNoSpace once exhausted, got %v", err)
	}
	if len(allocated) == 0 {
		t.Fatalf("expected at least one allocation before exhaustion")
	}
}
