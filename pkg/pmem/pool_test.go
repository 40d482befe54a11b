package pmem_test

import (
	"path/filepath"
	"testing"

	"github.com/ypluo/TLBtree/pkg/config"
	"github.com/ypluo/TLBtree/pkg/pmem"
)

func setupPool(t *testing.T) (*pmem.Pool, string) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "test.pool")
	pool, err := pmem.Create(path, "pool-test", 16<<20, config.FlushNone)
	if err != nil {
		t.Fatal("Failed to create pool:", err)
	}
	t.Cleanup(func() { _ = pool.Close() })
	return pool, path
}

func TestCreateRefusesExisting(t *testing.T) {
	_, path := setupPool(t)
	if _, err := pmem.Create(path, "pool-test", 16<<20, config.FlushNone); err == nil {
		t.Fatal("Create succeeded over an existing pool file")
	}
}

func TestOpenMissing(t *testing.T) {
	t.Parallel()
	_, err := pmem.Open(filepath.Join(t.TempDir(), "nope.pool"), "pool-test", config.FlushNone)
	if err == nil {
		t.Fatal("Open succeeded on a missing pool file")
	}
}

func TestOpenRejectsWrongLayout(t *testing.T) {
	pool, path := setupPool(t)
	if err := pool.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := pmem.Open(path, "some-other-layout", config.FlushNone); err == nil {
		t.Fatal("Open accepted a pool created under a different layout")
	}
}

func TestAllocAlignmentAndZeroing(t *testing.T) {
	pool, _ := setupPool(t)
	for i := 0; i < 64; i++ {
		off := pool.Alloc(256)
		if off%pmem.AlignSize != 0 {
			t.Fatalf("allocation %d at offset %d is not %d-byte aligned", i, off, pmem.AlignSize)
		}
		b := (*[256]byte)(pool.Absolute(off))
		for j, v := range b {
			if v != 0 {
				t.Fatalf("allocation %d not zeroed at byte %d", i, j)
			}
		}
	}
}

func TestAllocDistinct(t *testing.T) {
	pool, _ := setupPool(t)
	seen := map[pmem.Offset]bool{}
	for i := 0; i < 1000; i++ {
		off := pool.Alloc(256)
		if seen[off] {
			t.Fatalf("offset %d handed out twice", off)
		}
		seen[off] = true
	}
}

func TestLargeFreeIsReused(t *testing.T) {
	pool, _ := setupPool(t)
	off := pool.Alloc(8192)
	pool.Free(off, 8192)
	again := pool.Alloc(8192)
	if again != off {
		t.Errorf("freed large block at %d not reused, got %d", off, again)
	}
}

func TestSmallFreeIsSlab(t *testing.T) {
	pool, _ := setupPool(t)
	off := pool.Alloc(256)
	pool.Free(off, 256)
	if again := pool.Alloc(256); again == off {
		t.Error("small allocation was reused after free")
	}
}

func TestAbsoluteRelativeRoundTrip(t *testing.T) {
	pool, _ := setupPool(t)
	off := pool.Alloc(256)
	if back := pool.Relative(pool.Absolute(off)); back != off {
		t.Errorf("round trip of offset %d gave %d", off, back)
	}
	if pool.Absolute(pmem.Null) != nil {
		t.Error("Absolute(Null) is not nil")
	}
}

func TestRootAndCursorSurviveReopen(t *testing.T) {
	pool, path := setupPool(t)
	id := pool.InstanceID()

	slot := (*pmem.Offset)(pool.Root(8))
	off := pool.Alloc(256)
	*slot = off
	pool.Persist(0, 8192)
	if err := pool.Close(); err != nil {
		t.Fatal(err)
	}

	pool, err := pmem.Open(path, "pool-test", config.FlushNone)
	if err != nil {
		t.Fatal("Failed to reopen pool:", err)
	}
	defer pool.Close()
	if pool.InstanceID() != id {
		t.Error("instance id changed across reopen")
	}
	if got := *(*pmem.Offset)(pool.Root(8)); got != off {
		t.Errorf("root slot = %d after reopen, want %d", got, off)
	}
	if next := pool.Alloc(256); next <= off {
		t.Errorf("arena cursor rewound: new allocation %d not above %d", next, off)
	}
}
