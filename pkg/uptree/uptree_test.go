package uptree_test

import (
	"os"
	"testing"

	"github.com/ypluo/TLBtree/pkg/config"
	"github.com/ypluo/TLBtree/pkg/pmem"
	"github.com/ypluo/TLBtree/pkg/uptree"
)

func setupPool(t *testing.T) *pmem.Pool {
	t.Parallel()
	tmpfile, err := os.CreateTemp("", "*.pool")
	if err != nil {
		t.Fatal(err)
	}
	_ = tmpfile.Close()
	_ = os.Remove(tmpfile.Name())
	t.Cleanup(func() { _ = os.Remove(tmpfile.Name()) })

	pool, err := pmem.Create(tmpfile.Name(), "uptree-test", 256<<20, config.FlushNone)
	if err != nil {
		t.Fatal("Failed to create pool:", err)
	}
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

// spacedRecords builds n sorted records with keys 0, gap, 2*gap, ...
// The first key is MinKey, mirroring how the index anchors its leftmost
// subtree, and every value encodes its key for verification.
func spacedRecords(n int, gap int64) []pmem.Record {
	recs := make([]pmem.Record, n)
	recs[0] = pmem.Record{Key: pmem.MinKey, Val: 1}
	for i := 1; i < n; i++ {
		recs[i] = pmem.Record{Key: int64(i) * gap, Val: pmem.Offset(i*10 + 1)}
	}
	return recs
}

func checkLower(t *testing.T, tree *uptree.Tree, key int64, wantVal pmem.Offset) {
	t.Helper()
	slot := tree.FindLower(key)
	if *slot != wantVal {
		t.Errorf("FindLower(%d) = %d, want %d", key, *slot, wantVal)
	}
}

func TestBuildSingleLevelRouting(t *testing.T) {
	pool := setupPool(t)
	recs := spacedRecords(100, 10)
	tree := uptree.Build(pool, recs)

	if tree.LeafCount() != (100+config.LeafRebuildCard-1)/config.LeafRebuildCard {
		t.Errorf("LeafCount = %d, want %d", tree.LeafCount(), 9)
	}
	// Exact keys, keys between records, and a key beyond the maximum all
	// resolve to the record at or below them.
	for i := 1; i < 100; i++ {
		checkLower(t, tree, int64(i)*10, pmem.Offset(i*10+1))
		checkLower(t, tree, int64(i)*10+5, pmem.Offset(i*10+1))
	}
	checkLower(t, tree, 5, 1) // below the first real key routes leftmost
	checkLower(t, tree, 1<<40, pmem.Offset(99*10+1))
}

func TestBuildMultiLevelRouting(t *testing.T) {
	pool := setupPool(t)
	const n = 2000 // well past one inner node worth of leaves
	recs := spacedRecords(n, 8)
	tree := uptree.Build(pool, recs)

	if tree.LeafCount() <= config.InnerCard {
		t.Fatalf("LeafCount = %d, want a multi-level tree", tree.LeafCount())
	}
	for i := 1; i < n; i++ {
		checkLower(t, tree, int64(i)*8+3, pmem.Offset(i*10+1))
	}
}

func TestBuildExactFanout(t *testing.T) {
	pool := setupPool(t)
	// Exactly InnerCard leaves: the router level is completely full and
	// has no room for an end marker.
	const n = config.LeafRebuildCard * config.InnerCard
	tree := uptree.Build(pool, spacedRecords(n, 10))

	if tree.LeafCount() != config.InnerCard {
		t.Fatalf("LeafCount = %d, want %d", tree.LeafCount(), config.InnerCard)
	}
	for i := 1; i < n; i++ {
		checkLower(t, tree, int64(i)*10+5, pmem.Offset(i*10+1))
	}
	checkLower(t, tree, 1<<40, pmem.Offset((n-1)*10+1))
}

func TestFindFirst(t *testing.T) {
	pool := setupPool(t)
	tree := uptree.Build(pool, spacedRecords(50, 10))
	if got := *tree.FindFirst(); got != 1 {
		t.Errorf("FindFirst slot = %d, want 1", got)
	}
}

func TestInsertFillsGaps(t *testing.T) {
	pool := setupPool(t)
	tree := uptree.Build(pool, spacedRecords(config.LeafRebuildCard, 10))

	// One full leaf of records leaves LeafCard-LeafRebuildCard gaps.
	gaps := config.LeafCard - config.LeafRebuildCard
	for i := 0; i < gaps; i++ {
		k := int64(i)*10 + 5
		if !tree.Insert(k, pmem.Offset(k)) {
			t.Fatalf("Insert(%d) refused with %d gaps left", k, gaps-i)
		}
	}
	if tree.Insert(95, 95) {
		t.Error("Insert succeeded on a full leaf")
	}
	for i := 0; i < gaps; i++ {
		k := int64(i)*10 + 5
		checkLower(t, tree, k, pmem.Offset(k))
	}
	// Neighboring records are still routed correctly.
	checkLower(t, tree, 49, pmem.Offset(4*10+1))
}

func TestTryRemove(t *testing.T) {
	pool := setupPool(t)
	tree := uptree.Build(pool, spacedRecords(config.LeafRebuildCard, 10))

	// Removing a non-minimum key of a populated leaf succeeds.
	if !tree.TryRemove(50) {
		t.Error("TryRemove refused a removable non-minimum key")
	}
	checkLower(t, tree, 55, pmem.Offset(4*10+1)) // routes to 40 now

	// Removing the minimum while other keys remain must be refused.
	if tree.TryRemove(pmem.MinKey) {
		t.Error("TryRemove removed the leaf minimum with keys remaining")
	}

	// Draining the leaf down to its minimum makes the last removal legal.
	for i := 1; i < config.LeafRebuildCard; i++ {
		tree.TryRemove(int64(i) * 10)
	}
	if !tree.TryRemove(pmem.MinKey) {
		t.Error("TryRemove refused the last key of a leaf")
	}
}

func TestMergePrefersDelta(t *testing.T) {
	pool := setupPool(t)
	tree := uptree.Build(pool, spacedRecords(40, 10))

	delta := []pmem.Record{
		{Key: 15, Val: 1500},  // new key between records
		{Key: 20, Val: 9999},  // replaces the record at key 20
		{Key: 500, Val: 5000}, // past the maximum
	}
	out := tree.Merge(delta)

	if len(out) != 40+2 {
		t.Fatalf("merged %d records, want %d", len(out), 42)
	}
	for i := 1; i < len(out); i++ {
		if out[i].Key <= out[i-1].Key {
			t.Fatalf("merge output unsorted at %d: %d after %d", i, out[i].Key, out[i-1].Key)
		}
	}
	byKey := map[int64]pmem.Offset{}
	for _, r := range out {
		byKey[r.Key] = r.Val
	}
	if byKey[15] != 1500 || byKey[500] != 5000 {
		t.Error("delta records missing from merge output")
	}
	if byKey[20] != 9999 {
		t.Errorf("key 20 = %d after merge, want the delta value", byKey[20])
	}
}

func TestMergeSkipsRemovedAndIncludesInserted(t *testing.T) {
	pool := setupPool(t)
	tree := uptree.Build(pool, spacedRecords(40, 10))
	tree.TryRemove(200) // non-minimum key of its leaf
	if !tree.Insert(205, 2050) {
		t.Fatal("Insert into a fresh gap failed")
	}

	out := tree.Merge(nil)
	byKey := map[int64]pmem.Offset{}
	for _, r := range out {
		byKey[r.Key] = r.Val
	}
	if _, ok := byKey[200]; ok {
		t.Error("removed key 200 survived the merge")
	}
	if byKey[205] != 2050 {
		t.Error("gap-inserted key 205 missing from the merge")
	}
}

func TestReattachFromEntrance(t *testing.T) {
	pool := setupPool(t)
	tree := uptree.Build(pool, spacedRecords(100, 10))
	entOff := tree.EntranceOffset()

	again := uptree.NewFromEntrance(pool, entOff)
	if again.LeafCount() != tree.LeafCount() {
		t.Errorf("LeafCount = %d after reattach, want %d", again.LeafCount(), tree.LeafCount())
	}
	for i := 1; i < 100; i++ {
		checkLower(t, again, int64(i)*10+5, pmem.Offset(i*10+1))
	}
}
