// Package tlbtree ties the two layers of the index together: a
// read-optimized linearized uptree routing into write-optimized
// downtree sub-indexes chained by split key. Inserts run against the
// lower layer; sub-index promotions land in the upper layer or, when it
// has no room, in a volatile delta that the next rebuild folds in.
package tlbtree

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/ypluo/TLBtree/pkg/config"
	"github.com/ypluo/TLBtree/pkg/downtree"
	"github.com/ypluo/TLBtree/pkg/pmem"
	"github.com/ypluo/TLBtree/pkg/uptree"
)

// ErrNoEntrance marks a pool file that was created but never seeded
// with an index.
var ErrNoEntrance = errors.New("pool holds no index entrance")

// entrance is the persistent anchor of the whole index, living in the
// pool's fixed root region. Fields are 8-byte words so each can be
// committed with a single persisted store.
type entrance struct {
	upent      pmem.Offset // entrance of the active uptree
	restore    pmem.Offset // saved delta records from the last shutdown
	restoreLen uint64
	isClean    uint64 // nonzero after an intended shutdown
	useRecover uint64 // nonzero forces a chain-walk rebuild next time
}

// Tree is an open index handle. It is safe for concurrent use.
type Tree struct {
	pool *pmem.Pool
	ent  *entrance
	opts Options
	log  *zap.Logger
	jnl  *journal

	up atomic.Pointer[uptree.Tree]

	// deltaMtx guards the delta and serializes all mutation of the
	// active uptree's slots.
	deltaMtx sync.Mutex
	delta    *btree.BTreeG[pmem.Record]

	rebuildMtx sync.Mutex
	rebuilding atomic.Bool
	rebuildWG  sync.WaitGroup
}

func newDelta() *btree.BTreeG[pmem.Record] {
	return btree.NewG(16, func(a, b pmem.Record) bool { return a.Key < b.Key })
}

// Open opens the index stored in the pool file at path, creating a
// fresh one when the file does not exist. A pool left dirty by a crash
// is opened immediately; its upper layer is rebuilt from the sub-index
// chain on the first rebuild trigger.
func Open(path string, options ...Option) (*Tree, error) {
	opts := defaultOptions()
	for _, o := range options {
		o(&opts)
	}

	t := &Tree{
		opts:  opts,
		log:   opts.Logger,
		delta: newDelta(),
	}

	var err error
	if _, serr := os.Stat(path); serr != nil {
		err = t.create(path)
	} else {
		err = t.recover(path)
	}
	if err != nil {
		return nil, err
	}

	if t.jnl, err = openJournal(path, t.log); err != nil {
		t.pool.Close()
		return nil, fmt.Errorf("open session journal: %w", err)
	}
	t.jnl.opened(t.pool.InstanceID(), t.ent.isClean != 0)

	// Mark the session dirty until Close.
	t.pool.PersistAssign(&t.ent.isClean, 0)
	return t, nil
}

func (t *Tree) create(path string) error {
	pool, err := pmem.Create(path, config.IndexName, t.opts.PoolSize, t.opts.FlushMode)
	if err != nil {
		return err
	}
	t.pool = pool
	t.ent = (*entrance)(pool.Root(int(unsafe.Sizeof(entrance{}))))
	*t.ent = entrance{useRecover: 1}
	pool.PersistPtr(unsafe.Pointer(t.ent), int(unsafe.Sizeof(entrance{})))

	// Seed the index: one empty sub-index covering the whole key space.
	first := downtree.NewLeaf(pool)
	up := uptree.Build(pool, []pmem.Record{{Key: pmem.MinKey, Val: first}})
	t.up.Store(up)
	pool.PersistAssignOffset(&t.ent.upent, up.EntranceOffset())
	pool.PersistAssign(&t.ent.useRecover, 0)
	t.ent.isClean = 1 // a fresh pool has nothing to recover
	t.log.Info("created index pool",
		zap.String("path", path),
		zap.Uint64("pool_size", t.opts.PoolSize))
	return nil
}

func (t *Tree) recover(path string) error {
	pool, err := pmem.Open(path, config.IndexName, t.opts.FlushMode)
	if err != nil {
		return err
	}
	t.pool = pool
	t.ent = (*entrance)(pool.Root(int(unsafe.Sizeof(entrance{}))))
	if t.ent.upent == pmem.Null {
		pool.Close()
		return fmt.Errorf("%w: %s", ErrNoEntrance, path)
	}

	if t.ent.isClean == 0 {
		// Crash: promotions may be missing from the upper layer, so the
		// next rebuild must re-collect the sub-index chain.
		pool.PersistAssign(&t.ent.useRecover, 1)
		t.log.Warn("pool was not closed cleanly, scheduling chain-walk rebuild",
			zap.String("path", path))
	} else if t.ent.restore != pmem.Null {
		// Clean shutdown: reload the delta saved by Close.
		recs := unsafe.Slice((*pmem.Record)(pool.Absolute(t.ent.restore)), t.ent.restoreLen)
		for _, r := range recs {
			t.delta.ReplaceOrInsert(r)
		}
		off, n := t.ent.restore, len(recs)
		t.ent.restore = pmem.Null
		t.ent.restoreLen = 0
		pool.PersistPtr(unsafe.Pointer(&t.ent.restore), 16)
		pool.Free(off, restoreBytes(n))
		t.log.Info("restored delta from previous session", zap.Int("records", n))
	}

	t.up.Store(uptree.NewFromEntrance(pool, t.ent.upent))
	return nil
}

func restoreBytes(n int) int {
	if n*pmem.RecordSize < 4096 {
		return 4096
	}
	return n * pmem.RecordSize
}

// Close drains any running rebuild, saves the volatile delta into the
// pool and marks the session clean.
func (t *Tree) Close() error {
	t.rebuildMtx.Lock()
	defer t.rebuildMtx.Unlock()
	t.rebuildWG.Wait()

	if t.ent.useRecover == 0 && t.delta.Len() > 0 {
		n := t.delta.Len()
		off := t.pool.Alloc(restoreBytes(n))
		recs := unsafe.Slice((*pmem.Record)(t.pool.Absolute(off)), n)
		i := 0
		t.delta.Ascend(func(r pmem.Record) bool {
			recs[i] = r
			i++
			return true
		})
		t.pool.Persist(off, n*pmem.RecordSize)
		t.pool.Fence()
		t.ent.restore = off
		t.ent.restoreLen = uint64(n)
		t.pool.PersistPtr(unsafe.Pointer(&t.ent.restore), 16)
		t.log.Info("saved delta for next session", zap.Int("records", n))
	}

	t.pool.PersistAssign(&t.ent.isClean, 1)
	t.jnl.closed()
	err := t.pool.Close()
	if jerr := t.jnl.close(); err == nil {
		err = jerr
	}
	return err
}

// route resolves the sub-index covering k: a candidate from the upper
// layer, then the sibling chain for splits the upper layer has not
// absorbed yet. Lookups must also leave a sub-index whose split key
// equals k, hence the inclusive walk.
func (t *Tree) route(k int64, inclusive bool) (rootSlot *pmem.Offset, steps int) {
	rootSlot = t.up.Load().FindLower(k)
	splitKey, sibSlot := downtree.SiblingSlot(t.pool, loadSlot(rootSlot))
	for splitKey < k || (inclusive && splitKey == k) {
		rootSlot = sibSlot
		splitKey, sibSlot = downtree.SiblingSlot(t.pool, loadSlot(rootSlot))
		steps++
	}
	return rootSlot, steps
}

func loadSlot(slot *pmem.Offset) pmem.Offset {
	return pmem.Offset(atomic.LoadUint64((*uint64)(unsafe.Pointer(slot))))
}

// Insert adds (k, v) to the index. Keys are unique; inserting a present
// key makes the older record unreachable rather than replacing it, so
// callers wanting overwrite semantics should use Update.
func (t *Tree) Insert(k int64, v int64) {
	rootSlot, steps := t.route(k, false)
	prom, promoted := downtree.Insert(t.pool, rootSlot, k, pmem.Offset(v))

	// A long chain walk means the upper layer lags too far behind.
	if steps > config.RebuildThreshold && t.rebuildMtx.TryLock() {
		t.startRebuild()
	}

	if promoted {
		// deltaMtx serializes the gap-slot claim: two unserialized
		// promotions into the same leaf could tear each other's
		// key/value pair. A rebuild snapshot in flight or a full leaf
		// parks the promotion in the delta for the next rebuild.
		t.deltaMtx.Lock()
		if t.rebuilding.Load() || !t.up.Load().Insert(prom.Key, prom.Root) {
			t.delta.ReplaceOrInsert(pmem.Record{Key: prom.Key, Val: prom.Root})
		}
		t.deltaMtx.Unlock()
	}
}

// Find returns the value stored under k.
func (t *Tree) Find(k int64) (int64, bool) {
	rootSlot, _ := t.route(k, true)
	v, found := downtree.Find(t.pool, rootSlot, k)
	return int64(v), found
}

// Update overwrites the value under an existing key, reporting whether
// the key was present.
func (t *Tree) Update(k int64, v int64) bool {
	rootSlot, _ := t.route(k, false)
	return downtree.Update(t.pool, rootSlot, k, pmem.Offset(v))
}

// Remove deletes k, reporting whether it was present. A sub-index left
// empty tries to retire its slot in the upper layer.
func (t *Tree) Remove(k int64) bool {
	rootSlot, _ := t.route(k, false)
	found, emptied := downtree.Remove(t.pool, rootSlot, k)
	if emptied {
		t.deltaMtx.Lock()
		t.up.Load().TryRemove(k)
		t.deltaMtx.Unlock()
	}
	return found
}

// Verify walks the sub-index chain and checks the structural invariants
// of every sub-index against its chain bounds. Quiescent use only.
func (t *Tree) Verify() error {
	splitKey := pmem.MinKey
	root := loadSlot(t.up.Load().FindFirst())
	for root != pmem.Null {
		nextKey, next := downtree.Sibling(t.pool, root)
		if nextKey < splitKey {
			return fmt.Errorf("chain out of order: %d after %d", nextKey, splitKey)
		}
		if err := downtree.Verify(t.pool, root, splitKey, nextKey); err != nil {
			return err
		}
		splitKey, root = nextKey, next
	}
	return nil
}

// Print dumps the upper layer and every sub-index on the chain.
func (t *Tree) Print(w io.Writer) {
	t.up.Load().Print(w)
	fmt.Fprintln(w, "sub-indexes")
	root := loadSlot(t.up.Load().FindFirst())
	for root != pmem.Null {
		downtree.Print(t.pool, root, w)
		_, root = downtree.Sibling(t.pool, root)
	}
}
