package tlbtree

import (
	"time"

	"go.uber.org/zap"

	"github.com/ypluo/TLBtree/pkg/downtree"
	"github.com/ypluo/TLBtree/pkg/pmem"
	"github.com/ypluo/TLBtree/pkg/uptree"
)

// graceDelay is how long a finished rebuild waits before freeing the
// replaced uptree, giving routed readers time to leave it.
// TODO: replace with epoch-based reclamation; a fixed delay cannot
// bound a descheduled reader.
const graceDelay = 50 * time.Microsecond

// startRebuild dispatches the rebuild the index currently needs. The
// caller must hold rebuildMtx; the rebuild releases it when done.
func (t *Tree) startRebuild() {
	run := t.rebuildFast
	if t.ent.useRecover != 0 {
		run = t.rebuildRecover
	}
	if t.opts.BackgroundRebuild {
		t.rebuildWG.Add(1)
		go func() {
			defer t.rebuildWG.Done()
			run()
		}()
	} else {
		run()
	}
}

// rebuildFast folds the delta into a snapshot of the upper layer and
// builds a replacement. Inserts keep running: promotions racing the
// snapshot fall into the fresh delta and survive to the next rebuild.
func (t *Tree) rebuildFast() {
	defer t.rebuildMtx.Unlock()
	start := time.Now()

	// The flag flips inside the delta critical section, so a promotion
	// either lands in the old uptree before the snapshot or sees the
	// flag and parks in the fresh delta.
	t.deltaMtx.Lock()
	immutable := t.delta
	t.delta = newDelta()
	t.rebuilding.Store(true)
	t.deltaMtx.Unlock()

	sorted := make([]pmem.Record, 0, immutable.Len())
	immutable.Ascend(func(r pmem.Record) bool {
		sorted = append(sorted, r)
		return true
	})

	old := t.up.Load()
	subroots := old.Merge(sorted)
	if len(subroots) == 0 {
		// Removes can retire every router slot; the chain head always
		// remains and routing falls through to the sibling walk.
		subroots = []pmem.Record{{Key: pmem.MinKey, Val: loadSlot(old.FindFirst())}}
	}
	t.install(old, subroots)

	t.rebuilding.Store(false)
	t.log.Info("rebuilt upper layer",
		zap.String("mode", "fast"),
		zap.Int("delta", len(sorted)),
		zap.Int("subroots", len(subroots)),
		zap.Duration("took", time.Since(start)))
	t.jnl.rebuilt("fast", len(subroots))
}

// rebuildRecover rebuilds the upper layer from the ground truth: the
// persistent chain of sub-index roots. Used once after a crash, when
// the upper layer may be missing promotions.
func (t *Tree) rebuildRecover() {
	defer t.rebuildMtx.Unlock()
	start := time.Now()
	t.rebuilding.Store(true)

	var subroots []pmem.Record
	splitKey := pmem.MinKey
	root := loadSlot(t.up.Load().FindFirst())
	for root != pmem.Null {
		subroots = append(subroots, pmem.Record{Key: splitKey, Val: root})
		splitKey, root = downtree.Sibling(t.pool, root)
	}

	old := t.up.Load()
	t.install(old, subroots)

	t.rebuilding.Store(false)
	t.pool.PersistAssign(&t.ent.useRecover, 0)
	t.log.Info("rebuilt upper layer",
		zap.String("mode", "recover"),
		zap.Int("subroots", len(subroots)),
		zap.Duration("took", time.Since(start)))
	t.jnl.rebuilt("recover", len(subroots))
}

// install publishes a new upper layer built from subroots and frees the
// old one after the grace delay.
func (t *Tree) install(old *uptree.Tree, subroots []pmem.Record) {
	fresh := uptree.Build(t.pool, subroots)
	t.pool.PersistAssignOffset(&t.ent.upent, fresh.EntranceOffset())
	t.up.Store(fresh)

	// Even a foreground rebuild has concurrent routed readers holding
	// the old tree, so the delay applies in every mode.
	time.Sleep(graceDelay)
	old.Free()
}
