// Package downtree implements the write-optimized lower layer of the
// index: 256-byte log-free nodes whose ordering, occupancy, latch and
// change counter all live in one atomically published state word.
// A node never moves records on insert; it writes the record into a
// free physical slot, persists it, then publishes a new state word that
// splices the slot into logical order.
package downtree

import (
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/ypluo/TLBtree/pkg/config"
	"github.com/ypluo/TLBtree/pkg/pmem"
)

// NodeSize is the on-pool footprint of a node: exactly four cache lines.
const NodeSize = 256

// headSize covers the state word, leftmost pointer and both sibling
// slots: the first cache line, flushed as a unit when state changes.
const headSize = 64

// Node is the downtree node as laid out in the pool. recs is unsorted
// physical storage; the state word's slot array defines logical order.
// siblings is a shadow pair: the slot selected by the state word's
// sibling version is current, the other stages the next split.
type Node struct {
	state    uint64
	leftmost pmem.Offset // leftmost child; Null marks a leaf
	siblings [2]pmem.Record
	recs     [config.Cardinality]pmem.Record
}

var _ = [1]struct{}{}[NodeSize-unsafe.Sizeof(Node{})]

// nodeAt interprets pool memory at off as a Node.
func nodeAt(p *pmem.Pool, off pmem.Offset) *Node {
	return (*Node)(p.Absolute(off))
}

// newNode allocates a node from the pool with both sibling slots set to
// the MaxKey terminator.
func newNode(p *pmem.Pool) (*Node, pmem.Offset) {
	off := p.Alloc(NodeSize)
	n := nodeAt(p, off)
	n.siblings[0] = pmem.Record{Key: pmem.MaxKey, Val: pmem.Null}
	n.siblings[1] = pmem.Record{Key: pmem.MaxKey, Val: pmem.Null}
	return n, off
}

// NewLeaf allocates and persists an empty leaf, for pool initialization.
func NewLeaf(p *pmem.Pool) pmem.Offset {
	_, off := newNode(p)
	p.Persist(off, NodeSize)
	p.Fence()
	return off
}

func (n *Node) loadState() state {
	return state(atomic.LoadUint64(&n.state))
}

func (n *Node) off(p *pmem.Pool) pmem.Offset {
	return p.Relative(unsafe.Pointer(n))
}

// lock acquires the node latch. The acquiring CAS also bumps the node
// version (unless bumpVersion is false), making it odd so optimistic
// readers know a writer is in the node.
func (n *Node) lock(bumpVersion bool) {
	for {
		cur := n.loadState() &^ latchBit
		want := cur | latchBit
		if bumpVersion {
			want = want.bumpVersion()
		}
		if atomic.CompareAndSwapUint64(&n.state, uint64(cur), uint64(want)) {
			return
		}
		for n.loadState().locked() {
			runtime.Gosched()
		}
	}
}

// unlock releases the latch, bumping the version back to even. Must be
// paired with a prior successful lock on the same node.
func (n *Node) unlock(bumpVersion bool) {
	s := n.loadState() &^ latchBit
	if bumpVersion {
		s = s.bumpVersion()
	}
	atomic.StoreUint64(&n.state, uint64(s))
}

// publish commits a new state word and flushes the node head. The head
// flush covers the sibling slots too, so a staged sibling and the state
// word that activates it reach the pool together.
func (n *Node) publish(p *pmem.Pool, s state) {
	atomic.StoreUint64(&n.state, uint64(s))
	p.Persist(n.off(p), headSize)
}

// validate reports whether a read bracketed by version v0 is usable:
// the version must be unchanged and even.
func (n *Node) validate(v0 uint64) bool {
	return n.loadState().version() == v0 && v0%2 == 0
}

// getSibling returns the active split key and the address of the slot
// holding the right sibling offset. The slot address is stable: the
// shadow pair never moves, only the version bit selecting it flips.
func (n *Node) getSibling() (int64, *pmem.Offset) {
	sib := &n.siblings[n.loadState().siblingVersion()]
	return atomic.LoadInt64(&sib.Key), &sib.Val
}

// getChild performs an optimistic lookup. For an inner node it returns
// the child covering k; for a leaf it returns the value stored under k,
// with ok reporting whether the key was present. Reads retry until a
// stable even version brackets them.
func (n *Node) getChild(p *pmem.Pool, k int64) (val pmem.Offset, ok bool) {
	for {
		v0 := n.loadState().version()
		s := n.loadState()

		sib := n.siblings[s.siblingVersion()]
		if k >= sib.Key { // the node split and k now belongs to a sibling
			next := nodeAt(p, sib.Val)
			if !n.validate(v0) {
				continue
			}
			return next.getChild(p, k)
		}

		if n.leftmost == pmem.Null {
			slot := 0
			for i := 0; i < s.count(); i++ {
				slot = s.read(i)
				if n.recs[slot].Key >= k {
					break
				}
			}
			val, ok = pmem.Null, false
			if s.count() > 0 && n.recs[slot].Key == k {
				val, ok = n.recs[slot].Val, true
			}
			if !n.validate(v0) {
				continue
			}
			return val, ok
		}

		pos := s.count()
		for i := 0; i < s.count(); i++ {
			if n.recs[s.read(i)].Key > k {
				pos = i
				break
			}
		}
		if pos == 0 { // every separator is bigger than k
			val = n.leftmost
		} else {
			val = n.recs[s.read(pos-1)].Val
		}
		if !n.validate(v0) {
			continue
		}
		return val, true
	}
}

// getLRChild returns the children immediately left and right of the
// child covering k, for merge candidate selection. Either may be nil.
func (n *Node) getLRChild(p *pmem.Pool, k int64) (left, right *Node) {
	for {
		v0 := n.loadState().version()
		s := n.loadState()

		i := 0
		for ; i < s.count(); i++ {
			if n.recs[s.read(i)].Key > k {
				break
			}
		}
		switch {
		case i == 0:
			left = nil
		case i == 1:
			left = nodeAt(p, n.leftmost)
		default:
			left = nodeAt(p, n.recs[s.read(i-2)].Val)
		}
		if i == s.count() {
			right = nil
		} else {
			right = nodeAt(p, n.recs[s.read(i)].Val)
		}
		if n.validate(v0) {
			return left, right
		}
	}
}

// insertOne places a record into a node with free space. The caller
// holds the latch. The record is persisted before the state word that
// makes it visible.
func (n *Node) insertOne(p *pmem.Pool, k int64, v pmem.Offset) {
	s := n.loadState()
	idx := 0
	for ; idx < s.count(); idx++ {
		if k < n.recs[s.read(idx)].Key {
			break
		}
	}
	slot := s.alloc()
	n.recs[slot] = pmem.Record{Key: k, Val: v}
	p.PersistPtr(unsafe.Pointer(&n.recs[slot]), pmem.RecordSize)
	p.Fence()
	n.publish(p, s.add(idx, slot))
}

// appendRec stages a record at a physical slot and logical position
// without touching the count. Used while building an unpublished node
// and while merging under both latches.
func (n *Node) appendRec(r pmem.Record, slot, pos int) {
	n.recs[slot] = r
	atomic.StoreUint64(&n.state, uint64(n.loadState().append(pos, slot)))
}

// store inserts under the node latch, splitting when the node is full.
// It returns the split key and new right node if a split happened; the
// caller owns propagating that record into the parent.
func (n *Node) store(p *pmem.Pool, k int64, v pmem.Offset) (splitKey int64, splitOff pmem.Offset, split bool) {
	n.lock(true)

	s := n.loadState()
	sib := n.siblings[s.siblingVersion()]
	if k >= sib.Key { // k belongs to a right sibling installed by a split
		next := nodeAt(p, sib.Val)
		n.unlock(true)
		return next.store(p, k, v)
	}

	if s.count() < config.Cardinality {
		n.insertOne(p, k, v)
		n.unlock(true)
		return 0, pmem.Null, false
	}

	// Split. Move the upper half into a fresh right node, persist it
	// fully, then publish left's shrunken state and the new sibling in
	// one state-word flip.
	m := s.count() / 2
	splitKey = n.recs[s.read(m)].Key

	right, rightOff := newNode(p)
	right.lock(true)
	ns := s
	j := 0
	if n.leftmost == pmem.Null {
		for i := m; i < s.count(); i++ {
			right.appendRec(n.recs[s.read(i)], j, j)
			j++
		}
		ns = ns.withCount(s.count() - j)
	} else {
		right.leftmost = n.recs[s.read(m)].Val
		for i := m + 1; i < s.count(); i++ {
			right.appendRec(n.recs[s.read(i)], j, j)
			j++
		}
		ns = ns.withCount(s.count() - j - 1)
	}
	rs := right.loadState().withCount(j).withSiblingVersion(0)
	atomic.StoreUint64(&right.state, uint64(rs))
	// The right node inherits left's current sibling.
	right.siblings[0] = n.siblings[s.siblingVersion()]
	p.Persist(rightOff, NodeSize)

	// Stage the new sibling in the shadow slot; the state flip below
	// activates it and shrinks the count at the same instant.
	n.siblings[1-s.siblingVersion()] = pmem.Record{Key: splitKey, Val: rightOff}
	ns = ns.flipSibling()
	p.Fence()
	n.publish(p, ns)

	// Route the triggering key to whichever half owns it now.
	if k < splitKey {
		n.insertOne(p, k, v)
	} else {
		right.insertOne(p, k, v)
	}
	right.unlock(true)
	n.unlock(true)
	return splitKey, rightOff, true
}

// update overwrites the value under k in place. The latch is taken
// without a version bump: an 8-byte value store is atomic, so
// optimistic readers need no invalidation.
func (n *Node) update(p *pmem.Pool, k int64, v pmem.Offset) bool {
	n.lock(false)

	s := n.loadState()
	sib := n.siblings[s.siblingVersion()]
	if k >= sib.Key {
		next := nodeAt(p, sib.Val)
		n.unlock(false)
		return next.update(p, k, v)
	}

	slot := 0
	for i := 0; i < s.count(); i++ {
		slot = s.read(i)
		if n.recs[slot].Key >= k {
			break
		}
	}
	found := false
	if s.count() > 0 && n.recs[slot].Key == k {
		atomic.StoreUint64((*uint64)(unsafe.Pointer(&n.recs[slot].Val)), uint64(v))
		p.PersistPtr(unsafe.Pointer(&n.recs[slot]), pmem.RecordSize)
		found = true
	}
	n.unlock(false)
	return found
}

// remove deletes k from a leaf, or the separator preceding k's child
// from an inner node. A non-SMO delete publishes one state word and
// nothing else. Returns whether a leaf record was actually removed.
func (n *Node) remove(p *pmem.Pool, k int64) bool {
	n.lock(true)

	s := n.loadState()
	sib := n.siblings[s.siblingVersion()]
	if k >= sib.Key {
		next := nodeAt(p, sib.Val)
		n.unlock(true)
		return next.remove(p, k)
	}

	if n.leftmost == pmem.Null {
		idx, slot := 0, 0
		for ; idx < s.count(); idx++ {
			slot = s.read(idx)
			if n.recs[slot].Key >= k {
				break
			}
		}
		if idx < s.count() && n.recs[slot].Key == k {
			n.publish(p, s.remove(idx))
			n.unlock(true)
			return true
		}
		n.unlock(true)
		return false
	}

	idx := 0
	for ; idx < s.count(); idx++ {
		if n.recs[s.read(idx)].Key > k {
			break
		}
	}
	// The leftmost child is never removed, so idx > 0 here: removing a
	// child means removing the separator before it.
	n.publish(p, s.remove(idx-1))
	n.unlock(true)
	return true
}

// mergeNodes folds right into left and frees right. Latches are taken
// in address order and both are released before return. left must be
// the node whose active sibling is right.
func mergeNodes(p *pmem.Pool, left, right *Node) {
	if left.off(p) < right.off(p) {
		left.lock(true)
		right.lock(true)
	} else {
		right.lock(true)
		left.lock(true)
	}

	ns := left.loadState()
	sib := left.siblings[ns.siblingVersion()]

	if left.leftmost != pmem.Null {
		// The right node's leftmost child re-enters under the old
		// separator key.
		slot := ns.alloc()
		left.appendRec(pmem.Record{Key: sib.Key, Val: right.leftmost}, slot, ns.count())
		ns = ns.add(ns.count(), slot)
	}
	rs := right.loadState()
	for i := 0; i < rs.count(); i++ {
		slot := ns.alloc()
		left.appendRec(right.recs[rs.read(i)], slot, ns.count())
		ns = ns.add(ns.count(), slot)
	}

	// left inherits right's sibling through the shadow slot.
	left.siblings[1-ns.siblingVersion()] = right.siblings[rs.siblingVersion()]
	ns = ns.flipSibling()
	p.Persist(left.off(p), NodeSize)
	p.Fence()
	left.publish(p, ns)

	left.unlock(true)
	right.unlock(true)
	p.Free(right.off(p), NodeSize)
}

// Print writes the node, and recursively its subtree, in the pool.
func (n *Node) Print(p *pmem.Pool, w io.Writer, prefix string, recursive bool) {
	s := n.loadState()
	fmt.Fprintf(w, "%s[%d @%d |", prefix, s.count(), n.off(p))
	for i := 0; i < s.count(); i++ {
		r := n.recs[s.read(i)]
		fmt.Fprintf(w, " (%d, %d)", r.Key, uint64(r.Val))
	}
	sib := n.siblings[s.siblingVersion()]
	fmt.Fprintf(w, " ] sib={%d @%d}\n", sib.Key, uint64(sib.Val))

	if recursive && n.leftmost != pmem.Null {
		nodeAt(p, n.leftmost).Print(p, w, prefix+"    ", recursive)
		for i := 0; i < s.count(); i++ {
			nodeAt(p, n.recs[s.read(i)].Val).Print(p, w, prefix+"    ", recursive)
		}
	}
}
