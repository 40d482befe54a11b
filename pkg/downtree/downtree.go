package downtree

import (
	"io"
	"sync/atomic"
	"unsafe"

	"github.com/ypluo/TLBtree/pkg/config"
	"github.com/ypluo/TLBtree/pkg/pmem"
)

// A sub-index is a small tree of downtree nodes hanging off one slot of
// the upper layer. The slot holds the root offset and is updated in
// place with a single persisted store whenever the root changes, so the
// sub-index needs no log. rootSlot always points into persistent memory.

// Promotion is a split that outgrew the sub-index: the coordinator must
// register the new right tree with the upper layer under Key.
type Promotion struct {
	Key  int64
	Root pmem.Offset
}

func loadOffset(slot *pmem.Offset) pmem.Offset {
	return pmem.Offset(atomic.LoadUint64((*uint64)(unsafe.Pointer(slot))))
}

// Sibling returns the active split key and right sibling of the node at
// off. The coordinator uses it to walk the chain of sub-index roots.
func Sibling(p *pmem.Pool, off pmem.Offset) (int64, pmem.Offset) {
	k, sib := nodeAt(p, off).getSibling()
	return k, pmem.Offset(atomic.LoadUint64((*uint64)(unsafe.Pointer(sib))))
}

// SiblingSlot is Sibling returning the address of the sibling slot
// instead of its value, so routing can continue through the slot as the
// chain evolves.
func SiblingSlot(p *pmem.Pool, off pmem.Offset) (int64, *pmem.Offset) {
	return nodeAt(p, off).getSibling()
}

// Insert adds k into the sub-index rooted at *rootSlot. A split at a
// level below the height cap grows the sub-index in place by installing
// a new root; at the cap the split is returned as a Promotion instead.
func Insert(p *pmem.Pool, rootSlot *pmem.Offset, k int64, v pmem.Offset) (Promotion, bool) {
	rootOff := loadOffset(rootSlot)
	root := nodeAt(p, rootOff)

	level := 1
	splitKey, splitOff, split := insertRecursive(p, root, k, v, &level)
	if !split {
		return Promotion{}, false
	}
	if level < config.DownLevel {
		// Grow in place: a fresh root adopts the old root and the split.
		newRoot, newOff := newNode(p)
		newRoot.leftmost = rootOff
		newRoot.recs[0] = pmem.Record{Key: splitKey, Val: splitOff}
		newRoot.state = uint64(state(0).append(0, 0).withCount(1))
		p.Persist(newOff, headSize)
		p.Fence()
		p.PersistAssignOffset(rootSlot, newOff)
		return Promotion{}, false
	}
	return Promotion{Key: splitKey, Root: splitOff}, true
}

func insertRecursive(p *pmem.Pool, n *Node, k int64, v pmem.Offset, level *int) (int64, pmem.Offset, bool) {
	if n.leftmost == pmem.Null {
		return n.store(p, k, v)
	}
	*level++
	childOff, _ := n.getChild(p, k)
	splitKey, splitOff, split := insertRecursive(p, nodeAt(p, childOff), k, v, level)
	if split {
		return n.store(p, splitKey, splitOff)
	}
	return 0, pmem.Null, false
}

// Find looks k up in the sub-index rooted at *rootSlot.
func Find(p *pmem.Pool, rootSlot *pmem.Offset, k int64) (pmem.Offset, bool) {
	cur := nodeAt(p, loadOffset(rootSlot))
	for cur.leftmost != pmem.Null {
		child, _ := cur.getChild(p, k)
		cur = nodeAt(p, child)
	}
	return cur.getChild(p, k)
}

// Update overwrites the value under k in place, reporting whether the
// key was present.
func Update(p *pmem.Pool, rootSlot *pmem.Offset, k int64, v pmem.Offset) bool {
	cur := nodeAt(p, loadOffset(rootSlot))
	for cur.leftmost != pmem.Null {
		child, _ := cur.getChild(p, k)
		cur = nodeAt(p, child)
	}
	return cur.update(p, k, v)
}

// Remove deletes k from the sub-index. found reports whether the key
// existed; emptied reports that the sub-index holds no records at all,
// letting the coordinator retire its slot in the upper layer.
func Remove(p *pmem.Pool, rootSlot *pmem.Offset, k int64) (found, emptied bool) {
	rootOff := loadOffset(rootSlot)
	root := nodeAt(p, rootOff)

	if root.leftmost == pmem.Null {
		found = root.remove(p, k)
		return found, root.loadState().count() == 0
	}

	childOff, _ := root.getChild(p, k)
	found, underflow := removeRecursive(p, nodeAt(p, childOff), k)
	if underflow {
		mergeChild(p, root, nodeAt(p, childOff), k)
		if root.loadState().count() == 0 {
			// The root routes through a single child now; shrink.
			p.PersistAssignOffset(rootSlot, root.leftmost)
			p.Free(rootOff, NodeSize)
		}
	}
	return found, false
}

func removeRecursive(p *pmem.Pool, n *Node, k int64) (found, underflow bool) {
	if n.leftmost == pmem.Null {
		found = n.remove(p, k)
		return found, n.loadState().count() < config.UnderflowCard
	}
	childOff, _ := n.getChild(p, k)
	found, childUnderflow := removeRecursive(p, nodeAt(p, childOff), k)
	if childUnderflow && mergeChild(p, n, nodeAt(p, childOff), k) {
		return found, n.loadState().count() < config.UnderflowCard
	}
	return found, false
}

// mergeChild folds the underflowing child covering k into its left
// neighbor, or absorbs its right neighbor, whichever fits. The merged
// child's separator leaves the parent first, so a reader that races the
// merge lands on the left half and follows its sibling. Returns whether
// a merge actually happened.
func mergeChild(p *pmem.Pool, parent, child *Node, k int64) bool {
	left, right := parent.getLRChild(p, k)
	childCnt := child.loadState().count()
	if left != nil && childCnt+left.loadState().count() < config.Cardinality {
		first := child.recs[child.loadState().read(0)].Key
		parent.remove(p, first)
		mergeNodes(p, left, child)
		return true
	}
	if right != nil && childCnt+right.loadState().count() < config.Cardinality {
		first := right.recs[right.loadState().read(0)].Key
		parent.remove(p, first)
		mergeNodes(p, child, right)
		return true
	}
	return false
}

// Print dumps the sub-index rooted at off.
func Print(p *pmem.Pool, off pmem.Offset, w io.Writer) {
	nodeAt(p, off).Print(p, w, "", true)
}
