package downtree

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/ypluo/TLBtree/pkg/config"
	"github.com/ypluo/TLBtree/pkg/pmem"
)

// Verify walks the sub-index rooted at off and checks its structural
// invariants: slot arrays reference distinct live slots, logical order
// is strictly ascending, every key falls inside [lower, upper), and
// inner separators agree with their subtrees. Quiescent use only.
func Verify(p *pmem.Pool, off pmem.Offset, lower, upper int64) error {
	return verifyNode(p, nodeAt(p, off), lower, upper)
}

func verifyNode(p *pmem.Pool, n *Node, lower, upper int64) error {
	s := n.loadState()
	if s.locked() {
		return fmt.Errorf("node %d: latch held at rest", n.off(p))
	}
	if s.version()%2 != 0 {
		return fmt.Errorf("node %d: odd version %d at rest", n.off(p), s.version())
	}
	if s.count() > config.Cardinality {
		return fmt.Errorf("node %d: count %d out of range", n.off(p), s.count())
	}

	seen := bitset.New(config.Cardinality)
	prev := lower
	for i := 0; i < s.count(); i++ {
		slot := s.read(i)
		if slot >= config.Cardinality {
			return fmt.Errorf("node %d: position %d references slot %d", n.off(p), i, slot)
		}
		if seen.Test(uint(slot)) {
			return fmt.Errorf("node %d: slot %d referenced twice", n.off(p), slot)
		}
		seen.Set(uint(slot))

		k := n.recs[slot].Key
		if i > 0 && k <= prev {
			return fmt.Errorf("node %d: key %d at position %d not above %d", n.off(p), k, i, prev)
		}
		if k < lower || k >= upper {
			return fmt.Errorf("node %d: key %d outside [%d, %d)", n.off(p), k, lower, upper)
		}
		prev = k
	}

	sibKey, _ := n.getSibling()
	if sibKey < upper {
		return fmt.Errorf("node %d: sibling key %d below bound %d", n.off(p), sibKey, upper)
	}

	if n.leftmost == pmem.Null {
		return nil
	}
	// Children partition (lower, upper] at the separators.
	next := upper
	if s.count() > 0 {
		next = n.recs[s.read(0)].Key
	}
	if err := verifyNode(p, nodeAt(p, n.leftmost), lower, next); err != nil {
		return err
	}
	for i := 0; i < s.count(); i++ {
		lo := n.recs[s.read(i)].Key
		hi := upper
		if i+1 < s.count() {
			hi = n.recs[s.read(i+1)].Key
		}
		if err := verifyNode(p, nodeAt(p, n.recs[s.read(i)].Val), lo, hi); err != nil {
			return err
		}
	}
	return nil
}
