package downtree

import "github.com/ypluo/TLBtree/pkg/config"

// state is the packed 64-bit word at the head of every downtree node.
// From low to high bits: slotArray (52 bits, 13 nibbles of physical slot
// id ordered by logical position), count (4), sibling version (1), latch
// (1), node version (6). Every mutation of a node is published by
// storing a whole new word, so readers always observe a consistent
// (slotArray, count) pair.
type state uint64

const (
	slotBits   = 52
	slotMask   = state(1)<<slotBits - 1
	countShift = 52
	countMask  = state(0xf) << countShift
	sibShift   = 56
	sibBit     = state(1) << sibShift
	latchBit   = state(1) << 57
	verShift   = 58
	verMask    = state(0x3f) << verShift
)

func (s state) count() int {
	return int(s >> countShift & 0xf)
}

func (s state) siblingVersion() int {
	return int(s >> sibShift & 1)
}

func (s state) version() uint64 {
	return uint64(s >> verShift)
}

func (s state) locked() bool {
	return s&latchBit != 0
}

// read returns the physical slot stored at logical position i.
func (s state) read(i int) int {
	p := uint64(s&slotMask) << 12
	return int(p >> ((15 - i) * 4) & 0xf)
}

// alloc returns the smallest physical slot not referenced by the first
// count logical positions.
func (s state) alloc() int {
	var occupied [config.Cardinality]bool
	for i := 0; i < s.count(); i++ {
		occupied[s.read(i)] = true
	}
	for i := 0; i < config.Cardinality; i++ {
		if !occupied[i] {
			return i
		}
	}
	return config.Cardinality // never reached while count < Cardinality
}

// add returns the word with slot inserted at logical position i and the
// count incremented. Positions at and above i shift one nibble right.
func (s state) add(i, slot int) state {
	p := uint64(s&slotMask) << 12
	mask := ^uint64(0) >> (i * 4)
	slots := state(((p &^ mask) + uint64(slot)<<((15-i)*4) + (p&mask)>>4) >> 12)
	return s&^(slotMask|countMask) | slots&slotMask | state(s.count()+1)<<countShift
}

// remove returns the word with logical position i removed and the count
// decremented. Positions above i shift one nibble left.
func (s state) remove(i int) state {
	p := uint64(s&slotMask) << 12
	mask := ^uint64(0) >> (i * 4)
	slots := state(((p &^ mask) + (p&(mask>>4))<<4) >> 12)
	return s&^(slotMask|countMask) | slots&slotMask | state(s.count()-1)<<countShift
}

// append is add without the count change. It stages a slot beyond the
// published count while a node is being built; the count lands later
// with the state word that publishes the whole batch.
func (s state) append(i, slot int) state {
	p := uint64(s&slotMask) << 12
	mask := ^uint64(0) >> (i * 4)
	slots := state(((p &^ mask) + uint64(slot)<<((15-i)*4) + (p&mask)>>4) >> 12)
	return s&^slotMask | slots&slotMask
}

func (s state) withCount(c int) state {
	return s&^countMask | state(c)<<countShift
}

func (s state) withSiblingVersion(v int) state {
	return s&^sibBit | state(v&1)<<sibShift
}

func (s state) flipSibling() state {
	return s ^ sibBit
}

// bumpVersion advances the 6-bit node version, wrapping modulo 64.
func (s state) bumpVersion() state {
	v := (s>>verShift + 1) & 0x3f
	return s&^verMask | v<<verShift
}
