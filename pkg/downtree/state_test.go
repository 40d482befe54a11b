package downtree

import (
	"math/rand"
	"testing"
)

func TestStateAddKeepsLogicalOrder(t *testing.T) {
	var s state
	// Insert slots in a shuffled logical order and check the slot array
	// tracks every shift.
	type entry struct{ pos, slot int }
	inserts := []entry{{0, 0}, {0, 1}, {1, 2}, {3, 3}, {2, 4}, {0, 5}}
	logical := []int{}
	for _, in := range inserts {
		s = s.add(in.pos, in.slot)
		logical = append(logical[:in.pos], append([]int{in.slot}, logical[in.pos:]...)...)
	}
	if s.count() != len(inserts) {
		t.Fatalf("count = %d, want %d", s.count(), len(inserts))
	}
	for i, want := range logical {
		if got := s.read(i); got != want {
			t.Errorf("read(%d) = %d, want %d", i, got, want)
		}
	}
}

func TestStateRemoveShiftsLeft(t *testing.T) {
	var s state
	for i := 0; i < 6; i++ {
		s = s.add(i, i)
	}
	s = s.remove(2)
	want := []int{0, 1, 3, 4, 5}
	if s.count() != len(want) {
		t.Fatalf("count = %d, want %d", s.count(), len(want))
	}
	for i, w := range want {
		if got := s.read(i); got != w {
			t.Errorf("read(%d) = %d, want %d", i, got, w)
		}
	}
}

func TestStateAllocSkipsLiveSlots(t *testing.T) {
	var s state
	s = s.add(0, 0)
	s = s.add(1, 1)
	s = s.add(2, 3)
	if got := s.alloc(); got != 2 {
		t.Errorf("alloc = %d, want 2", got)
	}
	s = s.remove(0)
	if got := s.alloc(); got != 0 {
		t.Errorf("alloc after remove = %d, want 0", got)
	}
}

func TestStateAppendLeavesCount(t *testing.T) {
	var s state
	s = s.add(0, 2)
	s = s.append(1, 7)
	if s.count() != 1 {
		t.Errorf("count = %d, want 1", s.count())
	}
	if got := s.read(1); got != 7 {
		t.Errorf("read(1) = %d, want 7", got)
	}
}

func TestStateVersionWraps(t *testing.T) {
	var s state
	for i := 1; i <= 64; i++ {
		s = s.bumpVersion()
		if got := s.version(); got != uint64(i%64) {
			t.Fatalf("after %d bumps version = %d, want %d", i, got, i%64)
		}
	}
	if s&slotMask != 0 || s.count() != 0 {
		t.Error("version bump leaked into slot array or count")
	}
}

func TestStateFieldsAreIndependent(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	var s state
	for i := 0; i < 13; i++ {
		s = s.add(r.Intn(i+1), s.alloc())
	}
	before := []int{}
	for i := 0; i < s.count(); i++ {
		before = append(before, s.read(i))
	}
	s = s.flipSibling().bumpVersion()
	s |= latchBit
	if s.count() != 13 {
		t.Errorf("count = %d, want 13", s.count())
	}
	for i, w := range before {
		if got := s.read(i); got != w {
			t.Errorf("read(%d) = %d, want %d after flag changes", i, got, w)
		}
	}
	if s.siblingVersion() != 1 || !s.locked() || s.version() != 1 {
		t.Error("flag fields not set as expected")
	}
}
