package pmem

import "math"

// Offset is the position of an allocation inside the pool file. Persisted
// structures store Offsets only, never virtual addresses: the pool may be
// mapped at a different address on every open.
type Offset uint64

// Null is the zero Offset. No allocation ever starts at byte 0 of the
// pool (the header lives there), so Null doubles as the nil pointer.
const Null Offset = 0

// MaxKey is the reserved key sentinel. It terminates the sibling chain
// and marks empty uptree slots; user keys must be smaller.
const MaxKey int64 = math.MaxInt64

// MinKey is the split key of the very first sub-root.
const MinKey int64 = math.MinInt64

// Record is a key paired with a 64-bit payload. In downtree leaves the
// payload is the user value; everywhere else it is an Offset to a node.
type Record struct {
	Key int64
	Val Offset
}

// RecordSize is the on-pool size of a Record.
const RecordSize = 16
