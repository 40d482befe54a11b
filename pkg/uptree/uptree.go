// Package uptree implements the read-optimized upper layer of the
// index: a linearized tree of fixed 256-byte nodes laid out level by
// level in one persistent array, rebuilt wholesale instead of updated
// structurally. Leaves keep gap slots so moderate insertions between
// rebuilds land in place.
package uptree

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync/atomic"
	"unsafe"

	"github.com/ypluo/TLBtree/pkg/config"
	"github.com/ypluo/TLBtree/pkg/pmem"
)

// Entrance is the persistent descriptor of one built tree. The
// coordinator activates a tree by persist-assigning the offset of its
// Entrance into the index root; everything below it is immutable except
// leaf gap slots.
type Entrance struct {
	LeafBuff  pmem.Offset
	InnerBuff pmem.Offset
	Height    uint32
	LeafCnt   uint32
}

// EntranceSize is the allocation size of an Entrance. It is allocated
// far larger than the struct so the slot is individually reclaimable
// when the tree is retired.
const EntranceSize = 4096

// innerNode is one cache-line-aligned run of packed router keys.
type innerNode struct {
	keys [config.InnerCard]int64
}

// leafNode pairs packed keys with the payload slots they route to. Keys
// holding MaxKey are gaps; an insert claims a gap by publishing the
// value slot first and the key second.
type leafNode struct {
	keys [config.LeafCard]int64
	vals [config.LeafCard]pmem.Offset
}

var _ = [1]struct{}{}[256-unsafe.Sizeof(innerNode{})]
var _ = [1]struct{}{}[256-unsafe.Sizeof(leafNode{})]

// Tree is a mapped view over one entrance.
type Tree struct {
	p       *pmem.Pool
	ent     *Entrance
	entOff  pmem.Offset
	inner   []innerNode
	leaves  []leafNode
	height  int
	leafCnt int

	// levelOffset[l] is the index of level l's first node inside the
	// linearized inner array; levelOffset[height] is one past the last.
	levelOffset [config.MaxHeight + 1]int
}

func innerCount(height int) int {
	return (pow(config.InnerCard, height) - 1) / (config.InnerCard - 1)
}

func pow(base, exp int) int {
	n := 1
	for i := 0; i < exp; i++ {
		n *= base
	}
	return n
}

func bufBytes(nodes int) int {
	if nodes*256 < EntranceSize {
		return EntranceSize
	}
	return nodes * 256
}

func (t *Tree) fillLevelOffsets() {
	tmp := 0
	for l := 0; l < t.height; l++ {
		t.levelOffset[l] = tmp
		tmp += pow(config.InnerCard, l)
	}
	t.levelOffset[t.height] = tmp
}

// NewFromEntrance reattaches to a built tree after the pool is mapped.
func NewFromEntrance(p *pmem.Pool, entOff pmem.Offset) *Tree {
	ent := (*Entrance)(p.Absolute(entOff))
	t := &Tree{
		p:       p,
		ent:     ent,
		entOff:  entOff,
		height:  int(ent.Height),
		leafCnt: int(ent.LeafCnt),
	}
	t.inner = unsafe.Slice((*innerNode)(p.Absolute(ent.InnerBuff)), innerCount(t.height))
	t.leaves = unsafe.Slice((*leafNode)(p.Absolute(ent.LeafBuff)), t.leafCnt)
	t.fillLevelOffsets()
	return t
}

// Build constructs a tree over the sorted records, persists it and
// returns the attached view. The records are packed LeafRebuildCard to
// a leaf, leaving the rest of each leaf as insertion gaps.
func Build(p *pmem.Pool, records []pmem.Record) *Tree {
	ary := config.LeafRebuildCard
	leafCnt := (len(records) + ary - 1) / ary

	minFanout := leafCnt
	if minFanout < config.InnerCard {
		minFanout = config.InnerCard
	}
	height := int(math.Ceil(math.Log(float64(minFanout)) / math.Log(config.InnerCard)))
	innerCnt := innerCount(height)

	leafOff := p.Alloc(bufBytes(leafCnt))
	innerOff := p.Alloc(bufBytes(innerCnt))

	t := &Tree{
		p:       p,
		height:  height,
		leafCnt: leafCnt,
	}
	t.inner = unsafe.Slice((*innerNode)(p.Absolute(innerOff)), innerCnt)
	t.leaves = unsafe.Slice((*leafNode)(p.Absolute(leafOff)), leafCnt)
	t.fillLevelOffsets()

	for i := 0; i < leafCnt; i++ {
		leaf := &t.leaves[i]
		for j := 0; j < config.LeafCard; j++ {
			idx := i*ary + j
			if j < ary && idx < len(records) {
				leaf.keys[j] = records[idx].Key
				leaf.vals[j] = records[idx].Val
			} else {
				leaf.keys[j] = pmem.MaxKey
			}
		}
		p.Persist(leafOff+pmem.Offset(i*256), 256)
	}

	// Fill the inner levels bottom up; each parent key is its child's
	// first key, with a MaxKey end marker after a partial fan-in.
	curCnt := leafCnt
	curOff := innerCnt - pow(config.InnerCard, height-1)
	for l := height - 1; l >= 0; l-- {
		for i := 0; i < curCnt; i++ {
			var k int64
			if l == height-1 {
				k = t.leaves[i].keys[0]
			} else {
				k = t.inner[t.levelOffset[l+1]+i].keys[0]
			}
			t.inner[curOff+i/config.InnerCard].keys[i%config.InnerCard] = k
		}
		if curCnt%config.InnerCard != 0 {
			t.inner[curOff+curCnt/config.InnerCard].keys[curCnt%config.InnerCard] = pmem.MaxKey
		}
		levelNodes := (curCnt + config.InnerCard - 1) / config.InnerCard
		p.Persist(innerOff+pmem.Offset(curOff*256), levelNodes*256)

		curCnt = levelNodes
		if l > 0 {
			curOff -= pow(config.InnerCard, l-1)
		}
	}

	t.entOff = p.Alloc(EntranceSize)
	t.ent = (*Entrance)(p.Absolute(t.entOff))
	t.ent.LeafBuff = leafOff
	t.ent.InnerBuff = innerOff
	t.ent.Height = uint32(height)
	t.ent.LeafCnt = uint32(leafCnt)
	p.Persist(t.entOff, int(unsafe.Sizeof(Entrance{})))
	p.Fence()
	return t
}

// EntranceOffset returns the pool offset of the tree's entrance.
func (t *Tree) EntranceOffset() pmem.Offset {
	return t.entOff
}

// LeafCount returns the number of linearized leaves.
func (t *Tree) LeafCount() int {
	return t.leafCnt
}

// route walks the inner levels and returns the index of the leaf whose
// key range covers k.
func (t *Tree) route(k int64) int {
	cur := t.levelOffset[0]
	for l := 0; l < t.height; l++ {
		cur = t.levelOffset[l+1] + (cur-t.levelOffset[l])*config.InnerCard + t.innerSearch(cur, k)
	}
	return cur - t.levelOffset[t.height]
}

// innerSearch returns the branch index inside node nodeIdx covering k:
// one below the first key greater than k.
func (t *Tree) innerSearch(nodeIdx int, k int64) int {
	node := &t.inner[nodeIdx]
	for i := 0; i < config.InnerCard; i++ {
		if node.keys[i] > k {
			return i - 1
		}
	}
	return config.InnerCard - 1
}

// FindLower returns the address of the value slot holding the largest
// key at or below k. The slot address stays valid until the tree is
// freed, so the caller may both read and persist-assign through it.
func (t *Tree) FindLower(k int64) *pmem.Offset {
	leaf := &t.leaves[t.route(k)]

	maxLeq := atomic.LoadInt64(&leaf.keys[0])
	maxLeqi := 0
	for i := 1; i < config.LeafCard; i++ {
		ki := atomic.LoadInt64(&leaf.keys[i])
		if ki <= k && ki > maxLeq {
			maxLeq = ki
			maxLeqi = i
		}
	}
	return &leaf.vals[maxLeqi]
}

// FindFirst returns the address of the leftmost value slot. The first
// key of a tree is MinKey, so the slot is always live.
func (t *Tree) FindFirst() *pmem.Offset {
	return &t.leaves[0].vals[0]
}

// Insert claims a gap slot in the covering leaf for (k, v). It returns
// false when the leaf has no gap left; the caller falls back to its
// overflow buffer until the next rebuild. The value is published and
// persisted before the key, so a reader never routes through a key
// whose slot is not durable yet.
func (t *Tree) Insert(k int64, v pmem.Offset) bool {
	idx := t.route(k)
	leaf := &t.leaves[idx]

	for i := 0; i < config.LeafCard; i++ {
		if atomic.LoadInt64(&leaf.keys[i]) == pmem.MaxKey {
			atomic.StoreUint64((*uint64)(unsafe.Pointer(&leaf.vals[i])), uint64(v))
			t.p.PersistPtr(unsafe.Pointer(&leaf.vals[i]), 8)
			t.p.Fence()
			atomic.StoreInt64(&leaf.keys[i], k)
			t.p.PersistPtr(unsafe.Pointer(&leaf.keys[i]), 8)
			t.p.Fence()
			return true
		}
	}
	return false
}

// TryRemove withdraws the slot holding the largest key at or below k,
// refusing when that slot is the leaf's smallest live key and other
// keys remain: removing it would corrupt routing for its survivors.
func (t *Tree) TryRemove(k int64) bool {
	leaf := &t.leaves[t.route(k)]

	maxLeq := atomic.LoadInt64(&leaf.keys[0])
	maxLeqi := 0
	cnt := 1
	for i := 1; i < config.LeafCard; i++ {
		ki := atomic.LoadInt64(&leaf.keys[i])
		if ki != pmem.MaxKey {
			cnt++
			if ki <= k && ki > maxLeq {
				maxLeq = ki
				maxLeqi = i
			}
		}
	}
	if maxLeqi == 0 && cnt > 1 {
		return false
	}
	atomic.StoreInt64(&leaf.keys[maxLeqi], pmem.MaxKey)
	t.p.PersistPtr(unsafe.Pointer(&leaf.keys[maxLeqi]), 8)
	t.p.Fence()
	return true
}

// Merge streams the tree's live records together with the sorted delta,
// preferring the delta on equal keys. The result feeds the next Build.
func (t *Tree) Merge(delta []pmem.Record) []pmem.Record {
	out := make([]pmem.Record, 0, len(delta)+t.leafCnt*config.LeafCard)

	var tmp [config.LeafCard]pmem.Record
	leafIdx := 0
	pos := 0
	t.loadLeaf(leafIdx, &tmp)

	// advance steps the leaf stream, skipping to the next leaf past the
	// live records of the current one.
	advance := func() {
		pos++
		if pos == config.LeafCard || tmp[pos].Key == pmem.MaxKey {
			leafIdx++
			pos = 0
			if leafIdx < t.leafCnt {
				t.loadLeaf(leafIdx, &tmp)
			}
		}
	}

	cur := 0
	for cur < len(delta) && leafIdx < t.leafCnt {
		k1, k2 := delta[cur].Key, tmp[pos].Key
		switch {
		case k1 == k2:
			out = append(out, delta[cur])
			cur++
			advance()
		case k1 > k2:
			out = append(out, tmp[pos])
			advance()
		default:
			out = append(out, delta[cur])
			cur++
		}
	}
	out = append(out, delta[cur:]...)
	for leafIdx < t.leafCnt {
		// A leaf emptied by TryRemove snapshots as all gaps.
		if tmp[pos].Key != pmem.MaxKey {
			out = append(out, tmp[pos])
		}
		advance()
	}
	return out
}

// loadLeaf snapshots a leaf's live records in key order. Gap slots sort
// to the tail as MaxKey and are skipped by the merge scan.
func (t *Tree) loadLeaf(idx int, into *[config.LeafCard]pmem.Record) {
	leaf := &t.leaves[idx]
	for i := 0; i < config.LeafCard; i++ {
		into[i] = pmem.Record{Key: atomic.LoadInt64(&leaf.keys[i]), Val: leaf.vals[i]}
	}
	sort.Slice(into[:], func(a, b int) bool { return into[a].Key < into[b].Key })
}

// Free returns the tree's buffers and entrance to the pool. The caller
// must have unpublished the entrance first.
func (t *Tree) Free() {
	p := t.p
	p.Free(t.ent.InnerBuff, bufBytes(len(t.inner)))
	p.Free(t.ent.LeafBuff, bufBytes(t.leafCnt))
	p.Free(t.entOff, EntranceSize)
	t.inner, t.leaves, t.ent = nil, nil, nil
}

// Print dumps the linearized levels and leaves.
func (t *Tree) Print(w io.Writer) {
	for l := 0; l < t.height; l++ {
		fmt.Fprintf(w, "level %d =>", l)
		for i := t.levelOffset[l]; i < t.levelOffset[l+1]; i++ {
			fmt.Fprintf(w, " (")
			for _, k := range t.inner[i].keys {
				fmt.Fprintf(w, " %d", k)
			}
			fmt.Fprintf(w, " )")
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w, "leaves")
	for i := 0; i < t.leafCnt; i++ {
		fmt.Fprintf(w, "(")
		for j := 0; j < config.LeafCard; j++ {
			fmt.Fprintf(w, " [%d, %d]", t.leaves[i].keys[j], uint64(t.leaves[i].vals[j]))
		}
		fmt.Fprintln(w, " )")
	}
}
