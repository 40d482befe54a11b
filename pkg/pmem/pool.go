// Package pmem implements the persistent pool that backs the index: a
// single memory-mapped file carved into a fixed header, a root region
// for the owning structure's entrance, and a block arena for node and
// tree allocations. All cross-references inside the pool are stored as
// Offsets and translated to mapped addresses on use.
package pmem

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/ypluo/TLBtree/pkg/config"
)

// Error for opening a pool file that is already there when creating.
var ErrPoolExists = errors.New("pool file already exists")

// Error for recovering from a pool file that is not there.
var ErrPoolMissing = errors.New("pool file does not exist")

// Error for a pool file whose header does not match the layout.
var ErrBadLayout = errors.New("pool layout mismatch")

const (
	poolMagic   = 0x544c425452454501 // "TLBTREE" + format version 1
	headerSize  = 4096
	rootOffset  = headerSize
	rootRegion  = 4096
	arenaOffset = rootOffset + rootRegion

	// AlignSize is the allocation granularity; every allocation starts
	// on a 256-byte boundary so a downtree node never straddles it.
	AlignSize = 256

	// The arena is partitioned into pieces. A small allocation never
	// straddles a piece boundary; the tail of a piece that cannot fit
	// one is abandoned.
	pieceCount = 64

	// Allocations at least this large are individually reclaimable.
	// Anything smaller lives in the slab-style arena for good.
	largeMin = 4096
)

// header is the persistent pool descriptor at byte 0 of the file.
type header struct {
	magic       uint64
	layoutHash  uint64
	poolSize    uint64
	blkPerPiece uint64
	curBlk      uint64 // bump cursor of the arena, in blocks
	rootSize    uint64
	instanceID  [16]byte
}

// Pool is a mapped pool file plus the volatile allocator state on top
// of it.
type Pool struct {
	file *os.File
	data []byte
	hdr  *header
	mode config.FlushMode

	maxBlk uint64

	// Reclaimed large allocations, tracked per block. Lost on restart,
	// like the allocations themselves are lost on crash: the arena
	// cursor is the only persistent allocator state.
	freeMtx  sync.Mutex
	freeBlks *bitset.BitSet
}

// Create maps a fresh pool file of the given size. It fails with
// ErrPoolExists if the file is already there.
func Create(path string, layout string, poolSize uint64, mode config.FlushMode) (*Pool, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrPoolExists, path)
	}
	if poolSize == 0 {
		poolSize = config.DefaultPoolSize
	}
	// Round the pool up to whole pages.
	poolSize = (poolSize + pageSize - 1) &^ (pageSize - 1)

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		return nil, err
	}
	if err = file.Truncate(int64(poolSize)); err != nil {
		file.Close()
		return nil, err
	}
	p, err := mapPool(file, poolSize, mode)
	if err != nil {
		file.Close()
		return nil, err
	}

	arenaBlks := (poolSize - arenaOffset) / AlignSize
	p.hdr.magic = poolMagic
	p.hdr.layoutHash = xxhash.Sum64String(layout)
	p.hdr.poolSize = poolSize
	p.hdr.blkPerPiece = arenaBlks / pieceCount
	p.hdr.curBlk = 0
	p.hdr.rootSize = 0
	p.hdr.instanceID = [16]byte(uuid.New())
	p.maxBlk = p.hdr.blkPerPiece * pieceCount
	p.Persist(0, headerSize)
	p.Fence()
	return p, nil
}

// Open maps an existing pool file, verifying that it was created with
// the same layout name.
func Open(path string, layout string, mode config.FlushMode) (*Pool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPoolMissing, path)
	}
	file, err := os.OpenFile(path, os.O_RDWR, 0666)
	if err != nil {
		return nil, err
	}
	p, err := mapPool(file, uint64(info.Size()), mode)
	if err != nil {
		file.Close()
		return nil, err
	}
	if p.hdr.magic != poolMagic || p.hdr.layoutHash != xxhash.Sum64String(layout) {
		p.Close()
		return nil, fmt.Errorf("%w: %s", ErrBadLayout, path)
	}
	p.maxBlk = p.hdr.blkPerPiece * pieceCount
	return p, nil
}

func mapPool(file *os.File, size uint64, mode config.FlushMode) (*Pool, error) {
	data, err := unix.Mmap(int(file.Fd()), 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return &Pool{
		file:     file,
		data:     data,
		hdr:      (*header)(unsafe.Pointer(&data[0])),
		mode:     mode,
		freeBlks: bitset.New(1024),
	}, nil
}

// Close flushes the whole mapping and unmaps the pool.
func (p *Pool) Close() error {
	if p.mode != config.FlushNone {
		_ = unix.Msync(p.data, unix.MS_SYNC)
	}
	err := unix.Munmap(p.data)
	p.data = nil
	if cerr := p.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// Path returns the pool file path.
func (p *Pool) Path() string {
	return p.file.Name()
}

// InstanceID returns the identity written when the pool was created.
func (p *Pool) InstanceID() uuid.UUID {
	return uuid.UUID(p.hdr.instanceID)
}

// Root returns the mapped address of the pool's fixed root region, the
// one location a recovering process can find without any other state.
// The region holds the owning structure's entrance and must fit it.
func (p *Pool) Root(size int) unsafe.Pointer {
	if size > rootRegion {
		panic(fmt.Sprintf("pmem: root region overflow: %d > %d", size, rootRegion))
	}
	if p.hdr.rootSize == 0 {
		p.hdr.rootSize = uint64(size)
		p.Persist(0, headerSize)
	}
	return unsafe.Pointer(&p.data[rootOffset])
}

// Absolute translates a pool Offset to a mapped address. Null maps to nil.
func (p *Pool) Absolute(off Offset) unsafe.Pointer {
	if off == Null {
		return nil
	}
	return unsafe.Pointer(&p.data[off])
}

// Relative translates a mapped address back to its pool Offset.
func (p *Pool) Relative(ptr unsafe.Pointer) Offset {
	if ptr == nil {
		return Null
	}
	return Offset(uintptr(ptr) - uintptr(unsafe.Pointer(&p.data[0])))
}

// Alloc carves nsize bytes out of the arena and returns its Offset. The
// block is zeroed. Exhausting the arena is fatal: allocations happen
// deep inside split paths that have no way to back out.
func (p *Pool) Alloc(nsize int) Offset {
	demand := uint64(nsize+AlignSize-1) / AlignSize

	if nsize >= largeMin {
		if off, ok := p.allocReclaimed(demand); ok {
			p.zero(off, nsize)
			return off
		}
	}

	for {
		old := atomic.LoadUint64(&p.hdr.curBlk)
		cur := old
		if nsize < largeMin {
			// Small allocations stay inside one piece.
			if cur%p.hdr.blkPerPiece+demand > p.hdr.blkPerPiece {
				cur = (cur/p.hdr.blkPerPiece + 1) * p.hdr.blkPerPiece
			}
		}
		if cur+demand > p.maxBlk {
			panic("pmem: pool exhausted")
		}
		if atomic.CompareAndSwapUint64(&p.hdr.curBlk, old, cur+demand) {
			p.PersistPtr(unsafe.Pointer(&p.hdr.curBlk), 8)
			off := Offset(arenaOffset + cur*AlignSize)
			p.zero(off, nsize)
			return off
		}
	}
}

// Free returns an allocation to the pool. Small allocations reside in
// the slab arena and are not reclaimable per object; large ones are
// remembered per block and reused by later large allocations.
func (p *Pool) Free(off Offset, nsize int) {
	if nsize < largeMin {
		return
	}
	blk := (uint64(off) - arenaOffset) / AlignSize
	demand := uint64(nsize+AlignSize-1) / AlignSize
	p.freeMtx.Lock()
	for i := uint64(0); i < demand; i++ {
		p.freeBlks.Set(uint(blk + i))
	}
	p.freeMtx.Unlock()
}

// allocReclaimed looks for a contiguous run of freed blocks, first fit.
func (p *Pool) allocReclaimed(demand uint64) (Offset, bool) {
	p.freeMtx.Lock()
	defer p.freeMtx.Unlock()
	for i, ok := p.freeBlks.NextSet(0); ok; i, ok = p.freeBlks.NextSet(i) {
		run := uint64(1)
		for run < demand && p.freeBlks.Test(i+uint(run)) {
			run++
		}
		if run >= demand {
			for j := uint64(0); j < demand; j++ {
				p.freeBlks.Clear(i + uint(j))
			}
			return Offset(arenaOffset + uint64(i)*AlignSize), true
		}
		i += uint(run)
	}
	return Null, false
}

func (p *Pool) zero(off Offset, nsize int) {
	b := p.data[off : int(off)+nsize]
	for i := range b {
		b[i] = 0
	}
}
