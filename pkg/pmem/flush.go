package pmem

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ypluo/TLBtree/pkg/config"
)

// Persistence primitives. On real NVM these would be cache-line
// writebacks and store fences; on a mapped pool file they become msync
// calls over the containing pages. The granularity contract is the same:
// a Persist makes a range durable, a Fence orders Persists, and an
// 8-byte aligned store is atomic with respect to readers and crashes.

// Persist schedules writeback of n bytes starting at off, according to
// the pool's flush mode.
func (p *Pool) Persist(off Offset, n int) {
	if p.mode == config.FlushNone || n <= 0 {
		return
	}
	start := uint64(off) &^ (pageSize - 1)
	end := (uint64(off) + uint64(n) + pageSize - 1) &^ (pageSize - 1)
	if end > uint64(len(p.data)) {
		end = uint64(len(p.data))
	}
	flags := unix.MS_ASYNC
	if p.mode == config.FlushSync {
		flags = unix.MS_SYNC
	}
	_ = unix.Msync(p.data[start:end], flags)
}

// PersistPtr is Persist addressed by mapped pointer instead of Offset.
func (p *Pool) PersistPtr(ptr unsafe.Pointer, n int) {
	p.Persist(p.Relative(ptr), n)
}

// Fence orders preceding Persists before subsequent ones. Msync is
// synchronous with respect to the calling thread, so there is nothing
// left to drain here; the call marks the ordering points of the
// algorithm all the same.
func (p *Pool) Fence() {}

// PersistAssign publishes an 8-byte word with a single atomic store and
// persists it. This is the only way mutable persistent state is
// committed: readers observe either the old or the new word.
func (p *Pool) PersistAssign(addr *uint64, v uint64) {
	atomic.StoreUint64(addr, v)
	p.PersistPtr(unsafe.Pointer(addr), 8)
}

// PersistAssignOffset is PersistAssign for Offset-typed slots.
func (p *Pool) PersistAssignOffset(addr *Offset, v Offset) {
	p.PersistAssign((*uint64)(unsafe.Pointer(addr)), uint64(v))
}

const pageSize = 4096
