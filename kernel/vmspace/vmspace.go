// Package vmspace implements VmSpace: a process's own virtual-memory
// bookkeeping, used by the vmspace_map syscall to hand back a VAddr for
// a mapped Folio.
//
// Multi-user process isolation is an explicit Non-goal (spec.md §8), so
// this is deliberately not a real page-table/MMU layer: it's the
// minimum bookkeeping (what's mapped where) the syscall ABI needs to
// exist, without pretending to enforce isolation it doesn't provide.
package vmspace

import (
	"sync"
	"sync/atomic"

	"github.com/starina-os/starina/kernel/errcode"
	"github.com/starina-os/starina/kernel/folio"
	"github.com/starina-os/starina/kernel/poll"
	"github.com/starina-os/starina/kernel/vcpu"
)

// VAddr is a virtual address as handed back to userspace.
type VAddr uint64

// next is where the next mapping is placed; purely bookkeeping, not a
// real address any MMU interprets.
var next atomic.Uint64

func init() { next.Store(0x4000_0000) }

// VmSpace tracks which Folios are mapped, and where.
type VmSpace struct {
	mu       sync.Mutex
	mappings map[VAddr]*folio.Folio
}

func New() *VmSpace {
	return &VmSpace{mappings: make(map[VAddr]*folio.Folio)}
}

// MapAnywhere picks the next free VAddr and records f as mapped there.
// protect is accepted but not recorded or enforced.
func (v *VmSpace) MapAnywhere(f *folio.Folio, protect vcpu.Protect) (VAddr, errcode.ErrorCode) {
	addr := VAddr(next.Add(uint64(f.Len())) - uint64(f.Len()))

	v.mu.Lock()
	v.mappings[addr] = f
	v.mu.Unlock()

	return addr, errcode.OK
}

func (v *VmSpace) Close() {}
func (v *VmSpace) AddListener(*poll.Listener) error { return &errcode.Error{Code: errcode.NotAllowed} }
func (v *VmSpace) RemoveListener(*poll.Poll) error   { return &errcode.Error{Code: errcode.NotAllowed} }
func (v *VmSpace) Readiness() (poll.Readiness, error) {
	return 0, &errcode.Error{Code: errcode.NotAllowed}
}
