// Package folio implements Folio, AddressSpace, and GuestAddressSpace:
// the kernel's physical-memory objects and the bookkeeping that maps
// them into a guest's address space.
//
// Grounded on gokvm's memory/memory.go and memory/addressSpace.go, with
// the backing allocation ported from a raw syscall.Mmap call to
// golang.org/x/sys/unix.Mmap (the equivalent used throughout the rest of
// the retrieval pack), and host-only scratch buffers (ones never mapped
// into a guest, e.g. an Interrupt's completion record) backed by
// cloudwego/gopkg/cache/mempool's sized sync.Pool allocator instead of a
// bare make([]byte, n).
package folio

import (
	"sync"

	"github.com/cloudwego/gopkg/cache/mempool"
	"golang.org/x/sys/unix"

	"github.com/starina-os/starina/kernel/errcode"
	"github.com/starina-os/starina/kernel/poll"
)

// DAddr is a device-visible (bus) address, as handed back to a driver
// that mapped a Folio through an IoBus.
type DAddr uint64

// Folio is a physically-contiguous (from the guest's point of view)
// block of memory, anonymously mmap'd so the host kernel backs it with
// real pages on first touch.
type Folio struct {
	mu    sync.Mutex
	buf   []byte
	daddr *DAddr
}

// Alloc allocates a len-byte folio, rounded up by the host mmap
// implementation to a whole number of pages.
func Alloc(length int) (Folio, errcode.ErrorCode) {
	if length <= 0 {
		return Folio{}, errcode.InvalidArg
	}

	buf, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return Folio{}, errcode.OutOfMemory
	}

	return Folio{buf: buf}, errcode.OK
}

// Bytes returns the folio's backing memory.
func (f *Folio) Bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf
}

// Len reports the folio's size in bytes.
func (f *Folio) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buf)
}

// SetDAddr records the device address this folio was mapped to through
// an IoBus, so a later folio_daddr syscall can retrieve it.
func (f *Folio) SetDAddr(daddr DAddr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := daddr
	f.daddr = &d
}

// DAddr returns the folio's device address, if it was ever mapped
// through an IoBus.
func (f *Folio) DAddr() (DAddr, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.daddr == nil {
		return 0, false
	}
	return *f.daddr, true
}

// Free releases the folio's backing memory. After Free, Bytes must not
// be called.
func (f *Folio) Free() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buf != nil {
		_ = unix.Munmap(f.buf)
		f.buf = nil
	}
}

// Close implements poll.Handleable: folios aren't watchable objects.
func (f *Folio) Close()                                   { f.Free() }
func (f *Folio) AddListener(*poll.Listener) error          { return &errcode.Error{Code: errcode.NotAllowed} }
func (f *Folio) RemoveListener(*poll.Poll) error            { return &errcode.Error{Code: errcode.NotAllowed} }
func (f *Folio) Readiness() (poll.Readiness, error)        { return 0, &errcode.Error{Code: errcode.NotAllowed} }

// ScratchAlloc allocates a host-only scratch buffer (never mapped into a
// guest address space, e.g. a temporary staging buffer for a virtqueue
// descriptor chain) from the shared mempool, rather than plain make().
func ScratchAlloc(size int) []byte {
	return mempool.Malloc(size)
}

// ScratchFree releases a buffer obtained from ScratchAlloc.
func ScratchFree(buf []byte) {
	mempool.Free(buf)
}

// AddressSpace is a named range of bus/physical addresses that child
// ranges (other AddressSpaces) can be carved out of, e.g. the guest's
// physical RAM range versus an MMIO window.
//
// Grounded on gokvm's memory.AddressSpace.
type AddressSpace struct {
	mu        sync.Mutex
	Name      string
	Start     uint64
	Size      uint64
	children  []*AddressSpace
}

func NewAddressSpace(name string, start, size uint64) *AddressSpace {
	return &AddressSpace{Name: name, Start: start, Size: size}
}

func (a *AddressSpace) inRange(child *AddressSpace) bool {
	return child.Start >= a.Start && child.Start+child.Size <= a.Start+a.Size
}

func (a *AddressSpace) overlaps(child *AddressSpace) bool {
	for _, existing := range a.children {
		if child.Start < existing.Start+existing.Size && existing.Start < child.Start+child.Size {
			return true
		}
	}
	return false
}

// Add registers child as a sub-range of a, failing with InvalidArg if it
// falls outside a's own range and with AlreadyMapped if it overlaps an
// existing child.
func (a *AddressSpace) Add(child *AddressSpace) errcode.ErrorCode {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.inRange(child) {
		return errcode.InvalidArg
	}
	if a.overlaps(child) {
		return errcode.AlreadyMapped
	}

	a.children = append(a.children, child)
	return errcode.OK
}

// GuestAddressSpace is the guest-physical-address view of memory: a
// single AddressSpace covering guest RAM, plus the Folios mapped into
// it. The VMM (virtio/mmio, virtio/net) reads and writes guest memory
// only through this type, never through a raw byte slice captured
// elsewhere, so every access can be bounds-checked against guest_len.
type GuestAddressSpace struct {
	mu    sync.RWMutex
	space *AddressSpace
	folio *Folio
}

// NewGuestAddressSpace wires a single guest-RAM folio into a fresh
// AddressSpace starting at gpaBase.
func NewGuestAddressSpace(gpaBase uint64, folio *Folio) *GuestAddressSpace {
	return &GuestAddressSpace{
		space: NewAddressSpace("guest-ram", gpaBase, uint64(folio.Len())),
		folio: folio,
	}
}

// Read copies length bytes starting at guest-physical address gpa into
// dst, returning InvalidArg (never panicking) if the range falls outside
// guest RAM — guest-supplied addresses are untrusted input.
func (g *GuestAddressSpace) Read(gpa uint64, dst []byte) errcode.ErrorCode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	off, ok := g.offsetFor(gpa, len(dst))
	if !ok {
		return errcode.InvalidArg
	}
	copy(dst, g.folio.buf[off:off+len(dst)])
	return errcode.OK
}

// Write copies src into guest RAM starting at gpa, same bounds
// discipline as Read.
func (g *GuestAddressSpace) Write(gpa uint64, src []byte) errcode.ErrorCode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	off, ok := g.offsetFor(gpa, len(src))
	if !ok {
		return errcode.InvalidArg
	}
	copy(g.folio.buf[off:off+len(src)], src)
	return errcode.OK
}

// Slice returns a direct view into guest RAM for length bytes starting
// at gpa, for callers (virtqueue descriptor readers/writers) that need
// to avoid a copy. The returned slice aliases guest memory and must not
// be retained past the current operation.
func (g *GuestAddressSpace) Slice(gpa uint64, length int) ([]byte, errcode.ErrorCode) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	off, ok := g.offsetFor(gpa, length)
	if !ok {
		return nil, errcode.InvalidArg
	}
	return g.folio.buf[off : off+length], errcode.OK
}

func (g *GuestAddressSpace) offsetFor(gpa uint64, length int) (uint64, bool) {
	if gpa < g.space.Start {
		return 0, false
	}
	off := gpa - g.space.Start
	end := off + uint64(length)
	if end > g.space.Size || end < off {
		return 0, false
	}
	return off, true
}
