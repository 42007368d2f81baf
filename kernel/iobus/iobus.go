// Package iobus implements IoBus: a capability over a device's
// DMA-capable memory window, mapped into a process via the busio_map
// syscall.
//
// Grounded on gokvm's pci.Bridge/device.Device bus-address bookkeeping,
// generalized from the legacy PCI BAR model to the capability kernel's
// handle-returns-a-Folio model.
package iobus

import (
	"sync"

	"github.com/starina-os/starina/kernel/errcode"
	"github.com/starina-os/starina/kernel/folio"
	"github.com/starina-os/starina/kernel/poll"
)

// IoBus is a single device's bus-address window.
type IoBus struct {
	mu    sync.Mutex
	base  folio.DAddr
	size  int
	taken map[folio.DAddr]*folio.Folio
}

func New(base folio.DAddr, size int) *IoBus {
	return &IoBus{base: base, size: size, taken: make(map[folio.DAddr]*folio.Folio)}
}

// Map allocates a folio backing a region within the bus's address
// window. If daddr is given, that exact address is used (and must not
// already be taken); otherwise the base address is used, matching a
// single-region device like gokvm's virtio-mmio window.
func (b *IoBus) Map(daddr *folio.DAddr, length int) (*folio.Folio, errcode.ErrorCode) {
	b.mu.Lock()
	defer b.mu.Unlock()

	addr := b.base
	if daddr != nil {
		addr = *daddr
	}
	if _, exists := b.taken[addr]; exists {
		return nil, errcode.AlreadyMapped
	}
	if length > b.size {
		return nil, errcode.TooLarge
	}

	f, code := folio.Alloc(length)
	if code != errcode.OK {
		return nil, code
	}
	f.SetDAddr(addr)
	b.taken[addr] = &f
	return &f, errcode.OK
}

func (b *IoBus) Close() {}
func (b *IoBus) AddListener(*poll.Listener) error { return &errcode.Error{Code: errcode.NotAllowed} }
func (b *IoBus) RemoveListener(*poll.Poll) error   { return &errcode.Error{Code: errcode.NotAllowed} }
func (b *IoBus) Readiness() (poll.Readiness, error) {
	return 0, &errcode.Error{Code: errcode.NotAllowed}
}
