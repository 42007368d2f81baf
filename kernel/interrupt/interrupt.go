// Package interrupt implements Interrupt: a handle over a host-side IRQ
// line, woken via Poll when the line fires and acknowledged back to the
// device through interrupt_ack.
//
// Grounded on gokvm's iodev IRQ-line callbacks (e.g.
// iodev.AcpiShutDownDevice's IRQ write) generalized into a watchable
// kernel object.
package interrupt

import (
	"sync"

	"github.com/starina-os/starina/kernel/errcode"
	"github.com/starina-os/starina/kernel/poll"
)

// Matcher selects which IRQ line to attach to — by line number only,
// since this port has no IRQ-routing table to match against.
type Matcher struct {
	IRQ uint8
}

// Interrupt is a single attached IRQ line.
type Interrupt struct {
	mu        sync.Mutex
	irq       uint8
	pending   bool
	listeners poll.ListenerSet
}

// Attach binds to irq. Unlike a real kernel this never fails (there is
// no shared IRQ-routing table to conflict over in this port), but keeps
// the ErrorCode-returning shape the rest of the ABI uses.
func Attach(m Matcher) (*Interrupt, errcode.ErrorCode) {
	return &Interrupt{irq: m.IRQ}, errcode.OK
}

// Fire is called by the device model (virtio/mmio's IRQ trigger) when
// the line is asserted.
func (i *Interrupt) Fire() {
	i.mu.Lock()
	i.pending = true
	i.mu.Unlock()
	i.listeners.NotifyAll(poll.Readable)
}

// Acknowledge clears the pending flag, as interrupt_ack.
func (i *Interrupt) Acknowledge() errcode.ErrorCode {
	i.mu.Lock()
	i.pending = false
	i.mu.Unlock()
	return errcode.OK
}

func (i *Interrupt) Close() {}
func (i *Interrupt) AddListener(l *poll.Listener) error { return i.listeners.AddListener(l) }
func (i *Interrupt) RemoveListener(p *poll.Poll) error   { return i.listeners.RemoveListener(p) }
func (i *Interrupt) Readiness() (poll.Readiness, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.pending {
		return poll.Readable, nil
	}
	return 0, nil
}
