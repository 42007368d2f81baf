// Package timer implements the minimal monotonic-clock handle type
// exposed to userspace (spec.md names timer_{create,set,now} as "out of
// scope for the core... but exposed to userspace" — there is no
// kernel-internal timeout wiring, only this handle).
package timer

import (
	"sync"
	"time"

	"github.com/starina-os/starina/kernel/poll"
)

// Timer is a one-shot deadline, observable through Poll as Readable once
// it fires.
type Timer struct {
	mu        sync.Mutex
	deadline  time.Time
	fired     bool
	listeners poll.ListenerSet
}

// New creates an unarmed timer.
func New() Timer {
	return Timer{}
}

// Set arms the timer to fire at now+d, replacing any prior deadline.
func (t *Timer) Set(d time.Duration) {
	deadline := time.Now().Add(d)
	t.mu.Lock()
	t.deadline = deadline
	t.fired = false
	t.mu.Unlock()

	go t.waitAndFire(d, deadline)
}

func (t *Timer) waitAndFire(d time.Duration, deadline time.Time) {
	tm := time.NewTimer(d)
	<-tm.C

	t.mu.Lock()
	if !t.deadline.Equal(deadline) {
		// A later Set replaced this deadline; its own goroutine fires.
		t.mu.Unlock()
		return
	}
	t.fired = true
	t.mu.Unlock()

	t.listeners.NotifyAll(poll.Readable)
}

// Now returns the current monotonic time, in nanoseconds since process
// start — the one piece of "current time" userspace can observe through
// this kernel.
func Now() int64 {
	return time.Since(processStart).Nanoseconds()
}

// processStart is the reference point Now measures from.
var processStart = time.Now()

func (t *Timer) Close() {}

func (t *Timer) AddListener(l *poll.Listener) error { return t.listeners.AddListener(l) }
func (t *Timer) RemoveListener(p *poll.Poll) error   { return t.listeners.RemoveListener(p) }

func (t *Timer) Readiness() (poll.Readiness, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired {
		return poll.Readable, nil
	}
	return 0, nil
}
