// Package poll implements the kernel's readiness multiplexor: a Poll
// object lets a thread block until one of several watched Handleable
// objects becomes ready for read, write, or has closed.
//
// Grounded on the original kernel's poll.rs: a de-duplicating ready
// queue, a FIFO of blocked waiters, and a "wake exactly one waiter"
// policy to avoid a thundering herd.
package poll

import (
	"container/list"
	"sync"

	"github.com/starina-os/starina/kernel/errcode"
	"github.com/starina-os/starina/kernel/handleid"
	"github.com/starina-os/starina/kernel/refcount"
)

// Readiness is a bitset of the conditions a Handleable object can signal.
type Readiness uint8

const (
	Readable Readiness = 1 << iota
	Writable
	Closed
)

// Contains reports whether r has every bit set in other.
func (r Readiness) Contains(other Readiness) bool {
	return r&other == other
}

// Any returns the bits r and other share (zero if they share none).
func (r Readiness) Any(other Readiness) Readiness {
	return r & other
}

func (r Readiness) IsEmpty() bool {
	return r == 0
}

// Handleable is the minimal surface a kernel object must provide to be
// watched by a Poll. kernel/handle.Handle[T] objects satisfy this (via
// their underlying object), so this package never needs to import
// kernel/handle — that would create an import cycle, since Handle itself
// needs Listener and Poll defined here.
type Handleable interface {
	Close()
	AddListener(listener *Listener) error
	RemoveListener(p *Poll) error
	Readiness() (Readiness, error)
}

// Waiter is the minimal surface a blocked thread must provide so a Poll
// can wake it. kernel/sched.Thread satisfies this.
type Waiter interface {
	Wake()
}

// Listener is a back-reference from a watched object to the Poll it's
// registered in, under which HandleId, and which readiness bits it's
// interested in.
type Listener struct {
	poll      *Poll
	id        handleid.HandleId
	interests Readiness
}

// Notify is called by a watched object whenever its readiness changes.
func (l *Listener) Notify(readiness Readiness) {
	l.poll.mu.Lock()
	defer l.poll.mu.Unlock()

	l.poll.readyHandles.enqueue(l.id)

	if l.interests.Contains(readiness) {
		if w := l.poll.popWaiter(); w != nil {
			w.Wake()
		}
	}
}

// ListenerSet is the collection of Listeners a watchable object keeps, one
// per Poll it's been added to.
type ListenerSet struct {
	mu        sync.Mutex
	listeners []*Listener
}

func (s *ListenerSet) NotifyAll(readiness Readiness) {
	s.mu.Lock()
	ls := append([]*Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range ls {
		l.Notify(readiness)
	}
}

func (s *ListenerSet) AddListener(l *Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
	return nil
}

func (s *ListenerSet) RemoveListener(p *Poll) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.listeners[:0]
	for _, l := range s.listeners {
		if l.poll != p {
			out = append(out, l)
		}
	}
	s.listeners = out
	return nil
}

// uniqueQueue is a FIFO that never holds the same value twice, matching
// the original's UniqueQueue<T> (a VecDeque paired with a HashSet).
type uniqueQueue struct {
	order *list.List
	set   map[handleid.HandleId]*list.Element
}

func newUniqueQueue() *uniqueQueue {
	return &uniqueQueue{order: list.New(), set: make(map[handleid.HandleId]*list.Element)}
}

func (q *uniqueQueue) enqueue(id handleid.HandleId) {
	if _, ok := q.set[id]; ok {
		return
	}
	q.set[id] = q.order.PushBack(id)
}

func (q *uniqueQueue) pop() (handleid.HandleId, bool) {
	front := q.order.Front()
	if front == nil {
		return handleid.Zero, false
	}
	q.order.Remove(front)
	id := front.Value.(handleid.HandleId)
	delete(q.set, id)
	return id, true
}

func (q *uniqueQueue) remove(id handleid.HandleId) {
	if el, ok := q.set[id]; ok {
		q.order.Remove(el)
		delete(q.set, id)
	}
}

type listenee struct {
	handle    Handleable
	interests Readiness
}

// Outcome is the result of Poll.TryWait: exactly one of Ready, Err, or
// Blocked is meaningful.
type Outcome struct {
	Ready     bool
	ID        handleid.HandleId
	Readiness Readiness
	Err       errcode.ErrorCode
	Blocked   bool
}

// Poll multiplexes readiness across a set of watched handles.
type Poll struct {
	mu           sync.Mutex
	listenee     map[handleid.HandleId]*listenee
	readyHandles *uniqueQueue
	waiters      *list.List // of Waiter
	closed       bool
}

// New creates an empty Poll with its own reference count of 1.
func New() refcount.SharedRef[Poll] {
	return refcount.NewSharedRef(Poll{
		listenee:     make(map[handleid.HandleId]*listenee),
		readyHandles: newUniqueQueue(),
		waiters:      list.New(),
	})
}

// popWaiter pops the oldest blocked waiter, if any. Caller must hold mu.
func (p *Poll) popWaiter() Waiter {
	front := p.waiters.Front()
	if front == nil {
		return nil
	}
	p.waiters.Remove(front)
	return front.Value.(Waiter)
}

// Add registers handle (identified by id in the owning process's handle
// table) for the given interests.
func (p *Poll) Add(self *Poll, handle Handleable, id handleid.HandleId, interests Readiness) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return &errcode.Error{Code: errcode.Closed}
	}
	if _, exists := p.listenee[id]; exists {
		p.mu.Unlock()
		return &errcode.Error{Code: errcode.AlreadyExists}
	}
	p.mu.Unlock()

	if err := handle.AddListener(&Listener{poll: self, id: id, interests: interests}); err != nil {
		return err
	}

	p.mu.Lock()
	p.listenee[id] = &listenee{handle: handle, interests: interests}
	p.mu.Unlock()

	readiness, err := handle.Readiness()
	if err != nil {
		return err
	}

	if readiness.Contains(interests) || !readiness.Any(interests).IsEmpty() {
		p.mu.Lock()
		p.readyHandles.enqueue(id)
		w := p.popWaiter()
		p.mu.Unlock()
		if w != nil {
			w.Wake()
		}
	}

	return nil
}

// Remove unregisters the handle previously added under id.
func (p *Poll) Remove(self *Poll, id handleid.HandleId) error {
	p.mu.Lock()
	l, ok := p.listenee[id]
	if !ok {
		p.mu.Unlock()
		return &errcode.Error{Code: errcode.NotFound}
	}
	delete(p.listenee, id)
	p.readyHandles.remove(id)
	p.mu.Unlock()

	return l.handle.RemoveListener(self)
}

// TryWait returns an immediately-ready event if one is queued, otherwise
// registers waiter as blocked and reports Outcome.Blocked.
func (p *Poll) TryWait(self *Poll, waiter Waiter) Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return Outcome{Err: errcode.Closed}
	}

	for {
		id, ok := p.readyHandles.pop()
		if !ok {
			break
		}

		l, ok := p.listenee[id]
		if !ok {
			// Removed from the poll since becoming ready; skip it.
			continue
		}

		readiness, err := l.handle.Readiness()
		if err != nil {
			return Outcome{Err: err.(*errcode.Error).Code}
		}

		interested := l.interests.Any(readiness)
		if !interested.IsEmpty() {
			return Outcome{Ready: true, ID: id, Readiness: interested}
		}
	}

	p.waiters.PushBack(waiter)
	return Outcome{Blocked: true}
}

// Close implements Handleable for Poll itself (a poll is never itself
// added to another poll, matching the original's "unsupported method"
// stubs for the other three methods below).
//
// Every blocked waiter must resume with a defined Closed error rather
// than staying parked forever. Wake() alone only gets a waiter
// rescheduled; it's the closed flag checked by TryWait/Add below, on
// the waiter's subsequent retry, that actually delivers the error — the
// same retry-on-wake idiom already used to deliver ordinary readiness
// events.
func (p *Poll) Close() {
	p.mu.Lock()
	p.closed = true

	for e := p.waiters.Front(); e != nil; e = e.Next() {
		e.Value.(Waiter).Wake()
	}
	p.waiters.Init()

	listenees := make([]*listenee, 0, len(p.listenee))
	for _, l := range p.listenee {
		listenees = append(listenees, l)
	}
	p.mu.Unlock()

	for _, l := range listenees {
		_ = l.handle.RemoveListener(p)
	}
}

func (*Poll) AddListener(*Listener) error {
	return &errcode.Error{Code: errcode.NotAllowed}
}

func (*Poll) RemoveListener(*Poll) error {
	return &errcode.Error{Code: errcode.NotAllowed}
}

func (*Poll) Readiness() (Readiness, error) {
	return 0, &errcode.Error{Code: errcode.NotAllowed}
}
