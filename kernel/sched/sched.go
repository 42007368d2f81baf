// Package sched implements the kernel's thread and scheduler: a global
// FIFO runqueue, one run loop per virtual CPU, and continuation-based
// blocking.
//
// Grounded on the original kernel's thread.rs (state machine,
// switch_thread's dispatch-by-state shape) and gokvm's
// machine.RunInfiniteLoop (a goroutine looping until told to stop). The
// Rust original saves and restores a raw CPU stack across blocking calls
// ("never preserves a kernel stack"); Go has no such notion — a blocked
// goroutine already retains its stack for free — so Thread instead
// blocks on a channel and a continuation closure decides what happens on
// resume, which is the idiomatic Go rendition of the same contract.
package sched

import (
	"sync"

	"github.com/cloudwego/gopkg/concurrency/gopool"

	"github.com/starina-os/starina/internal/klog"
	"github.com/starina-os/starina/kernel/handle"
	"github.com/starina-os/starina/kernel/poll"
)

// State mirrors the original's ThreadState, minus the vCPU-only variants
// (RunVCpu/InVCpu), which require arch collaboration out of this
// package's scope and are not modeled anywhere in this kernel.
type State int

const (
	Runnable State = iota
	BlockedByPoll
	Exited
)

// Resume is what a Thread runs (or re-runs) each time the scheduler picks
// it up. It returns the thread's next state plus, if it completed a
// blocking call, the return value to hand back.
type Resume func() Outcome

// Outcome is the result of running (or re-running) a thread's
// continuation for one scheduling quantum.
type Outcome struct {
	State   State
	RetVal  int64
	WaitOn  *poll.Poll // set when State == BlockedByPoll
	Waiter  poll.Waiter
}

// Thread is a schedulable unit of work: a process's handle table plus a
// continuation to resume.
type Thread struct {
	mu      sync.Mutex
	id      uint64
	handles *handle.HandleTable
	state   State
	resume  Resume
	retval  int64

	waitingOn *poll.Poll
}

// New creates a runnable thread around resume.
func New(id uint64, handles *handle.HandleTable, resume Resume) *Thread {
	return &Thread{id: id, handles: handles, state: Runnable, resume: resume}
}

func (t *Thread) ID() uint64 { return t.id }

func (t *Thread) Handles() *handle.HandleTable { return t.handles }

// Wake is called by kernel/poll when an object this thread is blocked on
// becomes ready; it requeues the thread on the global scheduler.
func (t *Thread) Wake() {
	t.mu.Lock()
	t.state = Runnable
	t.mu.Unlock()
	Global.Push(t)
}

// run executes one scheduling quantum: call (or re-call) the thread's
// continuation and update its state from the Outcome.
func (t *Thread) run() {
	out := t.resume()

	t.mu.Lock()
	t.state = out.State
	t.retval = out.RetVal
	if out.State == BlockedByPoll {
		t.waitingOn = out.WaitOn
	}
	t.mu.Unlock()

	switch out.State {
	case Runnable:
		Global.Push(t)
	case BlockedByPoll:
		// The thread stays off the runqueue until Wake() is called by
		// the poll it registered itself with as a waiter (out.Waiter,
		// which is always `t` in practice — kept distinct in Outcome so
		// tests can substitute a stub).
	case Exited:
		klog.L.Debug().Uint64("thread", t.id).Log("thread exited")
	}
}

// Scheduler is the global FIFO runqueue, drained by one run loop per
// virtual CPU.
type Scheduler struct {
	mu    sync.Mutex
	cond  *sync.Cond
	queue []*Thread
	pool  *gopool.GoPool
	ncpu  int
}

// Global is the single process-wide scheduler instance, mirroring the
// original's `static GLOBAL_SCHEDULER`.
var Global = New1CPU()

// NewScheduler creates a scheduler with ncpu run loops, each driven through a
// cloudwego/gopkg gopool worker pool instead of gokvm's bare `go`
// spawns, so the goroutine count stays bounded under a thundering herd
// of wakeups.
func NewScheduler(ncpu int) *Scheduler {
	s := &Scheduler{pool: gopool.NewGoPool("starina-sched", nil), ncpu: ncpu}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// New1CPU is a convenience for the common single-vCPU boot configuration.
func New1CPU() *Scheduler { return NewScheduler(1) }

// Push enqueues a runnable thread.
func (s *Scheduler) Push(t *Thread) {
	s.mu.Lock()
	s.queue = append(s.queue, t)
	s.cond.Signal()
	s.mu.Unlock()
}

// pop blocks until a thread is runnable, or stop is closed.
func (s *Scheduler) pop(stop <-chan struct{}) *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) == 0 {
		done := make(chan struct{})
		go func() {
			select {
			case <-stop:
				s.mu.Lock()
				s.cond.Signal()
				s.mu.Unlock()
			case <-done:
			}
		}()
		s.cond.Wait()
		close(done)

		select {
		case <-stop:
			return nil
		default:
		}
	}

	t := s.queue[0]
	s.queue = s.queue[1:]
	return t
}

// Run starts ncpu run loops and blocks until stop is closed.
func (s *Scheduler) Run(stop <-chan struct{}) {
	var wg sync.WaitGroup
	wg.Add(s.ncpu)
	for i := 0; i < s.ncpu; i++ {
		s.pool.Go(func() {
			defer wg.Done()
			for {
				t := s.pop(stop)
				if t == nil {
					return
				}
				t.run()
			}
		})
	}
	wg.Wait()
}
