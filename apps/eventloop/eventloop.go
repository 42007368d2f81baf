// Package eventloop implements the Poll-driven dispatch loop shared by
// every in-kernel sample app: a Poll, a per-handle item map, and a single
// goroutine that waits for readiness and dispatches to a ChannelHandler.
//
// Grounded on the original kernel's mainloop.rs/eventloop.rs, expressed
// as a goroutine around a for { ev, err := poll.Wait(...) } loop, the
// same shape gokvm's RunInfiniteLoop gives its vCPU run loop.
package eventloop

import (
	"github.com/starina-os/starina/kernel/channel"
	"github.com/starina-os/starina/kernel/errcode"
	"github.com/starina-os/starina/kernel/handle"
	"github.com/starina-os/starina/kernel/handleid"
	"github.com/starina-os/starina/kernel/poll"
	"github.com/starina-os/starina/kernel/refcount"
)

// ChannelHandler reacts to traffic on one channel registered with a
// Dispatcher. IsReceivable implements backpressure: returning false
// leaves the message queued until the handler is ready.
type ChannelHandler interface {
	IsReceivable(ctx *ChannelContext) bool
	Data(ctx *ChannelContext, data []byte)
	Disconnected(ctx *ChannelContext)
}

// ChannelContext is handed to every ChannelHandler callback.
type ChannelContext struct {
	Dispatcher *Dispatcher
	Ch         *channel.Channel
	ChRef      refcount.SharedRef[channel.Channel]
}

// StartupHandler is invoked when a new Channel arrives on the loop's
// startup channel (the bootstrap mechanism by which a newly connected
// client hands the app a private Channel of its own).
type StartupHandler interface {
	Connected(ctx *StartupContext, ch refcount.SharedRef[channel.Channel])
}

// StartupContext is handed to every StartupHandler callback.
type StartupContext struct {
	Dispatcher *Dispatcher
}

type itemKind int

const (
	itemStartup itemKind = iota
	itemChannel
)

type item struct {
	kind    itemKind
	ch      refcount.SharedRef[channel.Channel]
	handler ChannelHandler
}

// Dispatcher lets handlers register additional channels while the loop
// is running (e.g. a StartupHandler accepting a new client connection).
type Dispatcher struct {
	p     *poll.Poll
	table *handle.HandleTable
	items map[handleid.HandleId]*item
}

// AddChannel registers ch with handler, watched for readable and closed.
func (d *Dispatcher) AddChannel(ch refcount.SharedRef[channel.Channel], handler ChannelHandler) error {
	id, code := d.table.Insert(handle.Of[channel.Channel, *channel.Channel](
		handle.New[channel.Channel, *channel.Channel](ch, 0)))
	if code != errcode.OK {
		return errcode.Wrap(code)
	}

	d.items[id] = &item{kind: itemChannel, ch: ch, handler: handler}
	return d.p.Add(d.p, ch.Get(), id, poll.Readable|poll.Closed)
}

// blockingWaiter lets this goroutine park on TryWait without spinning,
// using the same Waiter contract kernel/sched.Thread satisfies for
// guest-visible threads.
type blockingWaiter struct {
	wake chan struct{}
}

func newBlockingWaiter() *blockingWaiter {
	return &blockingWaiter{wake: make(chan struct{}, 1)}
}

func (w *blockingWaiter) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *blockingWaiter) wait() {
	<-w.wake
}

// EventLoop is one in-kernel app's Poll plus its startup channel.
type EventLoop struct {
	poll    refcount.SharedRef[poll.Poll]
	table   *handle.HandleTable
	items   map[handleid.HandleId]*item
	waiter  *blockingWaiter
	startup handleid.HandleId
}

// New creates an event loop whose startup channel is startupCh: messages
// received on it are Channel "connect" notifications carrying a fresh
// private Channel for a new client.
func New(startupCh refcount.SharedRef[channel.Channel]) (*EventLoop, error) {
	p := poll.New()
	table := handle.NewTable()
	items := make(map[handleid.HandleId]*item)

	id, code := table.Insert(handle.Of[channel.Channel, *channel.Channel](
		handle.New[channel.Channel, *channel.Channel](startupCh, 0)))
	if code != errcode.OK {
		return nil, errcode.Wrap(code)
	}
	items[id] = &item{kind: itemStartup, ch: startupCh}

	if err := p.Get().Add(p.Get(), startupCh.Get(), id, poll.Readable|poll.Closed); err != nil {
		return nil, err
	}

	return &EventLoop{poll: p, table: table, items: items, waiter: newBlockingWaiter(), startup: id}, nil
}

// Run blocks forever, dispatching startup connections to app and channel
// traffic to each channel's registered handler.
func (l *EventLoop) Run(app StartupHandler) error {
	dispatcher := &Dispatcher{p: l.poll.Get(), table: l.table, items: l.items}

	for {
		out := l.poll.Get().TryWait(l.poll.Get(), l.waiter)
		if out.Blocked {
			l.waiter.wait()
			continue
		}
		if out.Err != errcode.OK {
			return errcode.Wrap(out.Err)
		}

		it, ok := l.items[out.ID]
		if !ok {
			continue
		}

		switch it.kind {
		case itemStartup:
			l.dispatchStartup(dispatcher, app, it, out.Readiness)
		case itemChannel:
			l.dispatchChannel(dispatcher, it, out.Readiness)
		}
	}
}

func (l *EventLoop) dispatchStartup(d *Dispatcher, app StartupHandler, it *item, readiness poll.Readiness) {
	if !readiness.Contains(poll.Readable) {
		return
	}

	ctx := &StartupContext{Dispatcher: d}
	var ids [handle.NumHandlesMax]handleid.HandleId
	info, _, code := it.ch.Get().Recv(l.table, ids[:1])
	switch code {
	case errcode.OK:
		if info.NumHandles != 1 {
			return
		}
		newCh, code := handle.Get[channel.Channel, *channel.Channel](l.table, ids[0])
		if code != errcode.OK {
			return
		}
		l.table.Take(ids[0])
		app.Connected(ctx, newCh.IntoObject())
	case errcode.Empty:
	default:
	}
}

func (l *EventLoop) dispatchChannel(d *Dispatcher, it *item, readiness poll.Readiness) {
	ctx := &ChannelContext{Dispatcher: d, Ch: it.ch.Get(), ChRef: it.ch}

	if readiness.Contains(poll.Closed) {
		it.handler.Disconnected(ctx)
		return
	}

	if readiness.Contains(poll.Readable) && it.handler.IsReceivable(ctx) {
		var msgbuf [4096]byte
		info, data, code := it.ch.Get().Recv(l.table, nil)
		switch code {
		case errcode.OK:
			_ = msgbuf
			_ = info
			it.handler.Data(ctx, data)
		case errcode.Empty:
		case errcode.NoPeer:
			it.handler.Disconnected(ctx)
		default:
		}
	}
}
