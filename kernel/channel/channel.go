// Package channel implements Channel, the kernel's bidirectional,
// bounded-queue IPC primitive, and the two-pass handle-move protocol used
// by Send/Recv to keep a partial move from ever corrupting a handle
// table.
//
// Grounded on the original kernel's channel.rs.
package channel

import (
	"sync"

	"github.com/starina-os/starina/kernel/errcode"
	"github.com/starina-os/starina/kernel/handle"
	"github.com/starina-os/starina/kernel/handleid"
	"github.com/starina-os/starina/kernel/poll"
	"github.com/starina-os/starina/kernel/refcount"
)

// MessageQueueMaxLen bounds how many messages a channel endpoint may
// queue before Send starts returning Full.
const MessageQueueMaxLen = 128

// MessageDataLenMax bounds a single message's opaque payload.
const MessageDataLenMax = 4096

// MessageNumHandlesMax bounds how many handles a single message may
// carry.
const MessageNumHandlesMax = 4

// MessageInfo is the message-info word: kind, payload length, and handle
// count, exactly as carried over the wire ahead of a message's bytes.
type MessageInfo struct {
	Kind        uint16
	DataLen     uint16 // up to 14 bits
	NumHandles  uint8
}

// Pack encodes info into the single 32-bit word form used on the wire:
// bits [31:16] kind, bits [15:2] data_len, bits [1:0] num_handles.
func (info MessageInfo) Pack() uint32 {
	return uint32(info.Kind)<<16 | uint32(info.DataLen&0x3fff)<<2 | uint32(info.NumHandles&0x3)
}

// Unpack decodes a 32-bit wire word back into a MessageInfo.
func Unpack(word uint32) MessageInfo {
	return MessageInfo{
		Kind:       uint16(word >> 16),
		DataLen:    uint16(word>>2) & 0x3fff,
		NumHandles: uint8(word & 0x3),
	}
}

// messageEntry is a single queued message: its info word, opaque
// payload, and the handles it's carrying (already moved out of the
// sender's table).
type messageEntry struct {
	info    MessageInfo
	data    []byte
	handles []handle.AnyHandle
}

// Channel is one endpoint of a bidirectional IPC pipe. Two endpoints hold
// strong references to each other; the cycle is only broken by an
// explicit Close, which clears the peer reference.
type Channel struct {
	mu        sync.Mutex
	peer      *refcount.SharedRef[Channel]
	queue     []messageEntry
	listeners poll.ListenerSet
}

// New creates a connected pair of channel endpoints.
func New() (refcount.SharedRef[Channel], refcount.SharedRef[Channel]) {
	a := refcount.NewSharedRef(Channel{})
	b := refcount.NewSharedRef(Channel{})

	aClone := a.Clone()
	bClone := b.Clone()
	a.Get().peer = &bClone
	b.Get().peer = &aClone

	return a, b
}

// Send validates and then moves msginfo.NumHandles handles out of
// senderHandles into the peer's queue, alongside a copy of data.
//
// The validate-then-move split exists so a handle that turns out not to
// be movable (already closed, wrong type pending a future check) never
// leaves a partially-sent message: either every handle moves, or none
// do.
func (c *Channel) Send(senderHandles *handle.HandleTable, info MessageInfo, data []byte, handleIDs []handleid.HandleId) errcode.ErrorCode {
	if int(info.DataLen) > MessageDataLenMax || len(data) > MessageDataLenMax {
		return errcode.TooLarge
	}
	if int(info.NumHandles) > MessageNumHandlesMax || len(handleIDs) != int(info.NumHandles) {
		return errcode.InvalidArg
	}

	c.mu.Lock()
	peer := c.peer
	if peer == nil {
		c.mu.Unlock()
		return errcode.NoPeer
	}
	peerCh := peer.Get()
	c.mu.Unlock()

	// Pass 1: validate every handle is still present, without removing
	// any of them yet.
	for _, id := range handleIDs {
		if !senderHandles.IsMovable(id) {
			return errcode.HandleNotMovable
		}
	}

	payload := append([]byte(nil), data...)

	// The peer's queue is checked for room before any handle is taken, so
	// a Full queue leaves every handle in the sender's table.
	peerCh.mu.Lock()
	if len(peerCh.queue) >= MessageQueueMaxLen {
		peerCh.mu.Unlock()
		return errcode.Full
	}

	// Pass 2: now that every handle is known-movable, actually take them.
	moved := make([]handle.AnyHandle, 0, len(handleIDs))
	for _, id := range handleIDs {
		h, ok := senderHandles.Take(id)
		if !ok {
			// Should be unreachable after the validate pass, but never
			// leave the message half-built.
			peerCh.mu.Unlock()
			return errcode.HandleNotMovable
		}
		moved = append(moved, h)
	}

	peerCh.queue = append(peerCh.queue, messageEntry{info: info, data: payload, handles: moved})
	peerCh.mu.Unlock()

	peerCh.listeners.NotifyAll(poll.Readable)
	return errcode.OK
}

// Recv pops the oldest queued message, installing its handles into
// recvHandles under freshly allocated IDs and writing those IDs back
// into handleIDsOut. The number of handles actually written is
// info.NumHandles.
func (c *Channel) Recv(recvHandles *handle.HandleTable, handleIDsOut []handleid.HandleId) (MessageInfo, []byte, errcode.ErrorCode) {
	c.mu.Lock()
	if len(c.queue) == 0 {
		noPeer := c.peer == nil
		c.mu.Unlock()
		if noPeer {
			return MessageInfo{}, nil, errcode.NoPeer
		}
		return MessageInfo{}, nil, errcode.Empty
	}

	entry := c.queue[0]
	c.queue = c.queue[1:]
	c.mu.Unlock()

	if len(handleIDsOut) < len(entry.handles) {
		return MessageInfo{}, nil, errcode.InvalidArg
	}

	for i, h := range entry.handles {
		id, code := recvHandles.Put(h)
		if code != errcode.OK {
			return MessageInfo{}, nil, code
		}
		handleIDsOut[i] = id
	}

	return entry.info, entry.data, errcode.OK
}

// Close severs the peer link (if any) and notifies the peer's listeners
// that it's now readable-as-closed, so a blocked Recv wakes with a
// meaningful readiness instead of hanging forever.
func (c *Channel) Close() {
	c.mu.Lock()
	peer := c.peer
	c.peer = nil
	c.mu.Unlock()

	if peer == nil {
		return
	}

	peerCh := peer.Get()
	peerCh.mu.Lock()
	peerCh.peer = nil
	peerCh.mu.Unlock()
	peerCh.listeners.NotifyAll(poll.Readable | poll.Closed)
}

// AddListener implements poll.Handleable.
func (c *Channel) AddListener(l *poll.Listener) error {
	return c.listeners.AddListener(l)
}

// RemoveListener implements poll.Handleable.
func (c *Channel) RemoveListener(p *poll.Poll) error {
	return c.listeners.RemoveListener(p)
}

// Readiness implements poll.Handleable. Readable iff self's queue is
// non-empty; writable iff a peer exists and its queue has room; closed
// iff the peer is gone and self's queue is also empty, so buffered
// messages are drained via Readable before a reader ever observes
// Closed.
func (c *Channel) Readiness() (poll.Readiness, error) {
	c.mu.Lock()
	peer := c.peer
	queueLen := len(c.queue)
	c.mu.Unlock()

	var r poll.Readiness
	if queueLen > 0 {
		r |= poll.Readable
	}
	if peer == nil {
		if queueLen == 0 {
			r |= poll.Closed
		}
		return r, nil
	}

	peerCh := peer.Get()
	peerCh.mu.Lock()
	peerLen := len(peerCh.queue)
	peerCh.mu.Unlock()
	if peerLen < MessageQueueMaxLen {
		r |= poll.Writable
	}
	return r, nil
}
