package channel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/starina-os/starina/kernel/errcode"
	"github.com/starina-os/starina/kernel/handle"
	"github.com/starina-os/starina/kernel/handleid"
	"github.com/starina-os/starina/kernel/poll"
	"github.com/starina-os/starina/kernel/rights"
)

func TestSendRecvRoundTrip(t *testing.T) {
	a, b := New()
	defer a.Get().Close()
	defer b.Get().Close()

	senderHandles := handle.NewTable()
	recvHandles := handle.NewTable()

	info := MessageInfo{Kind: 1, DataLen: 5, NumHandles: 0}
	require.Equal(t, errcode.OK, a.Get().Send(senderHandles, info, []byte("hello"), nil))

	var ids [0]handleid.HandleId
	gotInfo, data, code := b.Get().Recv(recvHandles, ids[:])
	require.Equal(t, errcode.OK, code)
	require.Equal(t, info, gotInfo)
	require.Equal(t, "hello", string(data))
}

func TestRecvOnEmptyQueueReturnsEmpty(t *testing.T) {
	a, b := New()
	defer a.Get().Close()
	defer b.Get().Close()

	_, _, code := b.Get().Recv(handle.NewTable(), nil)
	require.Equal(t, errcode.Empty, code)
}

func TestRecvAfterPeerClosedReturnsNoPeer(t *testing.T) {
	a, b := New()
	defer b.Get().Close()

	a.Get().Close()

	_, _, code := b.Get().Recv(handle.NewTable(), nil)
	require.Equal(t, errcode.NoPeer, code)
}

func TestSendAfterPeerClosedReturnsNoPeer(t *testing.T) {
	a, b := New()
	defer a.Get().Close()

	b.Get().Close()

	code := a.Get().Send(handle.NewTable(), MessageInfo{}, nil, nil)
	require.Equal(t, errcode.NoPeer, code)
}

func TestSendMovesHandlesAtomically(t *testing.T) {
	a, b := New()
	defer a.Get().Close()
	defer b.Get().Close()

	senderHandles := handle.NewTable()
	recvHandles := handle.NewTable()

	// A handle that will be carried inside the message: a second,
	// unrelated channel pair, one end of which travels over the first.
	c, d := New()
	defer d.Get().Close()
	cid, code := senderHandles.Insert(handle.Of[Channel, *Channel](handle.New[Channel, *Channel](c, rights.Read|rights.Write)))
	require.Equal(t, errcode.OK, code)

	info := MessageInfo{NumHandles: 1}
	ids := []handleid.HandleId{cid}
	require.Equal(t, errcode.OK, a.Get().Send(senderHandles, info, nil, ids))

	// The handle is gone from the sender's table: a partial move never
	// leaves a handle double-owned.
	require.False(t, senderHandles.IsMovable(cid))

	var out [1]handleid.HandleId
	_, _, code = b.Get().Recv(recvHandles, out[:])
	require.Equal(t, errcode.OK, code)
	require.Equal(t, 1, recvHandles.Len())
}

func TestSendRejectsUnmovableHandleWithoutPartialMove(t *testing.T) {
	a, b := New()
	defer a.Get().Close()
	defer b.Get().Close()

	senderHandles := handle.NewTable()
	c, d := New()
	defer c.Get().Close()
	defer d.Get().Close()

	cid, code := senderHandles.Insert(handle.Of[Channel, *Channel](handle.New[Channel, *Channel](c, rights.Read)))
	require.Equal(t, errcode.OK, code)

	// handleIDs names one handle that exists, plus one bogus id: the
	// validate pass must fail before anything is taken.
	bogus := handleid.FromRaw(9999)
	info := MessageInfo{NumHandles: 2}
	code = a.Get().Send(senderHandles, info, nil, []handleid.HandleId{cid, bogus})
	require.Equal(t, errcode.HandleNotMovable, code)

	// cid must still be present: the first (real) handle was never taken.
	require.True(t, senderHandles.IsMovable(cid))
}

func TestReadinessReflectsQueueAndPeerState(t *testing.T) {
	a, b := New()
	defer a.Get().Close()
	defer b.Get().Close()

	// Fresh pair, peer present, queue empty: writable but not readable.
	r, err := a.Get().Readiness()
	require.NoError(t, err)
	require.True(t, r.Contains(poll.Writable))
	require.False(t, r.Contains(poll.Readable))

	require.Equal(t, errcode.OK, b.Get().Send(handle.NewTable(), MessageInfo{}, []byte("x"), nil))

	r, err = a.Get().Readiness()
	require.NoError(t, err)
	require.True(t, r.Contains(poll.Readable))

	// Peer gone but the message sent above is still queued: readable,
	// but not yet closed — a buffered message must be drained before a
	// reader observes Closed.
	b.Get().Close()

	r, err = a.Get().Readiness()
	require.NoError(t, err)
	require.True(t, r.Contains(poll.Readable))
	require.False(t, r.Contains(poll.Closed))

	// Drain the queue: only now does Closed appear.
	_, _, code := a.Get().Recv(handle.NewTable(), nil)
	require.Equal(t, errcode.OK, code)

	r, err = a.Get().Readiness()
	require.NoError(t, err)
	require.True(t, r.Contains(poll.Closed))
	require.False(t, r.Contains(poll.Readable))
}

func TestReadinessWritableGatedOnPeerQueueRoom(t *testing.T) {
	a, b := New()
	defer a.Get().Close()
	defer b.Get().Close()

	senderHandles := handle.NewTable()
	for i := 0; i < MessageQueueMaxLen; i++ {
		require.Equal(t, errcode.OK, a.Get().Send(senderHandles, MessageInfo{}, nil, nil))
	}

	// b's queue (the peer, from a's point of view) is now full: a must
	// not report writable until something drains it.
	r, err := a.Get().Readiness()
	require.NoError(t, err)
	require.False(t, r.Contains(poll.Writable))

	_, _, code := b.Get().Recv(handle.NewTable(), nil)
	require.Equal(t, errcode.OK, code)

	r, err = a.Get().Readiness()
	require.NoError(t, err)
	require.True(t, r.Contains(poll.Writable))
}
