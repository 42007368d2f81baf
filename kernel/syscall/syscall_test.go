package syscall

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/starina-os/starina/kernel/channel"
	"github.com/starina-os/starina/kernel/errcode"
	"github.com/starina-os/starina/kernel/handle"
	"github.com/starina-os/starina/kernel/handleid"
	"github.com/starina-os/starina/kernel/poll"
)

// stubWaiter is the minimal poll.Waiter a test needs to observe whether
// SysPollWait's blocking path ever actually wakes it.
type stubWaiter struct{ woken int }

func (w *stubWaiter) Wake() { w.woken++ }

func TestChannelSendRecvRoundTripThroughDispatch(t *testing.T) {
	handles := handle.NewTable()

	out := Dispatch(handles, nil, SysChannelCreate, Args{})
	require.Equal(t, errcode.OK, out.Err)
	id1 := out.RetVal.Handle
	id2 := handleid.FromRaw(id1.Raw() + 1)

	data := []byte("hello")
	sendOut := Dispatch(handles, nil, SysChannelSend, Args{
		A0:   int64(id1.Raw()),
		A1:   int64(channel.MessageInfo{DataLen: uint16(len(data))}.Pack()),
		Data: data,
	})
	require.Equal(t, errcode.OK, sendOut.Err)

	recvBuf := make([]byte, len(data))
	recvOut := Dispatch(handles, nil, SysChannelRecv, Args{
		A0:   int64(id2.Raw()),
		Data: recvBuf,
	})
	require.Equal(t, errcode.OK, recvOut.Err)
	require.Equal(t, "hello", string(recvBuf))
}

func TestHandleCloseRemovesHandle(t *testing.T) {
	handles := handle.NewTable()

	out := Dispatch(handles, nil, SysChannelCreate, Args{})
	require.Equal(t, errcode.OK, out.Err)
	id1 := out.RetVal.Handle

	closeOut := Dispatch(handles, nil, SysHandleClose, Args{A0: int64(id1.Raw())})
	require.Equal(t, errcode.OK, closeOut.Err)

	again := Dispatch(handles, nil, SysHandleClose, Args{A0: int64(id1.Raw())})
	require.Equal(t, errcode.NotFound, again.Err)
}

// TestPollWaitBlocksThenDispatchRetrySeesReadyAfterSend drives the ABI's
// block-then-resume path entirely through Dispatch: a first poll_wait
// call blocks, an unrelated channel_send makes the watched object ready
// and wakes the waiter, and a second poll_wait call (the continuation's
// retry) observes the event instead of blocking again.
func TestPollWaitBlocksThenDispatchRetrySeesReadyAfterSend(t *testing.T) {
	handles := handle.NewTable()

	pollOut := Dispatch(handles, nil, SysPollCreate, Args{})
	require.Equal(t, errcode.OK, pollOut.Err)
	pollID := pollOut.RetVal.Handle

	chOut := Dispatch(handles, nil, SysChannelCreate, Args{})
	require.Equal(t, errcode.OK, chOut.Err)
	id1 := chOut.RetVal.Handle
	id2 := handleid.FromRaw(id1.Raw() + 1)

	addOut := Dispatch(handles, nil, SysPollAdd, Args{
		A0: int64(pollID.Raw()),
		A1: int64(id2.Raw()),
		A2: int64(poll.Readable),
	})
	require.Equal(t, errcode.OK, addOut.Err)

	waiter := &stubWaiter{}
	blockedOut := Dispatch(handles, waiter, SysPollWait, Args{A0: int64(pollID.Raw())})
	require.True(t, blockedOut.Blocked)
	require.Equal(t, 0, waiter.woken)

	sendOut := Dispatch(handles, nil, SysChannelSend, Args{
		A0: int64(id1.Raw()),
		A1: int64(channel.MessageInfo{}.Pack()),
	})
	require.Equal(t, errcode.OK, sendOut.Err)
	require.Equal(t, 1, waiter.woken)

	readyOut := Dispatch(handles, waiter, SysPollWait, Args{A0: int64(pollID.Raw())})
	require.False(t, readyOut.Blocked)
	require.Equal(t, errcode.OK, readyOut.Err)
	require.Equal(t, id2, readyOut.RetVal.Handle)
}

func TestPollRemoveThenWaitNeverSeesStaleReadiness(t *testing.T) {
	handles := handle.NewTable()

	pollOut := Dispatch(handles, nil, SysPollCreate, Args{})
	require.Equal(t, errcode.OK, pollOut.Err)
	pollID := pollOut.RetVal.Handle

	chOut := Dispatch(handles, nil, SysChannelCreate, Args{})
	require.Equal(t, errcode.OK, chOut.Err)
	id1 := chOut.RetVal.Handle
	id2 := handleid.FromRaw(id1.Raw() + 1)

	require.Equal(t, errcode.OK, Dispatch(handles, nil, SysPollAdd, Args{
		A0: int64(pollID.Raw()), A1: int64(id2.Raw()), A2: int64(poll.Readable),
	}).Err)
	require.Equal(t, errcode.OK, Dispatch(handles, nil, SysPollRemove, Args{
		A0: int64(pollID.Raw()), A1: int64(id2.Raw()),
	}).Err)

	require.Equal(t, errcode.OK, Dispatch(handles, nil, SysChannelSend, Args{
		A0: int64(id1.Raw()),
	}).Err)

	waiter := &stubWaiter{}
	out := Dispatch(handles, waiter, SysPollWait, Args{A0: int64(pollID.Raw())})
	require.True(t, out.Blocked)
}

func TestVcpuSyscallsReturnNotSupported(t *testing.T) {
	handles := handle.NewTable()
	for _, nr := range []Number{SysHvspaceCreate, SysHvspaceMap, SysVcpuCreate, SysVcpuRun} {
		out := Dispatch(handles, nil, nr, Args{})
		require.Equal(t, errcode.NotSupported, out.Err)
	}
}

func TestTimerNowAndFolioAllocRoundTrip(t *testing.T) {
	handles := handle.NewTable()

	now := Dispatch(handles, nil, SysTimerNow, Args{})
	require.Equal(t, errcode.OK, now.Err)

	allocOut := Dispatch(handles, nil, SysFolioAlloc, Args{A0: 4096})
	require.Equal(t, errcode.OK, allocOut.Err)

	closeOut := Dispatch(handles, nil, SysHandleClose, Args{A0: int64(allocOut.RetVal.Handle.Raw())})
	require.Equal(t, errcode.OK, closeOut.Err)
}
