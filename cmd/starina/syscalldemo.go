package main

import (
	"time"

	"github.com/starina-os/starina/internal/klog"
	"github.com/starina-os/starina/kernel/channel"
	"github.com/starina-os/starina/kernel/errcode"
	"github.com/starina-os/starina/kernel/handle"
	"github.com/starina-os/starina/kernel/handleid"
	"github.com/starina-os/starina/kernel/poll"
	"github.com/starina-os/starina/kernel/sched"
	"github.com/starina-os/starina/kernel/syscall"
)

// runSyscallDemoThread schedules one thread that drives the numeric
// syscall ABI through kernel/syscall.Dispatch, the same entry point a
// real RISC-V guest thread would trap into. Physical vCPU bring-up has
// no concrete backing here, so nothing else in this binary ever issues
// a syscall number — this thread is what keeps the dispatcher and the
// scheduler's block-then-resume continuation on a live, scheduled code
// path rather than dead weight.
//
// It opens a channel pair and a poll through the ABI, registers
// interest in the far end, and blocks on poll_wait. A short-lived
// goroutine plays the role of an external peer: once the thread has
// parked, it sends a message on the near end, which wakes the thread
// through the ordinary Notify/Wake path. On resume the continuation
// retries poll_wait (now ready), then issues channel_recv and logs what
// arrived.
func runSyscallDemoThread(s *sched.Scheduler) {
	const (
		stepPollCreate = iota
		stepChannelCreate
		stepPollAdd
		stepPollWait
		stepChannelRecv
	)

	handles := handle.NewTable()
	step := stepPollCreate
	var pollID, chID, peerID handleid.HandleId
	var t *sched.Thread

	warn := func(op string, code errcode.ErrorCode) sched.Outcome {
		klog.L.Warning().Str("op", op).Str("err", code.Error()).Log("syscall demo thread failed")
		return sched.Outcome{State: sched.Exited}
	}

	resume := func() sched.Outcome {
		switch step {
		case stepPollCreate:
			out := syscall.Dispatch(handles, t, syscall.SysPollCreate, syscall.Args{})
			if out.Err != errcode.OK {
				return warn("poll_create", out.Err)
			}
			pollID = out.RetVal.Handle
			step = stepChannelCreate
			return sched.Outcome{State: sched.Runnable}

		case stepChannelCreate:
			out := syscall.Dispatch(handles, t, syscall.SysChannelCreate, syscall.Args{})
			if out.Err != errcode.OK {
				return warn("channel_create", out.Err)
			}
			chID = out.RetVal.Handle
			peerID = handleid.FromRaw(chID.Raw() + 1)
			step = stepPollAdd
			return sched.Outcome{State: sched.Runnable}

		case stepPollAdd:
			out := syscall.Dispatch(handles, t, syscall.SysPollAdd, syscall.Args{
				A0: int64(pollID.Raw()),
				A1: int64(peerID.Raw()),
				A2: int64(poll.Readable),
			})
			if out.Err != errcode.OK {
				return warn("poll_add", out.Err)
			}

			if nearCh, code := handle.Get[channel.Channel](handles, chID); code == errcode.OK {
				go func() {
					time.Sleep(50 * time.Millisecond)
					code := nearCh.IntoObject().Get().Send(handles, channel.MessageInfo{DataLen: 5}, []byte("hello"), nil)
					if code != errcode.OK {
						klog.L.Warning().Str("err", code.Error()).Log("syscall demo producer: send failed")
					}
				}()
			}

			step = stepPollWait
			return sched.Outcome{State: sched.Runnable}

		case stepPollWait:
			out := syscall.Dispatch(handles, t, syscall.SysPollWait, syscall.Args{A0: int64(pollID.Raw())})
			if out.Err != errcode.OK {
				return warn("poll_wait", out.Err)
			}
			if out.Blocked {
				return sched.Outcome{State: sched.BlockedByPoll, WaitOn: out.WaitOn, Waiter: t}
			}
			step = stepChannelRecv
			return sched.Outcome{State: sched.Runnable}

		case stepChannelRecv:
			buf := make([]byte, 5)
			out := syscall.Dispatch(handles, t, syscall.SysChannelRecv, syscall.Args{
				A0:   int64(peerID.Raw()),
				Data: buf,
			})
			if out.Err != errcode.OK {
				return warn("channel_recv", out.Err)
			}
			klog.L.Info().Str("payload", string(buf)).Log("syscall demo thread: received message via the syscall ABI")
			return sched.Outcome{State: sched.Exited}

		default:
			return sched.Outcome{State: sched.Exited}
		}
	}

	t = sched.New(1, handles, resume)
	s.Push(t)
}
