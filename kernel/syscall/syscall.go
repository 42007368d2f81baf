// Package syscall implements the kernel's numeric syscall ABI and its
// dispatcher.
//
// Grounded on the original kernel's syscall.rs: one function per
// syscall, each returning a (value, error) or a "block the thread"
// directive, with a top-level dispatch that maps the numeric syscall
// number onto the right handler.
//
// The original passes data/handle buffers through an isolation-checked
// pointer+length pair, because a syscall crosses a userspace/kernel
// memory-protection boundary. Multi-user process isolation is an
// explicit Non-goal here (spec.md §8), so this port passes the same
// buffers as plain Go slices — conceptually the same contract (a
// caller-owned scratch region the kernel reads from or writes into),
// just without a second address space on the other end of it.
package syscall

import (
	"sync"
	"time"

	"github.com/starina-os/starina/internal/klog"
	"github.com/starina-os/starina/kernel/channel"
	"github.com/starina-os/starina/kernel/errcode"
	"github.com/starina-os/starina/kernel/folio"
	"github.com/starina-os/starina/kernel/handle"
	"github.com/starina-os/starina/kernel/handleid"
	"github.com/starina-os/starina/kernel/interrupt"
	"github.com/starina-os/starina/kernel/iobus"
	"github.com/starina-os/starina/kernel/poll"
	"github.com/starina-os/starina/kernel/refcount"
	"github.com/starina-os/starina/kernel/rights"
	"github.com/starina-os/starina/kernel/timer"
	"github.com/starina-os/starina/kernel/vcpu"
	"github.com/starina-os/starina/kernel/vmspace"
)

// Number is a syscall's numeric ABI identifier.
type Number uint8

const (
	SysHandleClose Number = iota
	SysLogWrite
	SysPollCreate
	SysPollAdd
	SysPollRemove
	SysPollWait
	SysChannelCreate
	SysChannelSend
	SysChannelRecv
	SysFolioAlloc
	SysFolioDaddr
	SysVmspaceMap
	SysBusioMap
	SysInterruptCreate
	SysInterruptAck
	SysHvspaceCreate
	SysHvspaceMap
	SysVcpuCreate
	SysVcpuRun
	SysTimerCreate
	SysTimerSet
	SysTimerNow
)

// RetVal is a syscall's successful return value: most syscalls return
// either a HandleId or a small integer, never both.
type RetVal struct {
	Handle handleid.HandleId
	Int    int64
}

// Outcome is what a dispatched syscall produces: exactly one of a
// RetVal, an ErrorCode, or a block directive (the Poll the calling
// thread should block on).
type Outcome struct {
	RetVal  RetVal
	Err     errcode.ErrorCode
	Blocked bool
	WaitOn  *poll.Poll
}

func doneHandle(id handleid.HandleId) Outcome { return Outcome{RetVal: RetVal{Handle: id}} }
func doneInt(v int64) Outcome                 { return Outcome{RetVal: RetVal{Int: v}} }
func fail(code errcode.ErrorCode) Outcome     { return Outcome{Err: code} }

// Args bundles a syscall's raw register-style arguments. Not every
// syscall uses every field.
type Args struct {
	A0, A1, A2, A3, A4 int64
	Data               []byte
	HandleIDs          []handleid.HandleId
}

// vmspacesMu/vmspaces gives every HandleTable (process) its own implicit
// VmSpace, created on first use — there is no separate vmspace_create
// syscall in the ABI, matching the original's "a process always has
// exactly one address space" model.
var (
	vmspacesMu sync.Mutex
	vmspaces   = map[*handle.HandleTable]*vmspace.VmSpace{}
)

func vmspaceFor(handles *handle.HandleTable) *vmspace.VmSpace {
	vmspacesMu.Lock()
	defer vmspacesMu.Unlock()
	vs, ok := vmspaces[handles]
	if !ok {
		vs = vmspace.New()
		vmspaces[handles] = vs
	}
	return vs
}

// defaultIoBus is the single device bus window this single-VM port
// exposes through busio_map; a real multi-device kernel would hand out
// one IoBus per device, but this port models only the one guest.
var (
	ioBusOnce sync.Once
	ioBus     *iobus.IoBus
)

func defaultIoBus() *iobus.IoBus {
	ioBusOnce.Do(func() {
		ioBus = iobus.New(0xf000_0000, 0x1000_0000)
	})
	return ioBus
}

// Dispatch runs the syscall named by nr against handles, the calling
// thread's handle table. waiter is the calling thread itself (it
// implements poll.Waiter), used only by SysPollWait when it must block.
func Dispatch(handles *handle.HandleTable, waiter poll.Waiter, nr Number, args Args) Outcome {
	switch nr {
	case SysHandleClose:
		code := handles.Close(handleid.FromRaw(int32(args.A0)))
		if code != errcode.OK {
			return fail(code)
		}
		return doneInt(0)

	case SysLogWrite:
		klog.L.Info().Str("data", string(args.Data)).Log("log_write")
		return doneInt(0)

	case SysPollCreate:
		p := poll.New()
		h := handle.Of(handle.New(p, rights.Poll|rights.Write))
		id, code := handles.Insert(h)
		if code != errcode.OK {
			return fail(code)
		}
		return doneHandle(id)

	case SysPollAdd:
		pollID := handleid.FromRaw(int32(args.A0))
		objID := handleid.FromRaw(int32(args.A1))
		interests := poll.Readiness(args.A2)

		pollHandle, code := handle.Get[poll.Poll](handles, pollID)
		if code != errcode.OK {
			return fail(code)
		}
		if !pollHandle.IsCapable(rights.Write) {
			return fail(errcode.NotAllowed)
		}
		objHandle, code := handles.GetAny(objID)
		if code != errcode.OK {
			return fail(code)
		}

		p := pollHandle.IntoObject().Get()
		if err := p.Add(p, objHandle, objID, interests); err != nil {
			return fail(err.(*errcode.Error).Code)
		}
		return doneInt(0)

	case SysPollRemove:
		pollID := handleid.FromRaw(int32(args.A0))
		objID := handleid.FromRaw(int32(args.A1))

		pollHandle, code := handle.Get[poll.Poll](handles, pollID)
		if code != errcode.OK {
			return fail(code)
		}
		if !pollHandle.IsCapable(rights.Write) {
			return fail(errcode.NotAllowed)
		}
		p := pollHandle.IntoObject().Get()
		if err := p.Remove(p, objID); err != nil {
			return fail(err.(*errcode.Error).Code)
		}
		return doneInt(0)

	case SysPollWait:
		pollID := handleid.FromRaw(int32(args.A0))
		pollHandle, code := handle.Get[poll.Poll](handles, pollID)
		if code != errcode.OK {
			return fail(code)
		}
		if !pollHandle.IsCapable(rights.Poll) {
			return fail(errcode.NotAllowed)
		}

		p := pollHandle.IntoObject().Get()
		out := p.TryWait(p, waiter)
		if out.Err != errcode.OK {
			return fail(out.Err)
		}
		if out.Blocked {
			return Outcome{Blocked: true, WaitOn: p}
		}
		return Outcome{RetVal: RetVal{Handle: out.ID, Int: int64(out.Readiness)}}

	case SysChannelCreate:
		ch1, ch2 := channel.New()
		h1 := handle.Of(handle.New(ch1, rights.Read|rights.Write))
		h2 := handle.Of(handle.New(ch2, rights.Read|rights.Write))
		id1, code := handles.InsertConsecutive(h1, h2)
		if code != errcode.OK {
			return fail(code)
		}
		return doneHandle(id1)

	case SysChannelSend:
		chID := handleid.FromRaw(int32(args.A0))
		info := channel.Unpack(uint32(args.A1))

		chHandle, code := handle.Get[channel.Channel](handles, chID)
		if code != errcode.OK {
			return fail(code)
		}
		if !chHandle.IsCapable(rights.Write) {
			return fail(errcode.NotAllowed)
		}

		ch := chHandle.IntoObject().Get()
		code = ch.Send(handles, info, args.Data, args.HandleIDs)
		if code != errcode.OK {
			return fail(code)
		}
		return doneInt(0)

	case SysChannelRecv:
		chID := handleid.FromRaw(int32(args.A0))
		chHandle, code := handle.Get[channel.Channel](handles, chID)
		if code != errcode.OK {
			return fail(code)
		}
		if !chHandle.IsCapable(rights.Read) {
			return fail(errcode.NotAllowed)
		}

		ch := chHandle.IntoObject().Get()
		info, data, code := ch.Recv(handles, args.HandleIDs)
		if code != errcode.OK {
			return fail(code)
		}
		copy(args.Data, data)
		return doneInt(int64(info.Pack()))

	case SysFolioAlloc:
		f, code := folio.Alloc(int(args.A0))
		if code != errcode.OK {
			return fail(code)
		}
		h := handle.Of(handle.New(refcount.NewSharedRef(f), rights.Read|rights.Write|rights.Map))
		id, code := handles.Insert(h)
		if code != errcode.OK {
			return fail(code)
		}
		return doneHandle(id)

	case SysFolioDaddr:
		folioHandle, code := handle.Get[folio.Folio](handles, handleid.FromRaw(int32(args.A0)))
		if code != errcode.OK {
			return fail(code)
		}
		daddr, ok := folioHandle.IntoObject().Get().DAddr()
		if !ok {
			return fail(errcode.NotADevice)
		}
		return doneInt(int64(daddr))

	case SysVmspaceMap:
		folioHandle, code := handle.Get[folio.Folio](handles, handleid.FromRaw(int32(args.A0)))
		if code != errcode.OK {
			return fail(code)
		}
		if !folioHandle.IsCapable(rights.Map) {
			return fail(errcode.NotAllowed)
		}
		f := folioHandle.IntoObject().Get()
		vaddr, code := vmspaceFor(handles).MapAnywhere(f, vcpu.Protect(args.A1))
		if code != errcode.OK {
			return fail(code)
		}
		return doneInt(int64(vaddr))

	case SysBusioMap:
		f, code := defaultIoBus().Map(nil, int(args.A0))
		if code != errcode.OK {
			return fail(code)
		}
		h := handle.Of(handle.New(refcount.NewSharedRef(*f), rights.Read|rights.Write|rights.Map))
		id, code := handles.Insert(h)
		if code != errcode.OK {
			return fail(code)
		}
		return doneHandle(id)

	case SysInterruptCreate:
		intr, code := interrupt.Attach(interrupt.Matcher{IRQ: uint8(args.A0)})
		if code != errcode.OK {
			return fail(code)
		}
		h := handle.Of(handle.New(refcount.NewSharedRef(*intr), rights.Read|rights.Write|rights.Poll))
		id, code := handles.Insert(h)
		if code != errcode.OK {
			return fail(code)
		}
		return doneHandle(id)

	case SysInterruptAck:
		intrHandle, code := handle.Get[interrupt.Interrupt](handles, handleid.FromRaw(int32(args.A0)))
		if code != errcode.OK {
			return fail(code)
		}
		if !intrHandle.IsCapable(rights.Write) {
			return fail(errcode.NotAllowed)
		}
		if code := intrHandle.IntoObject().Get().Acknowledge(); code != errcode.OK {
			return fail(code)
		}
		return doneInt(0)

	case SysHvspaceCreate, SysHvspaceMap, SysVcpuCreate, SysVcpuRun:
		// Physical CPU bring-up and a hypervisor's second-stage address
		// space require real architecture/KVM collaboration, explicitly
		// out of scope here (see kernel/vcpu's package doc) — there is no
		// concrete HvSpace/VCpu to back these, so they fail cleanly
		// rather than dereference one that doesn't exist.
		return fail(errcode.NotSupported)

	case SysTimerCreate:
		h := handle.Of(handle.New(refcount.NewSharedRef(timer.New()), rights.Read|rights.Write|rights.Poll))
		id, code := handles.Insert(h)
		if code != errcode.OK {
			return fail(code)
		}
		return doneHandle(id)

	case SysTimerSet:
		timerHandle, code := handle.Get[timer.Timer](handles, handleid.FromRaw(int32(args.A0)))
		if code != errcode.OK {
			return fail(code)
		}
		timerHandle.IntoObject().Get().Set(time.Duration(args.A1))
		return doneInt(0)

	case SysTimerNow:
		return doneInt(timer.Now())

	default:
		return fail(errcode.InvalidSyscall)
	}
}
