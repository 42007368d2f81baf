// Package vcpu declares the interfaces of a virtual CPU and its
// hypervisor address space, without depending on any particular
// hypervisor or architecture. No implementation of them exists in this
// kernel; kernel/syscall uses only the Protect type.
//
// Physical CPU bring-up and register-level trap entry are explicitly out
// of scope (spec.md §1, "physical CPU bring-up and register-level trap
// entry"); this package exists only so the rest of the kernel can name
// "a vCPU" as an external collaborator, the same role gokvm's
// kvm.CPU/machine.Machine types play for a literal KVM-backed VM.
package vcpu

import (
	"github.com/starina-os/starina/kernel/errcode"
	"github.com/starina-os/starina/kernel/folio"
	"github.com/starina-os/starina/kernel/poll"
)

// RunState is the subset of a completed vCPU run a caller observes
// (register state and exit reason are hypervisor-specific and therefore
// deliberately not modeled here).
type RunState struct {
	ExitReason uint32
}

// HvSpace is a hypervisor's second-stage address space: the mapping from
// guest-physical addresses to host Folios.
type HvSpace interface {
	poll.Handleable
	Map(gpa uint64, f *folio.Folio, length int, protect Protect) errcode.ErrorCode
}

// Protect mirrors the original's PageProtect bitset (read/write/exec over
// a mapped range).
type Protect uint8

const (
	ProtectRead Protect = 1 << iota
	ProtectWrite
	ProtectExec
)

// VCpu is a single virtual CPU bound to an HvSpace, driven one Run call
// at a time. kernel/syscall's vcpu_run handler does not call it: it
// returns NotSupported.
type VCpu interface {
	poll.Handleable
	Run(exit *RunState) errcode.ErrorCode
}
