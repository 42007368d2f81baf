// Package klog is the kernel's structured logger: a thin wrapper around
// joeycumines/logiface with the stumpy JSON backend, exposing a
// package-level L the same way gokvm exposes small top-level helpers
// (kvm.ExitType, flag.Parse) rather than threading a logger instance
// through every call site.
//
// Used at Warn level for every protocol violation by an untrusted guest
// (spec.md §7: the kernel must never panic on guest input, so these
// call sites log-and-ignore instead), and at Debug/Info for scheduler
// and channel lifecycle events. The cmd/starina boot banner keeps plain
// log.Printf/fmt.Printf instead, matching gokvm's own CLI voice.
package klog

import (
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Log is the process-wide structured logger.
var Log = stumpy.L.New(
	stumpy.L.WithLevel(logiface.LevelDebug),
	stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
)

// L is an alias for Log, matching the short names the rest of the
// kernel (and gokvm's own style) favors for frequently used globals.
var L = Log
