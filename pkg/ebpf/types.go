// Package ebpf is the kernel transport: it loads the ring buffer benchmark
// object, attaches one of its programs and exposes the ring buffer and the
// counters map as a collector.Source.
package ebpf

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned when the current platform cannot host eBPF programs
var ErrUnsupported = errors.New("eBPF ring buffers require Linux >= 5.8")

// Names inside the compiled object.
const (
	MapEvents   = "ringbuf_events"
	MapCounters = "counters"

	ProgKprobe        = "kprobe_openat"
	ProgTracepoint    = "tracepoint_openat"
	ProgRawTracepoint = "raw_tracepoint_handler"
)

// AttachTarget names a program and where it hooks.
type AttachTarget struct {
	Kind    string // tracepoint, kprobe or raw_tracepoint
	Program string
	Group   string // tracepoint group; empty otherwise
	Symbol  string
}

// Target resolves an attach kind to the program and hook point it uses.
func Target(kind string) (AttachTarget, error) {
	switch kind {
	case "tracepoint", "":
		return AttachTarget{Kind: "tracepoint", Program: ProgTracepoint, Group: "syscalls", Symbol: "sys_enter_openat"}, nil
	case "kprobe":
		return AttachTarget{Kind: "kprobe", Program: ProgKprobe, Symbol: "do_sys_openat2"}, nil
	case "raw_tracepoint":
		return AttachTarget{Kind: "raw_tracepoint", Program: ProgRawTracepoint, Symbol: "sys_enter"}, nil
	default:
		return AttachTarget{}, fmt.Errorf("unknown attach kind %q", kind)
	}
}

func (t AttachTarget) String() string {
	if t.Group != "" {
		return fmt.Sprintf("%s %s/%s", t.Kind, t.Group, t.Symbol)
	}
	return fmt.Sprintf("%s %s", t.Kind, t.Symbol)
}

// AttachError reports that the program could not be loaded or attached.
// It is returned before any measurement window opens.
type AttachError struct {
	Target AttachTarget
	Err    error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attach %s (%s): %v", e.Target, e.Target.Program, e.Err)
}

func (e *AttachError) Unwrap() error {
	return e.Err
}
