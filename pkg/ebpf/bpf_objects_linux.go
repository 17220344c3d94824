//go:build linux

package ebpf

import (
	"fmt"
	"io"

	"github.com/cilium/ebpf"

	"github.com/saworbit/ringbench/pkg/counters"
)

// bpfObjects mirrors the maps and programs compiled into
// ringbuf_throughput.bpf.o.
type bpfObjects struct {
	Events        *ebpf.Map     `ebpf:"ringbuf_events"`
	Counters      *ebpf.Map     `ebpf:"counters"`
	Kprobe        *ebpf.Program `ebpf:"kprobe_openat"`
	Tracepoint    *ebpf.Program `ebpf:"tracepoint_openat"`
	RawTracepoint *ebpf.Program `ebpf:"raw_tracepoint_handler"`
}

func (o *bpfObjects) program(name string) *ebpf.Program {
	switch name {
	case ProgKprobe:
		return o.Kprobe
	case ProgTracepoint:
		return o.Tracepoint
	case ProgRawTracepoint:
		return o.RawTracepoint
	}
	return nil
}

// Close releases every loaded object. cilium/ebpf handles nil receivers.
func (o *bpfObjects) Close() error {
	if o == nil {
		return nil
	}
	for _, c := range []io.Closer{o.Events, o.Counters, o.Kprobe, o.Tracepoint, o.RawTracepoint} {
		_ = c.Close()
	}
	return nil
}

// loadBpfObjects reads the object at path and loads it into the kernel.
func loadBpfObjects(path string, objs *bpfObjects, opts *ebpf.CollectionOptions) error {
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return fmt.Errorf("load eBPF spec (%s): %w", path, err)
	}

	if m, ok := spec.Maps[MapCounters]; !ok || m.MaxEntries < counters.Size {
		return fmt.Errorf("object %s has no %q array with %d entries", path, MapCounters, counters.Size)
	}

	if err := spec.LoadAndAssign(objs, opts); err != nil {
		return fmt.Errorf("assign eBPF objects: %w", err)
	}
	return nil
}
