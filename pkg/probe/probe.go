// Package probe is the producer side of the transport: one reserve, fill and
// commit per trace-point firing, with drops degraded to a counter increment.
package probe

import (
	"github.com/saworbit/ringbench/pkg/counters"
	"github.com/saworbit/ringbench/pkg/event"
	"github.com/saworbit/ringbench/pkg/ringbuffer"
)

// Kind selects the attach point a probe models. It determines the event type
// tag and the Counter Table index bumped on commit.
type Kind int

const (
	KindTracepoint Kind = iota
	KindKprobe
	KindRawTracepoint
)

func (k Kind) String() string {
	switch k {
	case KindKprobe:
		return "kprobe"
	case KindRawTracepoint:
		return "raw_tracepoint"
	default:
		return "tracepoint"
	}
}

// EventType returns the tag written into records. Raw tracepoints share the
// tracepoint tag.
func (k Kind) EventType() event.Type {
	if k == KindKprobe {
		return event.TypeKprobe
	}
	return event.TypeTracepoint
}

// CounterIndex returns the Counter Table slot incremented on commit.
func (k Kind) CounterIndex() int {
	switch k {
	case KindKprobe:
		return counters.IndexKprobe
	case KindRawTracepoint:
		return counters.IndexRawTracepoint
	default:
		return counters.IndexTracepoint
	}
}

// ParseKind maps an attach mode name to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "", "tracepoint", "tp":
		return KindTracepoint, true
	case "kprobe":
		return KindKprobe, true
	case "raw_tracepoint", "raw_tp":
		return KindRawTracepoint, true
	default:
		return KindTracepoint, false
	}
}

// TraceContext is what the trace point hands the probe on each firing.
type TraceContext struct {
	Timestamp uint64
	PID       uint32
	CPU       uint32
	Data      uint32
}

// Probe emits one record per firing. It holds no per-call state, so any
// number of goroutines may call Fire concurrently.
type Probe struct {
	rb        *ringbuffer.RingBuffer
	table     *counters.Table
	eventType event.Type
	index     int
}

// New binds a probe to a transport and a Counter Table.
func New(rb *ringbuffer.RingBuffer, table *counters.Table, kind Kind) *Probe {
	return &Probe{
		rb:        rb,
		table:     table,
		eventType: kind.EventType(),
		index:     kind.CounterIndex(),
	}
}

// Fire performs exactly one reserve+fill+commit cycle. It reports false when
// the event was dropped. It does not allocate, block or wait for space.
func (p *Probe) Fire(tc TraceContext) bool {
	h, err := p.rb.Reserve(event.Size)
	if err != nil {
		p.table.Inc(counters.IndexDrops)
		return false
	}

	if err := event.Put(h.Bytes(), event.Record{
		Timestamp: tc.Timestamp,
		PID:       tc.PID,
		CPU:       tc.CPU,
		EventType: p.eventType,
		Data:      tc.Data,
	}); err != nil {
		p.rb.Discard(h)
		p.table.Inc(counters.IndexDrops)
		return false
	}

	p.rb.Commit(h)
	p.table.Inc(p.index)
	return true
}
