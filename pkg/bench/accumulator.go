package bench

import (
	"sort"
	"unsafe"

	"github.com/saworbit/ringbench/pkg/event"
)

// LatencyStats summarises gaps between consecutive consumed records, in
// microseconds.
type LatencyStats struct {
	Min     float64
	Max     float64
	Average float64
	Samples uint64
}

// Accumulator aggregates consumed records. Raw records are not retained. It
// is owned by the consumer goroutine.
type Accumulator struct {
	count  uint64
	perCPU map[uint32]uint64

	lastTS   uint64
	haveLast bool
	gapMin   uint64
	gapMax   uint64
	gapSum   uint64
	gapN     uint64
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{perCPU: make(map[uint32]uint64)}
}

// Add implements collector.Sink.
func (a *Accumulator) Add(r event.Record) {
	a.count++
	a.perCPU[r.CPU]++

	// Records from different CPUs interleave; only forward gaps are timing
	// information.
	if a.haveLast && r.Timestamp >= a.lastTS {
		gap := r.Timestamp - a.lastTS
		if a.gapN == 0 || gap < a.gapMin {
			a.gapMin = gap
		}
		if gap > a.gapMax {
			a.gapMax = gap
		}
		a.gapSum += gap
		a.gapN++
	}
	a.lastTS = r.Timestamp
	a.haveLast = true
}

// Count returns the number of records added.
func (a *Accumulator) Count() uint64 {
	return a.count
}

// CPUIDs returns the distinct CPU ids seen, ascending. Never nil.
func (a *Accumulator) CPUIDs() []uint32 {
	ids := make([]uint32, 0, len(a.perCPU))
	for id := range a.perCPU {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// PerCPU returns a copy of the per-CPU record counts.
func (a *Accumulator) PerCPU() map[uint32]uint64 {
	out := make(map[uint32]uint64, len(a.perCPU))
	for k, v := range a.perCPU {
		out[k] = v
	}
	return out
}

// Latency returns inter-arrival statistics.
func (a *Accumulator) Latency() LatencyStats {
	if a.gapN == 0 {
		return LatencyStats{}
	}
	return LatencyStats{
		Min:     float64(a.gapMin) / 1000,
		Max:     float64(a.gapMax) / 1000,
		Average: float64(a.gapSum) / float64(a.gapN) / 1000,
		Samples: a.gapN,
	}
}

// RetainedBytes estimates the memory the accumulator holds.
func (a *Accumulator) RetainedBytes() uint64 {
	const mapEntry = unsafe.Sizeof(uint32(0)) + unsafe.Sizeof(uint64(0))
	return uint64(unsafe.Sizeof(*a)) + uint64(len(a.perCPU))*uint64(mapEntry)
}
