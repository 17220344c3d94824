// Package counters holds the Counter Table shared by producers and the
// reporter: a fixed array of monotonically increasing 64-bit counters.
package counters

import (
	"fmt"
	"sync/atomic"
)

// Size matches max_entries of the kernel "counters" array map.
const Size = 10

// Fixed indices. Commit indices follow the attach point that produced the
// event; IndexDrops counts reservations refused with BufferFull.
const (
	IndexKprobe        = 0
	IndexTracepoint    = 1
	IndexRawTracepoint = 2
	IndexDrops         = 9
)

// Table is safe for concurrent increments from any number of producers.
// There is no ordering guarantee between different indices.
type Table struct {
	counts [Size]atomic.Uint64
}

// NewTable returns a zeroed table.
func NewTable() *Table {
	return &Table{}
}

// Inc increments the counter at idx. Out of range indices are ignored so the
// producer path never fails.
func (t *Table) Inc(idx int) {
	if idx < 0 || idx >= Size {
		return
	}
	t.counts[idx].Add(1)
}

// Load returns the current value at idx.
func (t *Table) Load(idx int) (uint64, error) {
	if idx < 0 || idx >= Size {
		return 0, fmt.Errorf("counter index %d out of range [0,%d)", idx, Size)
	}
	return t.counts[idx].Load(), nil
}

// Commits sums the commit indices (everything except IndexDrops).
func (t *Table) Commits() uint64 {
	var total uint64
	for i := range t.counts {
		if i == IndexDrops {
			continue
		}
		total += t.counts[i].Load()
	}
	return total
}

// Snapshot copies every counter. Values are read one by one, not as a
// consistent cut.
func (t *Table) Snapshot() [Size]uint64 {
	var out [Size]uint64
	for i := range t.counts {
		out[i] = t.counts[i].Load()
	}
	return out
}
