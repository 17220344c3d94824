package collector

import (
	"fmt"

	"github.com/saworbit/ringbench/pkg/counters"
	"github.com/saworbit/ringbench/pkg/event"
	"github.com/saworbit/ringbench/pkg/ringbuffer"
)

// Source is a drainable transport plus its Counter Table.
type Source interface {
	// Poll hands up to max committed records to fn in FIFO order without
	// waiting for new ones. It returns how many were delivered.
	Poll(max int, fn func(event.Record)) (int, error)
	// Committed is the producer-side commit total from the Counter Table.
	Committed() (uint64, error)
	// Drops is the producer-side BufferFull total from the Counter Table.
	Drops() (uint64, error)
	Close() error
}

// StuckReporter is implemented by sources that can see reservations that
// were never committed.
type StuckReporter interface {
	StuckReservations() uint64
}

// ConsumedReporter is implemented by sources that count every record they
// have delivered since they were created. With it the runner can account for
// records committed before the window opened but drained inside it.
type ConsumedReporter interface {
	Consumed() uint64
}

// CapacityReporter is implemented by sources with a fixed-size transport.
type CapacityReporter interface {
	Capacity() uint64
}

// RingSource drains the userspace ring buffer.
type RingSource struct {
	rb    *ringbuffer.RingBuffer
	table *counters.Table

	rec     event.Record
	err     error
	consume func([]byte)
}

var (
	_ Source           = (*RingSource)(nil)
	_ StuckReporter    = (*RingSource)(nil)
	_ CapacityReporter = (*RingSource)(nil)
	_ ConsumedReporter = (*RingSource)(nil)
)

// NewRingSource binds the consumer side of rb.
func NewRingSource(rb *ringbuffer.RingBuffer, table *counters.Table) *RingSource {
	s := &RingSource{rb: rb, table: table}
	s.consume = s.decode
	return s
}

func (s *RingSource) decode(b []byte) {
	s.err = s.rec.DecodeFrom(b)
}

// Poll implements Source.
func (s *RingSource) Poll(max int, fn func(event.Record)) (int, error) {
	n := 0
	for n < max && s.rb.TryConsume(s.consume) {
		if s.err != nil {
			err := s.err
			s.err = nil
			return n, fmt.Errorf("ring source: %w", err)
		}
		fn(s.rec)
		n++
	}
	return n, nil
}

// Committed implements Source.
func (s *RingSource) Committed() (uint64, error) {
	return s.table.Commits(), nil
}

// Drops implements Source.
func (s *RingSource) Drops() (uint64, error) {
	return s.table.Load(counters.IndexDrops)
}

// Consumed implements ConsumedReporter.
func (s *RingSource) Consumed() uint64 {
	return s.rb.Stats().Consumed
}

// StuckReservations implements StuckReporter.
func (s *RingSource) StuckReservations() uint64 {
	return s.rb.Stats().Stuck
}

// Capacity implements CapacityReporter.
func (s *RingSource) Capacity() uint64 {
	return uint64(s.rb.Cap())
}

// Close implements Source. The ring buffer is garbage collected.
func (s *RingSource) Close() error {
	return nil
}
