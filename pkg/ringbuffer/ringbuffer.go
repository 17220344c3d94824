// Package ringbuffer implements the userspace model of the BPF ring buffer: a
// byte-capacity-bounded arena with reserve/commit discipline on the producer
// side and a single FIFO reader on the consumer side.
//
// Slots are addressed by position (a monotonically increasing byte cursor
// masked into the arena), never by pointer. Each slot has a 32-bit header kept
// beside the data region so the full capacity is usable for payload:
//
//	0                      reserved or free, not visible to the consumer
//	committed|len          published record of len bytes
//	committed|discard|len  released without delivery (discard or wrap padding)
//
// The header store in Commit is the only publish point. The consumer clears
// the header before advancing its cursor, so a slot is never reserved while a
// stale header is still present.
package ringbuffer

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

const (
	// DefaultCapacity matches max_entries of the kernel ringbuf map.
	DefaultCapacity = 256 * 1024

	// DefaultStagingWindow is how long a head slot may stay Reserved before it
	// is reported as stuck.
	DefaultStagingWindow = 100 * time.Millisecond

	alignment     = 8
	minCapacity   = 16
	maxCapacity   = 1 << 29
	cacheLinePad  = 128
	flagCommitted = uint32(1) << 31
	flagDiscard   = uint32(1) << 30
	lenMask       = flagDiscard - 1
)

var (
	// ErrBufferFull is returned by Reserve when the arena lacks contiguous
	// space. The caller drops the event.
	ErrBufferFull = errors.New("ring buffer full")

	// ErrInvalidSize is returned for zero, negative or oversized reservations.
	ErrInvalidSize = errors.New("invalid reservation size")
)

// Option configures a RingBuffer.
type Option func(*RingBuffer)

// WithStagingWindow overrides DefaultStagingWindow.
func WithStagingWindow(d time.Duration) Option {
	return func(r *RingBuffer) {
		if d > 0 {
			r.stagingWindow = d
		}
	}
}

// WithClock replaces time.Now for stuck-slot detection.
func WithClock(now func() time.Time) Option {
	return func(r *RingBuffer) {
		if now != nil {
			r.now = now
		}
	}
}

// Handle refers to a reserved slot. It is valid until Commit or Discard.
type Handle struct {
	buf []byte
	off int
}

// Bytes returns the reserved slot. Its capacity is clamped to the reservation.
func (h Handle) Bytes() []byte {
	return h.buf
}

// Stats are cumulative transport counters.
type Stats struct {
	Reserved  uint64
	Committed uint64
	Discarded uint64
	Consumed  uint64
	Full      uint64
	Stuck     uint64
}

// RingBuffer is safe for concurrent producers and exactly one consumer.
type RingBuffer struct {
	data          []byte
	hdrs          []atomic.Uint32
	mask          uint64
	capacity      uint64
	stagingWindow time.Duration
	now           func() time.Time

	_       [cacheLinePad]byte
	prodPos atomic.Uint64
	_       [cacheLinePad]byte
	consPos atomic.Uint64
	_       [cacheLinePad]byte

	reserved  atomic.Uint64
	committed atomic.Uint64
	discarded atomic.Uint64
	consumed  atomic.Uint64
	full      atomic.Uint64
	stuck     atomic.Uint64

	// consumer-only
	stalling      bool
	stallPos      uint64
	stallSince    time.Time
	stallReported bool
}

// New allocates a ring buffer. Capacity must be a power of two between 16
// bytes and 512 MiB, so a record length never reaches the header flag bits.
func New(capacity int, opts ...Option) (*RingBuffer, error) {
	if capacity < minCapacity || capacity > maxCapacity || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("capacity %d must be a power of 2 in [%d, %d]", capacity, minCapacity, maxCapacity)
	}

	r := &RingBuffer{
		data:          make([]byte, capacity),
		hdrs:          make([]atomic.Uint32, capacity/alignment),
		mask:          uint64(capacity - 1),
		capacity:      uint64(capacity),
		stagingWindow: DefaultStagingWindow,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Reserve claims size contiguous bytes. It never blocks and never retries a
// reservation refused for lack of space; the CAS loop only resolves races
// between concurrent producers.
//
// A record that would straddle the end of the arena is placed at offset 0 and
// the tail is released as padding, so both must fit. Records larger than half
// the capacity can therefore be refused after the cursor has wrapped.
func (r *RingBuffer) Reserve(size int) (Handle, error) {
	if size <= 0 || uint64(size) > r.capacity || uint64(size) > uint64(lenMask) {
		return Handle{}, fmt.Errorf("reserve %d bytes: %w", size, ErrInvalidSize)
	}
	need := alignUp(uint64(size))

	for {
		prod := r.prodPos.Load()
		cons := r.consPos.Load()

		off := prod & r.mask
		var pad uint64
		if off+need > r.capacity {
			pad = r.capacity - off
		}

		if prod+pad+need-cons > r.capacity {
			r.full.Add(1)
			return Handle{}, ErrBufferFull
		}

		if !r.prodPos.CompareAndSwap(prod, prod+pad+need) {
			continue
		}

		if pad > 0 {
			r.hdrs[off/alignment].Store(flagCommitted | flagDiscard | uint32(pad))
		}

		start := int((prod + pad) & r.mask)
		r.reserved.Add(1)
		return Handle{
			buf: r.data[start : start+size : start+size],
			off: start,
		}, nil
	}
}

// Commit publishes the slot. After Commit the consumer observes the whole
// record or nothing.
func (r *RingBuffer) Commit(h Handle) {
	if len(h.buf) == 0 {
		return
	}
	r.hdrs[h.off/alignment].Store(flagCommitted | uint32(len(h.buf)))
	r.committed.Add(1)
}

// Discard releases a reserved slot without delivering it.
func (r *RingBuffer) Discard(h Handle) {
	if len(h.buf) == 0 {
		return
	}
	r.hdrs[h.off/alignment].Store(flagCommitted | flagDiscard | uint32(len(h.buf)))
	r.discarded.Add(1)
}

// TryConsume hands the oldest committed record to fn and frees its slot. It
// returns false when nothing is committed at the head, including when the head
// slot is still reserved by a producer. fn must not retain the slice.
//
// Only one goroutine may consume.
func (r *RingBuffer) TryConsume(fn func([]byte)) bool {
	for {
		cons := r.consPos.Load()
		if cons == r.prodPos.Load() {
			r.stalling = false
			return false
		}

		off := cons & r.mask
		idx := off / alignment
		hdr := r.hdrs[idx].Load()
		if hdr&flagCommitted == 0 {
			r.noteStall(cons)
			return false
		}
		r.stalling = false

		size := uint64(hdr & lenMask)
		deliver := hdr&flagDiscard == 0
		if deliver {
			fn(r.data[off : off+size])
		}

		r.hdrs[idx].Store(0)
		r.consPos.Store(cons + alignUp(size))

		if deliver {
			r.consumed.Add(1)
			return true
		}
	}
}

func (r *RingBuffer) noteStall(pos uint64) {
	now := r.now()
	if !r.stalling || r.stallPos != pos {
		r.stalling = true
		r.stallPos = pos
		r.stallSince = now
		r.stallReported = false
		return
	}
	if !r.stallReported && now.Sub(r.stallSince) >= r.stagingWindow {
		r.stallReported = true
		r.stuck.Add(1)
	}
}

// Len returns the bytes between the consumer and producer cursors, padding
// and in-flight reservations included.
func (r *RingBuffer) Len() int {
	return int(r.prodPos.Load() - r.consPos.Load())
}

// Cap returns the arena size in bytes.
func (r *RingBuffer) Cap() int {
	return int(r.capacity)
}

// Stats returns a snapshot of the cumulative counters.
func (r *RingBuffer) Stats() Stats {
	return Stats{
		Reserved:  r.reserved.Load(),
		Committed: r.committed.Load(),
		Discarded: r.discarded.Load(),
		Consumed:  r.consumed.Load(),
		Full:      r.full.Load(),
		Stuck:     r.stuck.Load(),
	}
}

func alignUp(n uint64) uint64 {
	return (n + alignment - 1) &^ (alignment - 1)
}
