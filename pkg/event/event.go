package event

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Size is the encoded size of a Record. It matches struct event in
// bpf/ringbuf_throughput.bpf.c: one u64 followed by four u32, no padding.
const Size = 24

// ErrShortBuffer is returned when a buffer cannot hold a whole Record.
var ErrShortBuffer = errors.New("event: buffer shorter than record size")

// Type classifies the probe that emitted a record.
type Type uint32

const (
	TypeKprobe     Type = 1
	TypeTracepoint Type = 2
	TypeUprobe     Type = 3
	TypeXDP        Type = 4
	TypeTC         Type = 5
)

func (t Type) String() string {
	switch t {
	case TypeKprobe:
		return "kprobe"
	case TypeTracepoint:
		return "tracepoint"
	case TypeUprobe:
		return "uprobe"
	case TypeXDP:
		return "xdp"
	case TypeTC:
		return "tc"
	default:
		return fmt.Sprintf("type:%d", uint32(t))
	}
}

// Record is the fixed-layout event exchanged across the transport.
type Record struct {
	Timestamp uint64 // monotonic ns at emission
	PID       uint32
	CPU       uint32
	EventType Type
	Data      uint32
}

// Put encodes r into b. It never allocates.
func Put(b []byte, r Record) error {
	if len(b) < Size {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint64(b[0:8], r.Timestamp)
	binary.LittleEndian.PutUint32(b[8:12], r.PID)
	binary.LittleEndian.PutUint32(b[12:16], r.CPU)
	binary.LittleEndian.PutUint32(b[16:20], uint32(r.EventType))
	binary.LittleEndian.PutUint32(b[20:24], r.Data)
	return nil
}

// DecodeFrom fills r from a raw sample without allocating.
func (r *Record) DecodeFrom(b []byte) error {
	if len(b) < Size {
		return fmt.Errorf("decode event (%d bytes): %w", len(b), ErrShortBuffer)
	}
	r.Timestamp = binary.LittleEndian.Uint64(b[0:8])
	r.PID = binary.LittleEndian.Uint32(b[8:12])
	r.CPU = binary.LittleEndian.Uint32(b[12:16])
	r.EventType = Type(binary.LittleEndian.Uint32(b[16:20]))
	r.Data = binary.LittleEndian.Uint32(b[20:24])
	return nil
}

// Decode returns the Record stored at the start of b.
func Decode(b []byte) (Record, error) {
	var r Record
	err := r.DecodeFrom(b)
	return r, err
}

func (r Record) String() string {
	return fmt.Sprintf("Event{Timestamp:%d, PID:%d, CPU:%d, Type:%s, Data:%d}",
		r.Timestamp, r.PID, r.CPU, r.EventType, r.Data)
}
