//go:build linux

package ebpf

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/btf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"

	"github.com/saworbit/ringbench/pkg/collector"
	"github.com/saworbit/ringbench/pkg/config"
	"github.com/saworbit/ringbench/pkg/counters"
	"github.com/saworbit/ringbench/pkg/event"
)

var (
	_ collector.Source           = (*kernelSource)(nil)
	_ collector.CapacityReporter = (*kernelSource)(nil)
	_ collector.ConsumedReporter = (*kernelSource)(nil)
)

// pastDeadline makes every ringbuf read non-blocking: records already
// committed are returned, an empty ring yields os.ErrDeadlineExceeded.
var pastDeadline = time.Unix(1, 0)

type kernelSource struct {
	target  AttachTarget
	logger  *zap.Logger
	objs    bpfObjects
	btfSpec *btf.Spec
	link    link.Link
	reader  *ringbuf.Reader

	rec      ringbuf.Record
	ev       event.Record
	consumed atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// NewSource loads the object at cfg.ProgramPath, attaches the program for
// cfg.Attach and returns a source draining its ring buffer. Every failure is
// an *AttachError.
func NewSource(cfg *config.EBPFConfig, logger *zap.Logger) (collector.Source, error) {
	if cfg == nil {
		return nil, fmt.Errorf("ebpf configuration is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	target, err := Target(cfg.Attach)
	if err != nil {
		return nil, &AttachError{Target: AttachTarget{Kind: cfg.Attach}, Err: err}
	}
	fail := func(err error) (collector.Source, error) {
		return nil, &AttachError{Target: target, Err: err}
	}

	if err := checkObjectFile(cfg.ProgramPath); err != nil {
		return fail(err)
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return fail(fmt.Errorf("remove memlock rlimit: %w", err))
	}

	s := &kernelSource{target: target, logger: logger}

	if loader := NewBTFLoader(cfg, logger); loader != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		spec, from, err := loader.LoadSpec(ctx)
		cancel()
		switch {
		case err == nil:
			s.btfSpec = spec
			logger.Debug("loaded BTF spec", zap.String("path", from))
		case errors.Is(err, errNoBTF):
			logger.Warn("no BTF spec found, relying on kernel defaults", zap.Error(err))
		default:
			return fail(fmt.Errorf("btf load failed: %w", err))
		}
	}

	if err := s.init(cfg.ProgramPath); err != nil {
		_ = s.Close()
		return fail(err)
	}

	logger.Info("eBPF program attached",
		zap.String("program", target.Program),
		zap.Stringer("target", target))
	return s, nil
}

func (s *kernelSource) init(path string) error {
	var opts ebpf.CollectionOptions
	if s.btfSpec != nil {
		opts.Programs = ebpf.ProgramOptions{KernelTypes: s.btfSpec}
	}

	if err := loadBpfObjects(path, &s.objs, &opts); err != nil {
		return err
	}

	prog := s.objs.program(s.target.Program)
	if prog == nil {
		return fmt.Errorf("object has no program %q", s.target.Program)
	}

	l, err := attach(s.target, prog)
	if err != nil {
		return err
	}
	s.link = l

	if s.objs.Events == nil {
		return fmt.Errorf("eBPF object missing %q map", MapEvents)
	}
	reader, err := ringbuf.NewReader(s.objs.Events)
	if err != nil {
		return fmt.Errorf("create ring buffer reader: %w", err)
	}
	reader.SetDeadline(pastDeadline)
	s.reader = reader
	return nil
}

func attach(t AttachTarget, prog *ebpf.Program) (link.Link, error) {
	var (
		l   link.Link
		err error
	)
	switch t.Kind {
	case "kprobe":
		l, err = link.Kprobe(t.Symbol, prog, nil)
	case "raw_tracepoint":
		l, err = link.AttachRawTracepoint(link.RawTracepointOptions{Name: t.Symbol, Program: prog})
	default:
		l, err = link.Tracepoint(t.Group, t.Symbol, prog, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", t, err)
	}
	return l, nil
}

// Poll implements collector.Source.
func (s *kernelSource) Poll(max int, fn func(event.Record)) (int, error) {
	n := 0
	for n < max {
		err := s.reader.ReadInto(&s.rec)
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("read ring buffer: %w", err)
		}
		if err := s.ev.DecodeFrom(s.rec.RawSample); err != nil {
			return n, fmt.Errorf("decode sample of %d bytes: %w", len(s.rec.RawSample), err)
		}
		s.consumed.Add(1)
		fn(s.ev)
		n++
	}
	return n, nil
}

// Consumed implements collector.ConsumedReporter. The counters map starts at
// zero when the object is loaded, so this and Committed share an origin.
func (s *kernelSource) Consumed() uint64 {
	return s.consumed.Load()
}

func (s *kernelSource) lookup(idx int) (uint64, error) {
	var v uint64
	if err := s.objs.Counters.Lookup(uint32(idx), &v); err != nil {
		return 0, fmt.Errorf("lookup counters[%d]: %w", idx, err)
	}
	return v, nil
}

// Committed implements collector.Source.
func (s *kernelSource) Committed() (uint64, error) {
	var total uint64
	for i := 0; i < counters.Size; i++ {
		if i == counters.IndexDrops {
			continue
		}
		v, err := s.lookup(i)
		if err != nil {
			return 0, err
		}
		total += v
	}
	return total, nil
}

// Drops implements collector.Source.
func (s *kernelSource) Drops() (uint64, error) {
	return s.lookup(counters.IndexDrops)
}

// Capacity implements collector.CapacityReporter with the ring map size.
func (s *kernelSource) Capacity() uint64 {
	if s.objs.Events == nil {
		return 0
	}
	return uint64(s.objs.Events.MaxEntries())
}

// Close detaches the program and frees kernel and user-space resources.
func (s *kernelSource) Close() error {
	s.closeOnce.Do(func() {
		if s.link != nil {
			if err := s.link.Close(); err != nil {
				s.closeErr = fmt.Errorf("detach %s: %w", s.target, err)
			}
		}
		if s.reader != nil {
			if err := s.reader.Close(); err != nil && s.closeErr == nil {
				s.closeErr = fmt.Errorf("close ring buffer reader: %w", err)
			}
		}
		if err := s.objs.Close(); err != nil {
			s.logger.Warn("object close error", zap.Error(err))
		}
	})
	return s.closeErr
}
