// Package collector drains a transport for the length of a measurement
// window.
package collector

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/saworbit/ringbench/internal/metrics"
	"github.com/saworbit/ringbench/pkg/event"
)

const (
	DefaultIdleBackoff    = 50 * time.Microsecond
	DefaultMaxIdleBackoff = time.Millisecond
	DefaultBatchSize      = 4096
)

// Sink receives every consumed record.
type Sink interface {
	Add(event.Record)
}

// Config tunes polling.
type Config struct {
	IdleBackoff    time.Duration
	MaxIdleBackoff time.Duration
	BatchSize      int
}

func (c Config) withDefaults() Config {
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = DefaultIdleBackoff
	}
	if c.MaxIdleBackoff < c.IdleBackoff {
		c.MaxIdleBackoff = DefaultMaxIdleBackoff
		if c.MaxIdleBackoff < c.IdleBackoff {
			c.MaxIdleBackoff = c.IdleBackoff
		}
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}

// Stats describe one Run.
type Stats struct {
	Consumed  uint64
	Polls     uint64
	IdlePolls uint64
}

// Collector is the single reader of a Source.
type Collector struct {
	src    Source
	sink   Sink
	cfg    Config
	logger *zap.Logger
	add    func(event.Record)
	stats  Stats
}

// New returns a collector feeding sink from src.
func New(src Source, sink Sink, cfg Config, logger *zap.Logger) (*Collector, error) {
	if src == nil || sink == nil {
		return nil, fmt.Errorf("collector requires a source and a sink")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		src:    src,
		sink:   sink,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
	c.add = sink.Add
	return c, nil
}

// Run polls until deadline. Empty polls back off from IdleBackoff, doubling
// up to MaxIdleBackoff, and never sleep past the deadline. The deadline is
// checked once per iteration; a drain in progress is not interrupted.
//
// Run returns nil when the deadline passes and ctx.Err() when ctx ends first.
func (c *Collector) Run(ctx context.Context, deadline time.Time) error {
	backoff := c.cfg.IdleBackoff
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}

		n, err := c.src.Poll(c.cfg.BatchSize, c.add)
		c.stats.Polls++
		c.stats.Consumed += uint64(n)
		if n > 0 {
			metrics.ObserveConsumed(n)
		}
		if err != nil {
			return fmt.Errorf("poll transport: %w", err)
		}
		if n > 0 {
			backoff = c.cfg.IdleBackoff
			continue
		}

		c.stats.IdlePolls++
		metrics.ObserveIdlePoll()

		wait := backoff
		if wait > remaining {
			wait = remaining
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if backoff < c.cfg.MaxIdleBackoff {
			backoff *= 2
			if backoff > c.cfg.MaxIdleBackoff {
				backoff = c.cfg.MaxIdleBackoff
			}
		}
	}
}

// Stats returns counters for the runs so far.
func (c *Collector) Stats() Stats {
	return c.stats
}
