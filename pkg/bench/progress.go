package bench

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saworbit/ringbench/pkg/event"
)

// DefaultProgressAlpha weights the newest interval in the rate EMA.
const DefaultProgressAlpha = 0.3

// RateEMA smooths per-interval consumption rates.
type RateEMA struct {
	alpha float64
	value float64
	seen  bool
}

// NewRateEMA returns an EMA with the given weight in (0, 1].
func NewRateEMA(alpha float64) *RateEMA {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultProgressAlpha
	}
	return &RateEMA{alpha: alpha}
}

// Observe folds delta events over dt into the average and returns the
// interval's raw rate.
func (e *RateEMA) Observe(delta uint64, dt time.Duration) float64 {
	if dt <= 0 {
		return 0
	}
	rate := float64(delta) / dt.Seconds()
	if !e.seen {
		e.value = rate
		e.seen = true
		return rate
	}
	e.value = e.alpha*rate + (1-e.alpha)*e.value
	return rate
}

// Value returns the current average.
func (e *RateEMA) Value() float64 {
	return e.value
}

// progressSink counts records for the progress logger while forwarding them
// to the accumulator. The count is the only state shared with the logger.
type progressSink struct {
	next interface{ Add(event.Record) }
	seen atomic.Uint64
}

func (p *progressSink) Add(r event.Record) {
	p.next.Add(r)
	p.seen.Add(1)
}

func (p *progressSink) run(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ema := NewRateEMA(DefaultProgressAlpha)
	var last uint64
	lastAt := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cur := p.seen.Load()
			rate := ema.Observe(cur-last, now.Sub(lastAt))
			last, lastAt = cur, now
			logger.Info("progress",
				zap.Uint64("consumed", cur),
				zap.Float64("rate", rate),
				zap.Float64("rate_ema", ema.Value()))
		}
	}
}
