// Package bench owns the measurement window: it runs the collector for a
// fixed wall-clock duration and derives the immutable Result.
package bench

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saworbit/ringbench/internal/metrics"
	"github.com/saworbit/ringbench/pkg/collector"
)

// ErrWindowOpen is returned by Result before Run has closed the window.
var ErrWindowOpen = errors.New("measurement window has not closed")

// Producer is a driver the runner starts when the window opens and stops
// when it closes. Kernel probes are attached before the run and need none.
type Producer interface {
	Start(ctx context.Context)
	Wait()
}

// Config describes one run.
type Config struct {
	Name          string
	Language      string
	ProgramType   string
	DataMechanism string
	// Source labels the producer in diagnostics, e.g. synthetic or kernel.
	Source string

	Duration         time.Duration
	Collector        collector.Config
	ProgressInterval time.Duration

	// TransportBytes is the fixed size of the transport, counted in the
	// memory usage estimate.
	TransportBytes uint64
}

// DefaultConfig returns the standard benchmark identity.
func DefaultConfig() Config {
	return Config{
		Name:          "Ring Buffer Throughput",
		Language:      "Go",
		ProgramType:   "tracepoint",
		DataMechanism: "ring_buffer",
		Duration:      10 * time.Second,
	}
}

type processUsage struct {
	CPUSeconds float64
	RSSBytes   uint64
}

// window is everything measured; Result is a pure function of it.
type window struct {
	start, end  time.Time
	consumed    uint64
	cpuIDs      []uint32
	perCPU      map[uint32]uint64
	latency     LatencyStats
	retained    uint64
	committed   uint64
	drops       uint64
	stuck       uint64
	usage       [2]processUsage
	usageOK     bool
	interrupted bool
}

// Runner measures a single window. It is not reusable.
type Runner struct {
	cfg      Config
	src      collector.Source
	producer Producer
	logger   *zap.Logger
	sample   func() (processUsage, error)
	now      func() time.Time

	mu     sync.Mutex
	ran    bool
	closed *window
}

// NewRunner binds a source and an optional producer.
func NewRunner(cfg Config, src collector.Source, producer Producer, logger *zap.Logger) (*Runner, error) {
	if src == nil {
		return nil, fmt.Errorf("runner requires a source")
	}
	if cfg.Duration < 0 {
		return nil, fmt.Errorf("duration must be >= 0, got %s", cfg.Duration)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:      cfg,
		src:      src,
		producer: producer,
		logger:   logger,
		sample:   sampleProcess,
		now:      time.Now,
	}, nil
}

// Run opens the window, drains the source until Duration has elapsed, closes
// the window and returns the derived Result. Cancelling ctx closes the window
// early; the result is still produced and carries an error string.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	r.mu.Lock()
	if r.ran {
		r.mu.Unlock()
		return nil, fmt.Errorf("runner already used")
	}
	r.ran = true
	r.mu.Unlock()

	acc := NewAccumulator()
	sink := &progressSink{next: acc}
	col, err := collector.New(r.src, sink, r.cfg.Collector, r.logger)
	if err != nil {
		return nil, err
	}

	baseCommitted, err := r.src.Committed()
	if err != nil {
		return nil, fmt.Errorf("read commit counter: %w", err)
	}
	baseDrops, err := r.src.Drops()
	if err != nil {
		return nil, fmt.Errorf("read drop counter: %w", err)
	}
	// Records committed but still queued at the open belong to this window,
	// so commits are measured from the last consumed record when the source
	// counts its deliveries.
	cr, countsConsumed := r.src.(collector.ConsumedReporter)
	var consumedBefore uint64
	if countsConsumed {
		consumedBefore = cr.Consumed()
	}
	sr, reportsStuck := r.src.(collector.StuckReporter)
	var baseStuck uint64
	if reportsStuck {
		baseStuck = sr.StuckReservations()
	}

	w := &window{}
	usageStart, usageErr := r.sample()

	w.start = r.now()
	deadline := w.start.Add(r.cfg.Duration)
	r.logger.Debug("window opened", zap.Time("deadline", deadline), zap.Duration("duration", r.cfg.Duration))

	prodCtx, stopProducer := context.WithDeadline(ctx, deadline)
	defer stopProducer()
	if r.producer != nil && r.cfg.Duration > 0 {
		r.producer.Start(prodCtx)
	}

	progCtx, stopProgress := context.WithCancel(ctx)
	if r.cfg.ProgressInterval > 0 {
		go sink.run(progCtx, r.cfg.ProgressInterval, r.logger)
	}

	runErr := col.Run(ctx, deadline)
	w.end = r.now()
	stopProgress()
	stopProducer()
	if r.producer != nil {
		r.producer.Wait()
	}

	if runErr != nil {
		if !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
			metrics.RunsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("collect: %w", runErr)
		}
		w.interrupted = true
		r.logger.Warn("window closed early", zap.Error(runErr))
	}

	committed, err := r.src.Committed()
	if err != nil {
		return nil, fmt.Errorf("read commit counter: %w", err)
	}
	drops, err := r.src.Drops()
	if err != nil {
		return nil, fmt.Errorf("read drop counter: %w", err)
	}
	switch {
	case !countsConsumed:
		w.committed = committed - baseCommitted
	case committed > consumedBefore:
		w.committed = committed - consumedBefore
	}
	w.drops = drops - baseDrops
	if reportsStuck {
		w.stuck = sr.StuckReservations() - baseStuck
	}

	usageEnd, endErr := r.sample()
	if usageErr == nil && endErr == nil {
		w.usage = [2]processUsage{usageStart, usageEnd}
		w.usageOK = true
	} else {
		r.logger.Debug("process sampling unavailable", zap.NamedError("start", usageErr), zap.NamedError("end", endErr))
	}

	w.consumed = acc.Count()
	w.cpuIDs = acc.CPUIDs()
	w.perCPU = acc.PerCPU()
	w.latency = acc.Latency()
	w.retained = acc.RetainedBytes()

	r.mu.Lock()
	r.closed = w
	r.mu.Unlock()

	res, err := r.Result()
	if err != nil {
		return nil, err
	}

	outcome := "ok"
	if res.HasErrors() {
		outcome = "mismatch"
	}
	metrics.ObserveRun(metrics.RunSummary{
		Elapsed:    w.end.Sub(w.start),
		Throughput: res.Throughput,
		Commits:    w.committed,
		Drops:      w.drops,
		Stuck:      w.stuck,
		Outcome:    outcome,
	})

	r.logger.Info("window closed",
		zap.Uint64("consumed", w.consumed),
		zap.Uint64("committed", w.committed),
		zap.Uint64("dropped", w.drops),
		zap.Float64("throughput", res.Throughput))

	return res, nil
}

// Result derives the summary from the closed window. Every call returns an
// equal value; nothing is re-measured.
func (r *Runner) Result() (*Result, error) {
	r.mu.Lock()
	w := r.closed
	r.mu.Unlock()
	if w == nil {
		return nil, ErrWindowOpen
	}
	return derive(r.cfg, w), nil
}

func derive(cfg Config, w *window) *Result {
	elapsed := w.end.Sub(w.start).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}

	var throughput float64
	if elapsed > 0 {
		throughput = float64(w.consumed) / elapsed
	}

	var cpuUsage float64
	if w.usageOK && elapsed > 0 {
		cpuUsage = (w.usage[1].CPUSeconds - w.usage[0].CPUSeconds) / elapsed * 100
		if cpuUsage < 0 {
			cpuUsage = 0
		}
	}

	errs := []string{}
	if w.interrupted {
		errs = append(errs, fmt.Sprintf("window interrupted after %.3fs of %.3fs", elapsed, cfg.Duration.Seconds()))
	}
	if w.committed != w.consumed {
		errs = append(errs, fmt.Sprintf("counter mismatch: committed=%d consumed=%d", w.committed, w.consumed))
	}

	cpuIDs := make([]uint32, len(w.cpuIDs))
	copy(cpuIDs, w.cpuIDs)

	perCPU := make(map[uint32]uint64, len(w.perCPU))
	for k, v := range w.perCPU {
		perCPU[k] = v
	}

	var rss uint64
	if w.usageOK {
		rss = w.usage[1].RSSBytes
	}

	return &Result{
		Name:          cfg.Name,
		Language:      cfg.Language,
		ProgramType:   cfg.ProgramType,
		DataMechanism: cfg.DataMechanism,
		Duration:      elapsed,
		EventCount:    int64(w.consumed),
		Throughput:    throughput,
		CPUUsage:      cpuUsage,
		MemoryUsage:   cfg.TransportBytes + w.retained,
		StartTime:     w.start.Local().Format(TimeLayout),
		EndTime:       w.end.Local().Format(TimeLayout),
		CPUIDs:        cpuIDs,
		Errors:        errs,
		Diagnostics: Diagnostics{
			Source:    cfg.Source,
			Committed: w.committed,
			Drops:     w.drops,
			Stuck:     w.stuck,
			RSSBytes:  rss,
			PerCPU:    perCPU,
			Latency:   w.latency,
		},
	}
}
