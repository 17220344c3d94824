package probe

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var processStart = time.Now()

func fallbackNanos() uint64 {
	return uint64(time.Since(processStart))
}

// DriverConfig controls how the trace point is simulated.
type DriverConfig struct {
	// Workers is the number of logical CPUs firing the trace point.
	Workers int
	// RatePerWorker caps firings per second per worker. Zero means unthrottled.
	RatePerWorker float64
	// PinCPUs binds worker i to CPU i%NumCPU and tags its records with that
	// CPU.
	PinCPUs bool
}

// Driver stands in for the kernel: it invokes Probe.Fire from several
// goroutines, one per logical CPU, until its context ends.
type Driver struct {
	probe  *Probe
	cfg    DriverConfig
	logger *zap.Logger
	pid    uint32

	fired   atomic.Uint64
	dropped atomic.Uint64

	wg sync.WaitGroup
}

// NewDriver validates cfg and returns a stopped driver.
func NewDriver(p *Probe, cfg DriverConfig, logger *zap.Logger) (*Driver, error) {
	if p == nil {
		return nil, fmt.Errorf("driver requires a probe")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.RatePerWorker < 0 {
		return nil, fmt.Errorf("rate per worker must be >= 0, got %v", cfg.RatePerWorker)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		probe:  p,
		cfg:    cfg,
		logger: logger,
		pid:    uint32(os.Getpid()),
	}, nil
}

// Start launches the workers. They stop when ctx is cancelled; call Wait to
// join them.
func (d *Driver) Start(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	var stop atomic.Bool
	go func() {
		<-ctx.Done()
		stop.Store(true)
	}()

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, uint32(i), &stop)
	}
}

// Wait blocks until every worker has returned.
func (d *Driver) Wait() {
	d.wg.Wait()
}

// Fired reports how many firings were attempted.
func (d *Driver) Fired() uint64 { return d.fired.Load() }

// Dropped reports how many firings hit a full buffer.
func (d *Driver) Dropped() uint64 { return d.dropped.Load() }

// workerCPU is the CPU id worker i stamps on its records. Pinned workers
// share the real CPUs, so their ids never exceed NumCPU-1.
func (d *Driver) workerCPU(i uint32) uint32 {
	if d.cfg.PinCPUs {
		return i % uint32(runtime.NumCPU())
	}
	return i
}

func (d *Driver) worker(ctx context.Context, worker uint32, stop *atomic.Bool) {
	defer d.wg.Done()

	cpu := d.workerCPU(worker)
	if d.cfg.PinCPUs {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := pinToCPU(int(cpu)); err != nil {
			d.logger.Warn("cpu pinning failed", zap.Uint32("worker", worker), zap.Uint32("cpu", cpu), zap.Error(err))
		}
	}

	var limiter *rate.Limiter
	if d.cfg.RatePerWorker > 0 {
		burst := int(d.cfg.RatePerWorker / 100)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(d.cfg.RatePerWorker), burst)
	}

	var seq uint32
	for !stop.Load() {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		d.fired.Add(1)
		if !d.probe.Fire(TraceContext{
			Timestamp: monotonicNanos(),
			PID:       d.pid,
			CPU:       cpu,
			Data:      seq,
		}) {
			d.dropped.Add(1)
			// A full buffer is steady state; yield so the consumer can run on
			// small machines.
			runtime.Gosched()
		}
		seq++
	}
}
