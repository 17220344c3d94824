package metrics

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "ringbench"

var (
	// Registry is a dedicated Prometheus registry for all ringbench metrics.
	Registry = prometheus.NewRegistry()

	// EventsConsumed counts records drained by the collector.
	EventsConsumed = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_consumed_total",
			Help:      "Records drained from the transport by the collector",
		},
	)

	// EventsDropped counts reservations refused with BufferFull, read from the
	// Counter Table when a run closes.
	EventsDropped = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped by the producer because the transport was full",
		},
	)

	// Commits counts producer commits, read from the Counter Table.
	Commits = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Records committed by the producer",
		},
	)

	// StuckReservations counts head slots left reserved past the staging window.
	StuckReservations = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stuck_reservations_total",
			Help:      "Reservations not committed within the staging window",
		},
	)

	// IdlePolls counts empty polls followed by a backoff sleep.
	IdlePolls = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idle_backoffs_total",
			Help:      "Empty transport polls that triggered an idle backoff",
		},
	)

	// Throughput is the throughput of the last completed run.
	Throughput = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "throughput_events_per_second",
			Help:      "Consumed events per second of the last measurement window",
		},
	)

	// RunDuration measures measurement windows.
	RunDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Length of measurement windows in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	// RunsTotal counts runs by outcome.
	RunsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed benchmark runs",
		},
		[]string{"outcome"}, // ok | mismatch | error
	)

	// AgentInfo exposes static information about the harness.
	AgentInfo = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Static information about the benchmark harness",
		},
		[]string{"os", "arch", "version", "source"},
	)

	// Up is a liveness gauge.
	Up = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "up",
			Help:      "1 while the harness is running",
		},
	)
)

func init() {
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	Registry.MustRegister(prometheus.NewGoCollector())
	Up.Set(1)
}

// SetAgentInfo publishes the info metric.
func SetAgentInfo(version, source string) {
	if version == "" {
		version = "dev"
	}
	if source == "" {
		source = "unknown"
	}
	AgentInfo.WithLabelValues(runtime.GOOS, runtime.GOARCH, version, source).Set(1)
}

// ObserveConsumed adds n drained records.
func ObserveConsumed(n int) {
	if n <= 0 {
		return
	}
	EventsConsumed.Add(float64(n))
}

// ObserveIdlePoll records one backoff sleep.
func ObserveIdlePoll() {
	IdlePolls.Inc()
}

// RunSummary is what ObserveRun needs from a closed window.
type RunSummary struct {
	Elapsed    time.Duration
	Throughput float64
	Commits    uint64
	Drops      uint64
	Stuck      uint64
	Outcome    string
}

// ObserveRun publishes the totals of a closed window.
func ObserveRun(s RunSummary) {
	RunDuration.Observe(s.Elapsed.Seconds())
	Throughput.Set(s.Throughput)
	Commits.Add(float64(s.Commits))
	EventsDropped.Add(float64(s.Drops))
	StuckReservations.Add(float64(s.Stuck))
	if s.Outcome == "" {
		s.Outcome = "ok"
	}
	RunsTotal.WithLabelValues(s.Outcome).Inc()
}

// SetUp toggles the liveness gauge.
func SetUp(healthy bool) {
	if healthy {
		Up.Set(1)
		return
	}
	Up.Set(0)
}

// Serve exposes /metrics on addr until ctx ends.
func Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	idleClosed := make(chan struct{})
	go func() {
		defer close(idleClosed)
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	logger.Info("prometheus endpoint listening", zap.String("addr", addr))
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-idleClosed
		return nil
	}

	return err
}
