package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Accepted values of BenchConfig.Source.
const (
	SourceSynthetic = "synthetic"
	SourceKernel    = "kernel"
)

// BenchConfig holds everything a run needs before flags are applied.
type BenchConfig struct {
	// Duration is the length of the measurement window.
	Duration time.Duration

	// Source selects the producer: "synthetic" drives the userspace ring
	// buffer, "kernel" attaches a BPF program.
	Source string

	// OutputPath is where the result JSON is written.
	OutputPath string

	// Verbose enables debug logging and the progress reporter.
	Verbose bool

	Transport TransportConfig
	Consumer  ConsumerConfig
	Driver    DriverConfig
	EBPF      EBPFConfig
	Metrics   MetricsConfig
	History   HistoryConfig
}

// TransportConfig sizes the userspace ring buffer.
type TransportConfig struct {
	CapacityBytes int
	StagingWindow time.Duration
}

// ConsumerConfig tunes the collector loop.
type ConsumerConfig struct {
	IdleBackoff      time.Duration
	MaxIdleBackoff   time.Duration
	BatchSize        int
	ProgressInterval time.Duration
}

// DriverConfig controls the synthetic producer.
type DriverConfig struct {
	Workers       int
	RatePerWorker float64
	PinCPUs       bool
}

// EBPFConfig captures settings for the kernel source.
type EBPFConfig struct {
	ProgramPath string
	// Attach is one of tracepoint, kprobe or raw_tracepoint.
	Attach string
	// BTFPath overrides kernel BTF discovery.
	BTFPath     string
	BTFCache    string
	BTFHubURL   string
	BTFDownload bool
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr string
}

// HistoryConfig controls the local run history.
type HistoryConfig struct {
	Dir   string
	Limit int
}

// DefaultConfig returns the default configuration
func DefaultConfig() *BenchConfig {
	return &BenchConfig{
		Duration:   10 * time.Second,
		Source:     SourceSynthetic,
		OutputPath: "ringbuf_result.json",
		Transport: TransportConfig{
			CapacityBytes: 256 * 1024,
			StagingWindow: 100 * time.Millisecond,
		},
		Consumer: ConsumerConfig{
			IdleBackoff:      50 * time.Microsecond,
			MaxIdleBackoff:   time.Millisecond,
			BatchSize:        4096,
			ProgressInterval: time.Second,
		},
		Driver: DriverConfig{},
		EBPF: EBPFConfig{
			Attach:    "tracepoint",
			BTFCache:  "/var/cache/ringbench/btf",
			BTFHubURL: "https://github.com/aquasecurity/btfhub-archive/raw/main",
		},
		History: HistoryConfig{
			Limit: 20,
		},
	}
}

// LoadFromEnv loads configuration from RINGBENCH_* environment variables.
// Unparseable values are ignored.
func LoadFromEnv() *BenchConfig {
	cfg := DefaultConfig()

	if v := os.Getenv("RINGBENCH_DURATION"); v != "" {
		if d, ok := parseSeconds(v); ok {
			cfg.Duration = d
		}
	}
	if v := os.Getenv("RINGBENCH_SOURCE"); v != "" {
		cfg.Source = strings.ToLower(v)
	}
	if v := os.Getenv("RINGBENCH_OUTPUT"); v != "" {
		cfg.OutputPath = v
	}
	if v := os.Getenv("RINGBENCH_VERBOSE"); v != "" {
		cfg.Verbose = parseBool(v)
	}

	if v := os.Getenv("RINGBENCH_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Transport.CapacityBytes = n
		}
	}
	if v := os.Getenv("RINGBENCH_STAGING_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Transport.StagingWindow = d
		}
	}

	if v := os.Getenv("RINGBENCH_IDLE_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Consumer.IdleBackoff = d
		}
	}
	if v := os.Getenv("RINGBENCH_MAX_IDLE_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Consumer.MaxIdleBackoff = d
		}
	}
	if v := os.Getenv("RINGBENCH_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Consumer.BatchSize = n
		}
	}
	if v := os.Getenv("RINGBENCH_PROGRESS_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Consumer.ProgressInterval = d
		}
	}

	if v := os.Getenv("RINGBENCH_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Driver.Workers = n
		}
	}
	if v := os.Getenv("RINGBENCH_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Driver.RatePerWorker = f
		}
	}
	if v := os.Getenv("RINGBENCH_PIN_CPUS"); v != "" {
		cfg.Driver.PinCPUs = parseBool(v)
	}

	cfg.EBPF = loadEBPFConfigFromEnv(cfg.EBPF)

	if v := os.Getenv("RINGBENCH_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("RINGBENCH_HISTORY_DIR"); v != "" {
		cfg.History.Dir = v
	}
	if v := os.Getenv("RINGBENCH_HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.History.Limit = n
		}
	}

	return cfg
}

func loadEBPFConfigFromEnv(cfg EBPFConfig) EBPFConfig {
	if v := os.Getenv("RINGBENCH_EBPF_PROGRAM"); v != "" {
		cfg.ProgramPath = v
	}
	if v := os.Getenv("RINGBENCH_EBPF_ATTACH"); v != "" {
		cfg.Attach = strings.ToLower(v)
	}
	if v := os.Getenv("RINGBENCH_BTF_PATH"); v != "" {
		cfg.BTFPath = v
	}
	if v := os.Getenv("RINGBENCH_BTF_CACHE"); v != "" {
		cfg.BTFCache = v
	}
	if v := os.Getenv("RINGBENCH_BTFHUB_URL"); v != "" {
		cfg.BTFHubURL = v
	}
	if v := os.Getenv("RINGBENCH_BTF_DOWNLOAD"); v != "" {
		cfg.BTFDownload = parseBool(v)
	}
	return cfg
}

// Validate checks if the configuration is valid
func (c *BenchConfig) Validate() error {
	if c.Duration < 0 {
		return fmt.Errorf("duration must be >= 0, got: %s", c.Duration)
	}

	if c.Source != SourceSynthetic && c.Source != SourceKernel {
		return fmt.Errorf("invalid source: %s (must be '%s' or '%s')", c.Source, SourceSynthetic, SourceKernel)
	}

	if c.OutputPath == "" {
		return fmt.Errorf("output path must not be empty")
	}

	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport config invalid: %w", err)
	}
	if err := c.Consumer.Validate(); err != nil {
		return fmt.Errorf("consumer config invalid: %w", err)
	}

	if c.Driver.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got: %d", c.Driver.Workers)
	}
	if c.Driver.RatePerWorker < 0 {
		return fmt.Errorf("rate must be >= 0, got: %v", c.Driver.RatePerWorker)
	}

	if c.Source == SourceKernel {
		if err := c.EBPF.Validate(); err != nil {
			return fmt.Errorf("ebpf config invalid: %w", err)
		}
	}

	if c.History.Limit <= 0 {
		return fmt.Errorf("history limit must be positive, got: %d", c.History.Limit)
	}

	return nil
}

// Validate ensures the capacity is one the ring buffer accepts.
func (c TransportConfig) Validate() error {
	n := c.CapacityBytes
	if n < 16 || n > 1<<29 {
		return fmt.Errorf("capacity must be between 16 bytes and 512 MiB, got: %d", n)
	}
	if n&(n-1) != 0 {
		return fmt.Errorf("capacity must be a power of two, got: %d", n)
	}
	if c.StagingWindow <= 0 {
		return fmt.Errorf("staging window must be > 0")
	}
	return nil
}

// Validate checks the collector timings.
func (c ConsumerConfig) Validate() error {
	if c.IdleBackoff <= 0 {
		return fmt.Errorf("idle backoff must be > 0")
	}
	if c.MaxIdleBackoff < c.IdleBackoff {
		return fmt.Errorf("max idle backoff %s is below idle backoff %s", c.MaxIdleBackoff, c.IdleBackoff)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.ProgressInterval < 0 {
		return fmt.Errorf("progress interval must be >= 0")
	}
	return nil
}

// Validate ensures the kernel source settings are usable.
func (c EBPFConfig) Validate() error {
	switch c.Attach {
	case "tracepoint", "kprobe", "raw_tracepoint":
	default:
		return fmt.Errorf("invalid attach type: %s", c.Attach)
	}
	if c.ProgramPath == "" {
		return fmt.Errorf("program path is required for the kernel source")
	}
	return nil
}

// parseSeconds accepts either a Go duration or a bare number of seconds.
func parseSeconds(v string) (time.Duration, bool) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(n * float64(time.Second)), true
	}
	return 0, false
}

func parseBool(v string) bool {
	return v == "1" || v == "true" || v == "TRUE"
}
