package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/saworbit/ringbench/internal/metrics"
	"github.com/saworbit/ringbench/internal/version"
	"github.com/saworbit/ringbench/pkg/bench"
	"github.com/saworbit/ringbench/pkg/collector"
	"github.com/saworbit/ringbench/pkg/config"
	"github.com/saworbit/ringbench/pkg/counters"
	"github.com/saworbit/ringbench/pkg/ebpf"
	"github.com/saworbit/ringbench/pkg/probe"
	"github.com/saworbit/ringbench/pkg/results"
	"github.com/saworbit/ringbench/pkg/ringbuffer"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps failures to distinct statuses so scripts can tell an attach
// failure from a result that could not be written. Error strings inside a
// result are diagnostics and do not change the status.
func exitCode(err error) int {
	var attachErr *ebpf.AttachError
	var persistErr *results.PersistError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &attachErr):
		return 3
	case errors.As(err, &persistErr):
		return 4
	default:
		return 1
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ringbench",
		Short:         "ringbench - eBPF ring buffer throughput benchmark",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd(), newReportCmd(), newHistoryCmd())
	return root
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newRunCmd() *cobra.Command {
	cfg := config.LoadFromEnv()
	seconds := cfg.Duration.Seconds()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Measure ring buffer throughput for a fixed duration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Duration = time.Duration(seconds * float64(time.Second))
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger, err := newLogger(cfg.Verbose)
			if err != nil {
				return fmt.Errorf("create logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runBenchmark(ctx, cfg, cmd.OutOrStdout(), logger)
		},
	}

	f := cmd.Flags()
	f.Float64VarP(&seconds, "duration", "d", seconds, "Benchmark duration in seconds")
	f.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Verbose output")
	f.StringVarP(&cfg.OutputPath, "output", "o", cfg.OutputPath, "Output file for results")
	f.StringVar(&cfg.Source, "source", cfg.Source, "Event source: synthetic or kernel")
	f.IntVar(&cfg.Transport.CapacityBytes, "capacity", cfg.Transport.CapacityBytes, "Ring buffer capacity in bytes (power of two)")
	f.IntVar(&cfg.Driver.Workers, "workers", cfg.Driver.Workers, "Synthetic producer workers (0 = one per CPU)")
	f.Float64Var(&cfg.Driver.RatePerWorker, "rate", cfg.Driver.RatePerWorker, "Events per second per worker (0 = unthrottled)")
	f.BoolVar(&cfg.Driver.PinCPUs, "pin", cfg.Driver.PinCPUs, "Pin synthetic workers to CPUs")
	f.StringVar(&cfg.EBPF.Attach, "attach", cfg.EBPF.Attach, "Attach point: tracepoint, kprobe or raw_tracepoint")
	f.StringVar(&cfg.EBPF.ProgramPath, "program", cfg.EBPF.ProgramPath, "Compiled eBPF object for the kernel source")
	f.StringVar(&cfg.EBPF.BTFPath, "btf", cfg.EBPF.BTFPath, "Kernel BTF file (default: discover)")
	f.BoolVar(&cfg.EBPF.BTFDownload, "btf-download", cfg.EBPF.BTFDownload, "Download BTF from BTFHub when the kernel has none")
	f.StringVar(&cfg.Metrics.Addr, "metrics-addr", cfg.Metrics.Addr, "Serve Prometheus metrics on this address")
	f.StringVar(&cfg.History.Dir, "history", cfg.History.Dir, "Record the run in this history directory")
	return cmd
}

func runBenchmark(ctx context.Context, cfg *config.BenchConfig, out io.Writer, logger *zap.Logger) error {
	metrics.SetAgentInfo(version.Version, cfg.Source)

	if cfg.Metrics.Addr != "" {
		metricsCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			if err := metrics.Serve(metricsCtx, cfg.Metrics.Addr, logger); err != nil {
				logger.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	src, producer, err := buildSource(cfg, logger)
	if err != nil {
		metrics.RunsTotal.WithLabelValues("error").Inc()
		return err
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Warn("close source", zap.Error(err))
		}
	}()

	bcfg := bench.DefaultConfig()
	bcfg.ProgramType = cfg.EBPF.Attach
	bcfg.Source = cfg.Source
	bcfg.Duration = cfg.Duration
	bcfg.Collector = collector.Config{
		IdleBackoff:    cfg.Consumer.IdleBackoff,
		MaxIdleBackoff: cfg.Consumer.MaxIdleBackoff,
		BatchSize:      cfg.Consumer.BatchSize,
	}
	if cfg.Verbose {
		bcfg.ProgressInterval = cfg.Consumer.ProgressInterval
	}
	if c, ok := src.(collector.CapacityReporter); ok {
		bcfg.TransportBytes = c.Capacity()
	}

	fmt.Fprintf(out, "Running %s benchmark for %s (source=%s)...\n", bcfg.Name, cfg.Duration, cfg.Source)

	runner, err := bench.NewRunner(bcfg, src, producer, logger)
	if err != nil {
		return err
	}
	metrics.SetUp(true)
	res, err := runner.Run(ctx)
	metrics.SetUp(false)
	if err != nil {
		return fmt.Errorf("benchmark failed: %w", err)
	}

	fmt.Fprint(out, res.String())

	var persistErr error
	if err := results.Save(cfg.OutputPath, res); err != nil {
		logger.Error("failed to save result", zap.Error(err))
		persistErr = err
	} else {
		fmt.Fprintf(out, "\nResults saved to: %s\n", cfg.OutputPath)
	}

	if cfg.History.Dir != "" {
		if err := recordHistory(cfg.History.Dir, res, out); err != nil {
			logger.Error("failed to record history", zap.Error(err))
			if persistErr == nil {
				persistErr = err
			}
		}
	}

	if res.HasErrors() {
		logger.Warn("run completed with diagnostics", zap.Strings("errors", res.Errors))
	}
	return persistErr
}

// buildSource wires the transport named by cfg.Source. The synthetic source
// comes with the driver that produces into it; the kernel source needs none.
func buildSource(cfg *config.BenchConfig, logger *zap.Logger) (collector.Source, bench.Producer, error) {
	if cfg.Source == config.SourceKernel {
		src, err := ebpf.NewSource(&cfg.EBPF, logger)
		if err != nil {
			return nil, nil, err
		}
		return src, nil, nil
	}

	kind, ok := probe.ParseKind(cfg.EBPF.Attach)
	if !ok {
		return nil, nil, fmt.Errorf("unknown attach kind %q", cfg.EBPF.Attach)
	}

	rb, err := ringbuffer.New(cfg.Transport.CapacityBytes, ringbuffer.WithStagingWindow(cfg.Transport.StagingWindow))
	if err != nil {
		return nil, nil, fmt.Errorf("create ring buffer: %w", err)
	}
	table := counters.NewTable()

	driver, err := probe.NewDriver(probe.New(rb, table, kind), probe.DriverConfig{
		Workers:       cfg.Driver.Workers,
		RatePerWorker: cfg.Driver.RatePerWorker,
		PinCPUs:       cfg.Driver.PinCPUs,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return collector.NewRingSource(rb, table), driver, nil
}

func recordHistory(dir string, res *bench.Result, out io.Writer) error {
	h, err := results.OpenHistory(dir)
	if err != nil {
		return &results.PersistError{Path: dir, Err: err}
	}
	defer h.Close()

	entry, err := h.Record(res)
	if err != nil {
		return &results.PersistError{Path: dir, Err: err}
	}
	fmt.Fprintf(out, "Recorded run %s in %s\n", entry.ID, dir)
	return nil
}

func newReportCmd() *cobra.Command {
	var path string
	var watch bool

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print a saved result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if !watch {
				res, err := results.Load(path)
				if err != nil {
					return err
				}
				fmt.Fprint(out, res.String())
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger, err := newLogger(false)
			if err != nil {
				return fmt.Errorf("create logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			return results.Watch(ctx, path, func(res *bench.Result, err error) {
				if err != nil {
					fmt.Fprintf(out, "waiting for %s: %v\n", path, err)
					return
				}
				fmt.Fprint(out, res.String())
			}, logger)
		},
	}

	cmd.Flags().StringVarP(&path, "output", "o", "ringbuf_result.json", "Result file to render")
	cmd.Flags().BoolVar(&watch, "watch", false, "Re-render whenever the file changes")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	cfg := config.LoadFromEnv()

	openHistory := func() (*results.History, error) {
		if cfg.History.Dir == "" {
			return nil, fmt.Errorf("history dir is required")
		}
		return results.OpenHistory(cfg.History.Dir)
	}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHistory()
			if err != nil {
				return err
			}
			defer h.Close()

			entries, err := h.List(cfg.History.Limit)
			if err != nil {
				return err
			}
			return printHistory(cmd.OutOrStdout(), entries)
		},
	}

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print one recorded run; a unique id prefix is enough",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHistory()
			if err != nil {
				return err
			}
			defer h.Close()

			e, err := h.Get(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run %s recorded %s\n", e.ID, e.RecordedAt.Local().Format(bench.TimeLayout))
			fmt.Fprint(out, e.Result.String())
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfg.History.Dir, "history", cfg.History.Dir, "History directory")
	cmd.Flags().IntVar(&cfg.History.Limit, "limit", cfg.History.Limit, "Maximum runs to list")
	cmd.AddCommand(show)
	return cmd
}

func printHistory(out io.Writer, entries []results.Entry) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRECORDED\tSOURCE\tEVENTS\tTHROUGHPUT\tERRORS")
	for _, e := range entries {
		id := e.ID
		if len(id) > 12 {
			id = id[:12]
		}
		r := e.Result
		fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%d\t%.0f/s\t%d\n",
			id, e.RecordedAt.Local().Format(bench.TimeLayout),
			r.DataMechanism, r.ProgramType, r.EventCount, r.Throughput, len(r.Errors))
	}
	return tw.Flush()
}
