// Command clipfetch downloads the media behind a list of page URLs, each
// through its own proxy session, with adaptive parallelism.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/clipfetch/internal/config"
	"github.com/Sternrassler/clipfetch/pkg/concurrency"
	"github.com/Sternrassler/clipfetch/pkg/identity"
	"github.com/Sternrassler/clipfetch/pkg/logging"
	"github.com/Sternrassler/clipfetch/pkg/metrics"
	"github.com/Sternrassler/clipfetch/pkg/resolver"
	"github.com/Sternrassler/clipfetch/pkg/scheduler"
	"github.com/Sternrassler/clipfetch/pkg/sink"
	"github.com/Sternrassler/clipfetch/pkg/stats"
	"github.com/Sternrassler/clipfetch/pkg/task"
	"github.com/Sternrassler/clipfetch/pkg/urllist"
)

// Exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitUsage       = 2
	exitInterrupted = 130
)

type options struct {
	configPath  string
	logLevel    string
	pretty      bool
	metricsAddr string
	urlsPath    string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options

	fs := flag.NewFlagSet("clipfetch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: clipfetch [flags] urls.txt")
		fs.PrintDefaults()
	}
	fs.StringVar(&opts.configPath, "config", "", "YAML config file")
	fs.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fs.BoolVar(&opts.pretty, "pretty", false, "human-readable console logs")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return opts, errors.New("exactly one URL list file is required")
	}
	opts.urlsPath = fs.Arg(0)

	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	runID := uuid.NewString()
	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(opts.logLevel),
		Pretty: opts.pretty,
		Output: stderr,
		RunID:  runID,
	})

	cfg, err := loadConfig(opts)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid configuration")
		return exitFailure
	}

	urls, err := urllist.Load(opts.urlsPath)
	if err != nil {
		logger.Error().Err(err).Str("path", opts.urlsPath).Msg("Failed to read URL list")
		return exitFailure
	}
	if len(urls) == 0 {
		logger.Error().Str("path", opts.urlsPath).Msg("URL list is empty")
		return exitFailure
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		logger.Error().Err(err).Str("dir", cfg.OutputDir).Msg("Failed to create output directory")
		return exitFailure
	}

	if cfg.Proxy.Username == "" {
		logger.Warn().Msg("No proxy credentials configured, using direct connections")
	} else {
		logger.Info().
			Str("proxy", fmt.Sprintf("%s:%d", cfg.Proxy.Host, cfg.Proxy.Port)).
			Msg("Proxy configured")
	}

	// The probe identity is not counted as a task session.
	probe := identity.NewProvider(cfg.Identity(), nil, logging.NewLogger("identity"))
	checkCtx, cancel := context.WithTimeout(ctx, cfg.Connectivity.Timeout)
	_, err = probe.CheckConnectivity(checkCtx, cfg.Connectivity.URL)
	cancel()
	if err != nil {
		logger.Error().Err(err).Msg("Proxy connectivity check failed, aborting")
		return exitFailure
	}

	if cfg.MetricsAddr != "" {
		metricsCtx, stopMetrics := context.WithCancel(context.Background())
		defer stopMetrics()
		go func() {
			if err := metrics.Serve(metricsCtx, cfg.MetricsAddr, logger); err != nil {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	agg := stats.NewAggregator(cfg.Concurrency.Initial)
	provider := identity.NewProvider(cfg.Identity(), agg, logging.NewLogger("identity"))
	runner := task.NewRunner(cfg.TaskRunner(), provider, resolver.Rehydration{}, agg, logging.NewLogger("task"))
	ctrl := concurrency.NewController(cfg.Controller(), agg, logging.NewLogger("concurrency"), nil)
	sched := scheduler.New(cfg.Scheduler(), runner, ctrl, agg, logging.NewLogger("scheduler"))

	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable, live stats disabled")
		} else {
			logger.Info().Str("addr", cfg.Redis.Addr).Msg("Publishing live stats to Redis")
			sched.SetSink(sink.NewRedis(redisClient, runID, logging.NewLogger("sink")))
		}
	}

	report, err := sched.RunAll(ctx, urls)
	printReport(stdout, report, cfg.Task.TrackExitIP)

	if err != nil {
		logger.Warn().Err(err).Msg("Run interrupted")
		return exitInterrupted
	}
	return exitOK
}

func loadConfig(opts options) (config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.LoadFromFile(opts.configPath); err != nil {
			return cfg, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return cfg, err
	}
	if opts.metricsAddr != "" {
		cfg.MetricsAddr = opts.metricsAddr
	}
	return cfg, cfg.Validate()
}

func printReport(w io.Writer, r *scheduler.Report, exitsTracked bool) {
	s := r.Stats
	minutes := r.Duration.Minutes()

	fmt.Fprintln(w, "=== Final Report ===")
	fmt.Fprintf(w, "Successful:              %d/%d (%.1f%%)\n", s.Successful, s.Total, successOfTotal(s))
	fmt.Fprintf(w, "Failed:                  %d\n", s.Failed)
	fmt.Fprintf(w, "Duration:                %.1f minutes\n", minutes)
	fmt.Fprintf(w, "Throughput:              %.1f per minute\n", s.PerMinute(r.Duration))
	fmt.Fprintf(w, "Sessions created:        %d\n", s.SessionsCreated)
	fmt.Fprintf(w, "Peak concurrency:        %d\n", s.PeakConcurrency)
	fmt.Fprintf(w, "Concurrency adjustments: %d\n", s.ConcurrencyAdjustments)
	if exitsTracked {
		fmt.Fprintf(w, "Unique exit IPs:         %d\n", s.UniqueExits)
	}
}

func successOfTotal(s stats.Stats) float64 {
	return float64(s.Successful) / float64(max(s.Total, 1)) * 100
}
