package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.opentelemetry.io/otel"

	"github.com/nuetzliches/chanq/internal/config"
	"github.com/nuetzliches/chanq/internal/queue"
	"github.com/nuetzliches/chanq/internal/worker"
)

type runOptions struct {
	configPath   string
	pidFile      string
	logLevel     string
	dotenvPath   string
	watch        bool
	command      []string
	workers      int
	lock         time.Duration
	deferDelay   time.Duration
	retry        worker.RetryConfig
	drainTimeout time.Duration
}

func parseRunFlags(args []string, stderr io.Writer) (runOptions, error) {
	var o runOptions
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "./chanq.yaml", "path to config file")
	fs.StringVar(&o.pidFile, "pid-file", "", "write process PID to file")
	fs.StringVar(&o.logLevel, "log-level", "", "log level override (debug|info|warn|error)")
	fs.StringVar(&o.dotenvPath, "dotenv", "", "load environment variables from file (dev only)")
	fs.BoolVar(&o.watch, "watch", false, "watch config file and re-apply channel policies")
	fs.IntVar(&o.workers, "workers", 1, "concurrent handler invocations when a command is given")
	fs.DurationVar(&o.lock, "lock", 30*time.Second, "lease length per dequeue")
	fs.DurationVar(&o.deferDelay, "defer-delay", 5*time.Second, "delay used when the command exits with status 75")
	fs.IntVar(&o.retry.Max, "retry-max", 5, "failed attempts before a message is dropped (0 retries forever)")
	fs.DurationVar(&o.retry.Base, "retry-base", time.Second, "first retry delay")
	fs.DurationVar(&o.retry.Cap, "retry-cap", 5*time.Minute, "maximum retry delay")
	fs.Float64Var(&o.retry.Jitter, "retry-jitter", 0.2, "retry delay jitter fraction (0..1)")
	fs.DurationVar(&o.drainTimeout, "drain-timeout", 30*time.Second, "time to wait for in-flight handlers on shutdown")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	o.command = fs.Args()
	if o.workers <= 0 {
		return o, fmt.Errorf("--workers must be > 0")
	}
	if o.lock <= 0 {
		return o, fmt.Errorf("--lock must be > 0")
	}
	return o, nil
}

func runCmd(args []string) int {
	opts, err := parseRunFlags(args, os.Stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err.Error())
		}
		return 2
	}

	baseLogger, err := newLogger(opts.logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}
	slog.SetDefault(baseLogger)

	releasePIDFile, err := claimPIDFile(opts.pidFile)
	if err != nil {
		baseLogger.Error("pid_file_failed", slog.Any("err", err))
		return 1
	}
	defer releasePIDFile()

	if p := strings.TrimSpace(opts.dotenvPath); p != "" {
		if err := loadDotenv(p); err != nil {
			baseLogger.Error("dotenv_failed", slog.Any("err", err))
			return 1
		}
	}

	cfg, res, err := config.Load(opts.configPath)
	if err != nil {
		baseLogger.Error("read_config_failed", slog.Any("err", err))
		return 1
	}
	if !res.OK {
		for _, e := range res.Errors {
			baseLogger.Error("config_error", slog.String("error", e))
		}
		return 1
	}
	for _, w := range res.Warnings {
		baseLogger.Warn("config_warning", slog.String("warning", w))
	}

	logger, logCloser, err := newConfiguredLogger(cfg.Log, opts.logLevel)
	if err != nil {
		baseLogger.Error("runtime_log_failed", slog.Any("err", err))
		return 1
	}
	if logCloser != nil {
		defer func() { _ = logCloser.Close() }()
	}
	slog.SetDefault(logger)
	logger.Info("config_ok", slog.String("path", opts.configPath), slog.Int("channels", len(cfg.Channels)))

	tracingEnabled := cfg.Observability.Tracing.Enabled
	if tracingEnabled {
		shutdownTracing, err := initTracing(context.Background(), cfg.Observability.Tracing, func(err error) {
			logger.Error("tracing_export_failed", slog.Any("err", err))
		})
		if err != nil {
			logger.Error("tracing_init_failed", slog.Any("err", err))
			return 1
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(ctx)
		}()
		logger.Info("tracing_enabled")
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx, stop := signal.NotifyContext(rootCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opened, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store_open_failed", slog.Any("err", err))
		return 1
	}
	defer func() { _ = opened.Close() }()
	logger.Info("store_backend_selected", slog.String("backend", opened.backend))

	var store queue.Store = opened.Store
	if tracingEnabled {
		store = queue.WithTracing(store, otel.Tracer(tracerName))
	}
	reg := newMetricsRegistry(store, logger)
	store = newInstrumentedStore(store, reg)

	if _, err := reconcilePolicies(ctx, store, cfg.Channels, logger); err != nil {
		logger.Error("policy_reconcile_failed", slog.Any("err", err))
		return 1
	}

	if opened.pg != nil && strings.TrimSpace(cfg.Store.EventChannel) != "" {
		go runEventListener(ctx, opened.pg, logger)
	}
	go logWakeEvents(ctx, store.Events(), logger)

	var servers []*http.Server
	if addr := strings.TrimSpace(cfg.Observability.MetricsListen); addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			logger.Error("metrics_listen_failed", slog.String("addr", addr), slog.Any("err", err))
			return 1
		}
		h := newMetricsHandler(reg, store, time.Now())
		srv := &http.Server{
			Handler:           withAccessLog(logger, wrapTracingHandler(tracingEnabled, "metrics", h)),
			ReadHeaderTimeout: 5 * time.Second,
		}
		serveOnListener(logger, "metrics", srv, ln, cancel)
		servers = append(servers, srv)
		logger.Info("metrics_listening", slog.String("addr", ln.Addr().String()))
	}

	if len(opts.command) > 0 {
		runner := &worker.Runner{
			Store:       store,
			Handler:     &worker.ExecHandler{Command: opts.command, DeferDelay: opts.deferDelay},
			Concurrency: opts.workers,
			LockMs:      opts.lock.Milliseconds(),
			Retry:       opts.retry,
			Logger:      logger,
		}
		runner.Start(ctx)
		defer func() {
			if ok := runner.Drain(opts.drainTimeout); !ok {
				logger.Warn("worker_drain_timeout", slog.Duration("timeout", opts.drainTimeout))
			} else {
				logger.Info("worker_drained")
			}
		}()
		logger.Info("worker_started",
			slog.String("command", opts.command[0]),
			slog.Int("workers", opts.workers),
		)
	}

	var reloadMu sync.Mutex
	reload := func(trigger string) {
		reloadMu.Lock()
		defer reloadMu.Unlock()
		reloadPolicies(ctx, opts.configPath, cfg.Store, store, logger, trigger)
	}

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hupCh:
				reload("signal_sighup")
			}
		}
	}()
	if opts.watch {
		go watchConfig(ctx, opts.configPath, logger, func() { reload("watch") })
	}

	<-ctx.Done()
	logger.Info("shutdown_started")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	for _, s := range servers {
		_ = s.Shutdown(shutdownCtx)
	}
	return 0
}

// reloadPolicies re-reads the config and re-applies its channel section.
// Store settings are fixed for the life of the process.
func reloadPolicies(ctx context.Context, path string, running config.StoreConfig, store queue.Store, logger *slog.Logger, trigger string) bool {
	cfg, res, err := config.Load(path)
	if err != nil {
		logger.Error("config_reload_failed", slog.String("trigger", trigger), slog.Any("err", err))
		return false
	}
	if !res.OK {
		logger.Error("config_reload_invalid",
			slog.String("trigger", trigger),
			slog.String("errors", strings.Join(res.Errors, "; ")),
		)
		return false
	}
	for _, w := range res.Warnings {
		logger.Warn("config_warning", slog.String("warning", w))
	}
	if cfg.Store != running {
		logger.Warn("config_reload_store_ignored", slog.String("trigger", trigger))
	}
	applied, err := reconcilePolicies(ctx, store, cfg.Channels, logger)
	if err != nil {
		logger.Error("config_reload_failed", slog.String("trigger", trigger), slog.Any("err", err))
		return false
	}
	logger.Info("config_reloaded", slog.String("trigger", trigger), slog.Int("changes", applied))
	return true
}

const watchDebounce = 200 * time.Millisecond

// watchConfig watches the directory holding path so atomic renames by
// editors are seen, and calls reload once per burst of events.
func watchConfig(ctx context.Context, path string, logger *slog.Logger, reload func()) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	defer w.Close()

	base := filepath.Base(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	logger.Info("watching_config", slog.String("path", path))

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			timer.Reset(watchDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("watch_error", slog.Any("err", err))
		case <-timer.C:
			reload()
		}
	}
}
