// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cmd wires the scheduler's CLI entrypoint: configuration
// loading, logger/tracer setup, the shared store and pubsub clients,
// the registry/dispatcher/routing/session stack, and the websocket
// server, following the same construction-and-shutdown shape as the
// teacher's internal/cmd/root.go.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/babelrelay/scheduler/internal/config"
	"github.com/babelrelay/scheduler/internal/connmanager"
	"github.com/babelrelay/scheduler/internal/dispatcher"
	"github.com/babelrelay/scheduler/internal/metrics"
	"github.com/babelrelay/scheduler/internal/pprof"
	"github.com/babelrelay/scheduler/internal/pubsub"
	"github.com/babelrelay/scheduler/internal/registry"
	"github.com/babelrelay/scheduler/internal/resultqueue"
	"github.com/babelrelay/scheduler/internal/routing"
	"github.com/babelrelay/scheduler/internal/session"
	"github.com/babelrelay/scheduler/internal/store"
	"github.com/babelrelay/scheduler/internal/wsserver"
	"github.com/USA-RedDragon/configulator"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
)

// NewCommand builds the root cobra command.
func NewCommand(version, commit string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "scheduler",
		Short:   "Distributed speech-to-speech translation job scheduler",
		Version: fmt.Sprintf("%s - %s", version, commit),
		Annotations: map[string]string{
			"version": version,
			"commit":  commit,
		},
		RunE:              runRoot,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
	}
	cmd.AddCommand(newStatusCommand())
	return cmd
}

func runRoot(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	fmt.Printf("scheduler - %s (%s)\n", cmd.Annotations["version"], cmd.Annotations["commit"])

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	setupLogger(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()
	}

	cleanup, err := setupTracing(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup tracing: %w", err)
	}
	defer func() {
		if err := cleanup(ctx); err != nil {
			slog.Error("failed to shutdown tracer", "error", err)
		}
	}()

	startBackgroundServices(cfg)

	st, ps, err := connectDependencies(ctx, cfg)
	if err != nil {
		return err
	}

	logger := slog.Default()
	reg := registry.New(&cfg.Registry, st)
	var wss *wsserver.Server
	disp := dispatcher.New(&cfg.Dispatch, reg, st, func(job dispatcher.Job) {
		if wss != nil {
			wss.OnJobTerminal(job)
		}
	})
	rt := routing.New(cfg.InstanceID, &cfg.Routing, st, logger)
	dedup := resultqueue.NewDeduplicatorWithWindow(time.Duration(cfg.Dispatch.ResultDedupWindowSeconds) * time.Second)
	results := resultqueue.New(dedup)
	m := metrics.NewMetrics()

	deps := wsserver.Deps{
		SessionConns: connmanager.New(connBufferSize),
		NodeConns:    connmanager.New(connBufferSize),
		Dispatcher:   disp,
		Registry:     reg,
		Routing:      rt,
		Results:      results,
		ResultDedup:  dedup,
		PubSub:       ps,
		Metrics:      m,
		ModelNATTL:   time.Duration(cfg.Registry.ModelNATTLSeconds) * time.Second,
	}
	wss = wsserver.New(&cfg.WS, deps, logger)

	sessMgr := session.NewManager(&cfg.Segmentation, wss.DispatchFinalizedUtterance, wss.OnUtteranceSkipped, logger)
	wss.SetSessions(sessMgr)

	sched, err := setupScheduler(ctx, reg, dedup, rt)
	if err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	wss.Start(cfg.Metrics.OTLPEndpoint != "")

	inboxCtx, cancelInbox := context.WithCancel(ctx)
	go func() {
		if err := rt.RunInboxWorker(inboxCtx); err != nil && err != context.Canceled {
			slog.Error("inbox worker stopped unexpectedly", "error", err)
		}
	}()

	slog.Info("scheduler ready to accept traffic", "instance_id", cfg.InstanceID, "bind", fmt.Sprintf("%s:%d", cfg.WS.Bind, cfg.WS.Port))

	setupShutdownHandlers(ctx, sched, wss, cancelInbox, st, ps, cleanup)
	return nil
}

const connBufferSize = 64

// loadConfig loads the configuration from context.
func loadConfig(ctx context.Context) (*config.Config, error) {
	c, err := configulator.FromContext[config.Config](ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get config from context: %w", err)
	}
	cfg, err := c.LoadWithoutValidation()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// setupLogger configures the structured logger.
func setupLogger(cfg *config.Config) {
	var logger *slog.Logger
	switch cfg.LogLevel {
	case config.LogLevelDebug:
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelDebug}))
	case config.LogLevelInfo:
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelInfo}))
	case config.LogLevelWarn:
		logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelWarn}))
	case config.LogLevelError:
		logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelError}))
	default:
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelInfo}))
	}
	slog.SetDefault(logger)
}

// setupTracing initializes OpenTelemetry tracing if configured. When
// tracing is not configured it returns a no-op cleanup function.
func setupTracing(cfg *config.Config) (func(context.Context) error, error) {
	if cfg.Metrics.OTLPEndpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	return initTracer(cfg)
}

func initTracer(cfg *config.Config) (func(context.Context) error, error) {
	exporter, err := otlptrace.New(
		context.Background(),
		otlptracegrpc.NewClient(
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(cfg.Metrics.OTLPEndpoint),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	resources, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", "babelrelay-scheduler"),
			attribute.String("library.language", "go"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resources: %w", err)
	}
	otel.SetTracerProvider(
		sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(resources),
		),
	)
	return exporter.Shutdown, nil
}

// connectDependencies dials the shared store and the pubsub backend
// concurrently, matching the teacher's `g := new(errgroup.Group)`
// startup pattern: the two connections are independent, so there is no
// reason to pay their round-trips back to back.
func connectDependencies(ctx context.Context, cfg *config.Config) (store.Store, pubsub.PubSub, error) {
	g := new(errgroup.Group)

	var st store.Store
	var ps pubsub.PubSub

	g.Go(func() error {
		var err error
		st, err = store.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to connect to store: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		ps, err = pubsub.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to connect to pubsub: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return st, ps, nil
}

// startBackgroundServices starts the metrics and pprof servers.
func startBackgroundServices(cfg *config.Config) {
	go func() {
		if err := metrics.CreateMetricsServer(cfg); err != nil {
			slog.Error("failed to start metrics server", "error", err)
		}
	}()
	go func() {
		if err := pprof.CreatePProfServer(cfg); err != nil {
			slog.Error("failed to start pprof server", "error", err)
		}
	}()
}

// setupScheduler builds the gocron scheduler running the periodic
// maintenance tasks every component needs: sweeping expired node
// heartbeats and stale reservations, sweeping the result dedup cache,
// and republishing this instance's presence heartbeat.
func setupScheduler(ctx context.Context, reg *registry.Registry, dedup *resultqueue.Deduplicator, rt *routing.Runtime) (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	const (
		heartbeatSweepInterval   = 15 * time.Second
		reservationSweepInterval = 20 * time.Second
		dedupSweepInterval       = 10 * time.Second
		presenceInterval         = 20 * time.Second
	)

	if _, err := scheduler.NewJob(
		gocron.DurationJob(heartbeatSweepInterval),
		gocron.NewTask(func() { reg.SweepExpired(heartbeatSweepInterval) }),
	); err != nil {
		slog.Error("failed to schedule node heartbeat sweep", "error", err)
	}

	if _, err := scheduler.NewJob(
		gocron.DurationJob(reservationSweepInterval),
		gocron.NewTask(func() { reg.SweepReservations() }),
	); err != nil {
		slog.Error("failed to schedule reservation sweep", "error", err)
	}

	if _, err := scheduler.NewJob(
		gocron.DurationJob(dedupSweepInterval),
		gocron.NewTask(func() { dedup.Sweep() }),
	); err != nil {
		slog.Error("failed to schedule dedup sweep", "error", err)
	}

	if _, err := scheduler.NewJob(
		gocron.DurationJob(presenceInterval),
		gocron.NewTask(func() {
			if err := rt.PublishPresence(ctx); err != nil {
				slog.Warn("failed to publish presence heartbeat", "error", err)
			}
		}),
	); err != nil {
		slog.Error("failed to schedule presence heartbeat", "error", err)
	}

	scheduler.Start()
	return scheduler, nil
}

// setupShutdownHandlers blocks until SIGINT/SIGTERM/SIGQUIT/SIGHUP is
// received, then performs an orderly concurrent shutdown mirroring the
// teacher's WaitGroup-and-timeout shape.
func setupShutdownHandlers(ctx context.Context, scheduler gocron.Scheduler, wss *wsserver.Server, cancelInbox context.CancelFunc, st store.Store, ps pubsub.PubSub, cleanup func(context.Context) error) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	sig := <-sigCh
	slog.Error("shutting down due to signal", "signal", sig)

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := scheduler.StopJobs(); err != nil {
			slog.Error("failed to stop scheduler jobs", "error", err)
		}
		if err := scheduler.Shutdown(); err != nil {
			slog.Error("failed to stop scheduler", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		cancelInbox()
		const timeout = 10 * time.Second
		shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := wss.Stop(shutdownCtx); err != nil {
			slog.Error("failed to stop websocket server", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if cleanup == nil {
			return
		}
		const timeout = 5 * time.Second
		shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := cleanup(shutdownCtx); err != nil {
			slog.Error("failed to shutdown tracer", "error", err)
		}
	}()

	const timeout = 10 * time.Second
	c := make(chan struct{})
	go func() {
		defer close(c)
		wg.Wait()
	}()
	select {
	case <-c:
		if ps != nil {
			_ = ps.Close()
		}
		if st != nil {
			_ = st.Close()
		}
		slog.Info("all components stopped, shutting down gracefully")
		os.Exit(0)
	case <-time.After(timeout):
		slog.Error("shutdown timed out, forcing exit")
		os.Exit(1)
	}
}
