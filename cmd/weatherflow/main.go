package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/t77yq/weatherflow/internal/config"
	"github.com/t77yq/weatherflow/internal/executor"
	"github.com/t77yq/weatherflow/internal/handler"
	"github.com/t77yq/weatherflow/internal/model"
	"github.com/t77yq/weatherflow/internal/monitor"
	"github.com/t77yq/weatherflow/internal/pipeline"
	"github.com/t77yq/weatherflow/internal/scheduler"
	"github.com/t77yq/weatherflow/internal/storage"
)

func main() {
	fs := pflag.NewFlagSet("weatherflow", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to the config file (default ./config/config.yaml)")
	runOnce := fs.String("run-once", "", "run the graph for one logical date (YYYY-MM-DD) and exit")

	v := config.New()
	if err := config.BindFlags(v, fs); err != nil {
		log.Fatalf("Failed to bind flags: %v", err)
	}
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(v, *configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, *runOnce, logger); err != nil {
		logger.Error("weatherflow exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

func run(cfg *config.Config, runOnce string, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	policy, err := cfg.RetryPolicy()
	if err != nil {
		return err
	}
	start, err := cfg.Schedule.Start()
	if err != nil {
		return err
	}

	runs, err := storage.NewSQLiteRunStore(logger, cfg.Storage.RunsPath)
	if err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}
	defer runs.Close()

	js, closeNATS, err := connectJetStream(cfg, logger)
	if err != nil {
		return err
	}
	defer closeNATS()

	var objects storage.ObjectStore
	if js != nil {
		objects, err = storage.NewJetStreamObjectStore(js, cfg.Storage.Bucket, logger)
	} else {
		objects, err = storage.NewFileObjectStore(logger, cfg.Storage.ObjectsDir)
	}
	if err != nil {
		return fmt.Errorf("failed to open object store: %w", err)
	}

	alerts := monitor.NewAlertManager(logger, js)
	alerts.AddChannel(monitor.NewLogChannel(logger))
	if cfg.Email.Enabled() {
		alerts.AddChannel(handler.NewEmailChannel(cfg.Mail(), logger))
	}
	if err := alerts.Start(ctx); err != nil {
		return fmt.Errorf("failed to start alert manager: %w", err)
	}

	metrics := monitor.NewMetricsCollector(js, logger)
	if err := metrics.Start(ctx); err != nil {
		return fmt.Errorf("failed to start metrics collector: %w", err)
	}

	graph, err := pipeline.NewWeatherGraph(pipeline.WeatherConfig{
		Name:             cfg.Graph,
		Locations:        cfg.Source.Locations,
		FetchConcurrency: cfg.Source.Concurrency,
		Policy:           policy,
	}, handler.NewOpenWeatherFetcher(cfg.Fetcher(), logger), objects, logger)
	if err != nil {
		return err
	}

	exec, err := executor.NewExecutor(graph, runs, alerts, executor.ExecutorConfig{
		MaxTasks: cfg.Executor.MaxConcurrency,
		Observer: metrics,
	}, logger)
	if err != nil {
		return err
	}

	if runOnce != "" {
		return runDate(ctx, exec, runOnce, logger)
	}

	sched, err := scheduler.NewScheduler(scheduler.Config{
		Expression: cfg.Schedule.Expression,
		Tick:       cfg.Schedule.Tick,
		CatchUp:    cfg.Schedule.CatchUp,
		StartDate:  start,
	}, graph, exec, logger)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx, runs); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	go sweep(ctx, runs, cfg.Storage.Retention, logger)

	statusTicker := time.NewTicker(time.Minute)
	defer statusTicker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-sched.Errors():
			runErr = err
			cancel()
			break loop
		case <-statusTicker.C:
			status := sched.Status()
			logger.Debug("Scheduler status",
				zap.String("active_run_id", status.ActiveRunID),
				zap.Timep("last_trigger", status.LastTrigger),
				zap.Timep("next_trigger", status.NextTrigger),
				zap.Strings("running_tasks", exec.RunningTasks()))
		}
	}

	sched.Stop()
	for name, m := range metrics.GetMetrics() {
		logger.Info("Run metrics",
			zap.String("graph", name),
			zap.Int("attempts", m.Attempts),
			zap.Int("retries", m.Retries),
			zap.String("last_run_id", m.LastRunID))
	}
	logger.Info("Server shutting down gracefully")
	return runErr
}

// runDate executes one run for date and fails unless it succeeded.
func runDate(ctx context.Context, exec *executor.Executor, date string, logger *zap.Logger) error {
	logical, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return &scheduler.ConfigurationError{Reason: fmt.Sprintf("invalid --run-once date %q", date), Err: err}
	}

	record, err := exec.Run(ctx, logical)
	if err != nil {
		return err
	}
	logger.Info("Run finished",
		zap.String("run_id", record.ID),
		zap.String("status", string(record.Status)))
	if record.Status != model.RunStatusSucceeded {
		return fmt.Errorf("run %s ended %s", record.ID, record.Status)
	}
	return nil
}

// sweep deletes runs older than retention once a day.
func sweep(ctx context.Context, runs storage.RunStore, retention time.Duration, logger *zap.Logger) {
	if retention <= 0 {
		return
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := runs.DeleteBefore(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Error("Failed to clean up old runs", zap.Error(err))
				continue
			}
			logger.Info("Cleaned up old runs", zap.Int64("deleted", deleted))
		}
	}
}

// connectJetStream returns a JetStream context when NATS is configured, or nil
// to run on local files. The returned func releases the connection.
func connectJetStream(cfg *config.Config, logger *zap.Logger) (nats.JetStreamContext, func(), error) {
	url := cfg.NATS.URL
	closers := []func(){}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.NATS.Embedded {
		ns, err := server.NewServer(&server.Options{
			ServerName: cfg.App.Name,
			Host:       "127.0.0.1",
			Port:       server.RANDOM_PORT,
			JetStream:  true,
			StoreDir:   cfg.NATS.StoreDir,
			NoSigs:     true,
		})
		if err != nil {
			return nil, closeAll, fmt.Errorf("failed to create embedded NATS server: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(10 * time.Second) {
			ns.Shutdown()
			return nil, closeAll, errors.New("embedded NATS server not ready")
		}
		closers = append(closers, func() {
			ns.Shutdown()
			ns.WaitForShutdown()
		})
		url = ns.ClientURL()
	}
	if url == "" {
		return nil, closeAll, nil
	}

	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	var err error
	for i := 0; i < 5; i++ {
		nc, err = nats.Connect(url, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		closeAll()
		return nil, func() {}, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	closers = append(closers, nc.Close)

	logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))

	js, err := nc.JetStream()
	if err != nil {
		closeAll()
		return nil, func() {}, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return js, closeAll, nil
}
