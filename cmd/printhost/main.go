package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	printapi "github.com/lmnt-print/printhost/internal/api"
	"github.com/lmnt-print/printhost/internal/app/decryptor"
	"github.com/lmnt-print/printhost/internal/app/handoff"
	"github.com/lmnt-print/printhost/internal/app/keyunwrap"
	"github.com/lmnt-print/printhost/internal/app/monitor"
	"github.com/lmnt-print/printhost/internal/app/report"
	"github.com/lmnt-print/printhost/internal/config"
	"github.com/lmnt-print/printhost/internal/infra/backoff"
	"github.com/lmnt-print/printhost/internal/infra/custody"
	"github.com/lmnt-print/printhost/internal/infra/custody/grpccustody"
	"github.com/lmnt-print/printhost/internal/infra/execchannel"
	"github.com/lmnt-print/printhost/internal/infra/fetch"
	"github.com/lmnt-print/printhost/internal/infra/outbox"
)

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("PRINTHOST_CONFIG"), "path to the YAML config file")
	logLevel := pflag.String("log-level", "", "log level override: debug, info, warn, error")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "printhost: %v\n", err)
		os.Exit(2)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("printhost exited", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(parent context.Context, cfg config.Config, logger *slog.Logger) error {
	ctx, cancelRun := context.WithCancel(parent)
	defer cancelRun()

	keys, closeCustody, err := configureKeys(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeCustody()

	src, err := configureSource(cfg)
	if err != nil {
		return err
	}
	dec, err := decryptor.New(src, decryptor.Config{
		MaxAttempts:  cfg.Decrypt.MaxAttempts,
		StallTimeout: cfg.Decrypt.StallTimeout,
		MaxPlaintext: cfg.Decrypt.MaxPlaintext,
		Logger:       logger,
		Metrics:      decryptor.NewMetrics(nil),
	})
	if err != nil {
		return err
	}

	execClient := execchannel.NewClient(execchannel.ClientConfig{
		SocketPath:  cfg.Exec.Socket,
		DialTimeout: cfg.Exec.DialTimeout,
		IOTimeout:   cfg.Exec.IOTimeout,
		Logger:      logger,
	})
	bridge, err := handoff.NewBridge(execClient, handoff.WithLogger(logger), handoff.WithMetrics(handoff.NewMetrics(nil)))
	if err != nil {
		return err
	}

	dispatcher, closeOutbox, err := configureReporter(cfg, logger)
	if err != nil {
		return err
	}
	defer closeOutbox()
	defer dispatcher.Close()

	mon, err := monitor.New(monitor.Deps{
		Keys:      keys,
		Decryptor: dec,
		Handoff:   bridge,
		Execution: execClient,
		Reporter:  dispatcher,
	}, monitor.Config{
		QueueSize:        cfg.Monitor.QueueSize,
		PollInterval:     cfg.Monitor.PollInterval,
		MaxWait:          cfg.Monitor.MaxWait,
		RecentSize:       cfg.Monitor.RecentSize,
		CancelTimeout:    cfg.Monitor.CancelTimeout,
		ProgressStep:     cfg.Monitor.ProgressStep,
		ProgressInterval: cfg.Monitor.ProgressInterval,
		Logger:           logger,
		Metrics:          monitor.NewMetrics(nil),
	})
	if err != nil {
		return err
	}

	feed, err := configureFeed(cfg, logger)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	printapi.NewHTTPHandler(mon,
		printapi.WithLogger(logger),
		printapi.WithReportsDebug(dispatcher.DebugHandler()),
		printapi.WithMetricsHandler(promhttp.Handler()),
	).Register(mux)
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	monDone := make(chan error, 1)
	go func() { monDone <- mon.Run(ctx) }()
	feedDone := make(chan error, 1)
	if feed != nil {
		logger.Info("job feed enabled", slog.String("url", cfg.Feed.URL), slog.Duration("interval", cfg.Feed.Interval))
		go func() { feedDone <- monitor.Feed(ctx, mon, feed, cfg.Feed.Interval) }()
	} else {
		feedDone <- nil
	}
	httpDone := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpDone <- err
			return
		}
		httpDone <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-httpDone:
		logger.Error("http server closed unexpectedly", slog.Any("err", runErr))
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", slog.Any("err", err))
	}
	cancelRun()
	<-monDone
	<-feedDone
	return runErr
}

func configureKeys(ctx context.Context, cfg config.Config, logger *slog.Logger) (*keyunwrap.Engine, func(), error) {
	provider, err := grpccustody.Dial(ctx, grpccustody.Config{Endpoint: cfg.Custody.Endpoint})
	if err != nil {
		return nil, func() {}, err
	}
	cleanup := func() { _ = provider.Close() }
	creds, err := custody.NewFileCredentials(cfg.Custody.CredentialFile, cfg.Custody.CredentialTTL)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	client, err := custody.NewClient(provider, creds, custody.Config{
		DeviceID:    cfg.Custody.DeviceID,
		MaxAttempts: cfg.Custody.MaxAttempts,
		CallTimeout: cfg.Custody.CallTimeout,
		Backoff: backoff.Config{
			Initial: cfg.Custody.RetryInitial,
			Max:     cfg.Custody.RetryMax,
			Jitter:  cfg.Custody.RetryJitter,
		},
		BreakerThreshold: cfg.Custody.BreakerThreshold,
		BreakerCooldown:  cfg.Custody.BreakerCooldown,
		Logger:           logger,
		Metrics:          custody.NewMetrics(nil),
	})
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	engine, err := keyunwrap.NewEngine(client, keyunwrap.WithLogger(logger), keyunwrap.WithMetrics(keyunwrap.NewMetrics(nil)))
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return engine, cleanup, nil
}

func configureSource(cfg config.Config) (decryptor.Source, error) {
	switch cfg.Source.Kind {
	case "file":
		return fetch.FileSource{Root: cfg.Source.Root}, nil
	default:
		httpCfg := fetch.HTTPConfig{ConnectTimeout: cfg.Source.ConnectTimeout}
		if cfg.Source.TokenFile != "" {
			token, err := custody.NewFileCredentials(cfg.Source.TokenFile, cfg.Custody.CredentialTTL)
			if err != nil {
				return nil, err
			}
			httpCfg.Token = token
		}
		return fetch.NewHTTPSource(httpCfg), nil
	}
}

// configureFeed 在配置了 feed.url 时返回拉取式任务来源。
func configureFeed(cfg config.Config, logger *slog.Logger) (monitor.JobSource, error) {
	if cfg.Feed.URL == "" {
		return nil, nil
	}
	feedCfg := printapi.FeedConfig{URL: cfg.Feed.URL, Timeout: cfg.Feed.Timeout, Logger: logger}
	if cfg.Feed.TokenFile != "" {
		token, err := custody.NewFileCredentials(cfg.Feed.TokenFile, cfg.Custody.CredentialTTL)
		if err != nil {
			return nil, err
		}
		feedCfg.Token = token
	}
	return printapi.NewJobFeed(feedCfg)
}

func configureReporter(cfg config.Config, logger *slog.Logger) (*report.Dispatcher, func(), error) {
	rcfg := report.Config{
		MaxAttempts:     cfg.Report.MaxAttempts,
		DeliveryTimeout: cfg.Report.DeliveryTimeout,
		RateLimit:       cfg.Report.RateLimit,
		RateBurst:       cfg.Report.RateBurst,
		FlushInterval:   cfg.Report.FlushInterval,
		Logger:          logger,
		Metrics:         report.NewMetrics(nil),
	}
	sink := report.LogSink{Logger: logger}
	if cfg.Report.OutboxPath == "" {
		d, err := report.NewDispatcher(rcfg, sink, nil)
		return d, func() {}, err
	}
	box, err := outbox.Open(cfg.Report.OutboxPath)
	if err != nil {
		return nil, func() {}, err
	}
	d, err := report.NewDispatcher(rcfg, sink, box)
	if err != nil {
		_ = box.Close()
		return nil, func() {}, err
	}
	return d, func() { _ = box.Close() }, nil
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
