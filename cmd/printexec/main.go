package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/lmnt-print/printhost/internal/app/execshim"
	"github.com/lmnt-print/printhost/internal/app/handoff"
	"github.com/lmnt-print/printhost/internal/infra/execchannel"
)

func main() {
	socket := pflag.String("socket", "/run/printhost/exec.sock", "command channel socket path")
	transportKind := pflag.String("transport", "procfs", "descriptor transport: procfs or pidfd")
	lineDelay := pflag.Duration("line-delay", 0, "simulated execution time per command line")
	output := pflag.String("output", "", "append executed command lines to this file instead of discarding them")
	allowedUIDs := pflag.IntSlice("allowed-uid", nil, "uids allowed to connect (default: any)")
	metricsAddr := pflag.String("metrics-addr", "", "serve /metrics on this address")
	logLevel := pflag.String("log-level", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport, err := handoff.NewTransport(*transportKind)
	if err != nil {
		fmt.Fprintf(os.Stderr, "printexec: %v\n", err)
		os.Exit(2)
	}
	metrics := handoff.NewMetrics(nil)
	receiver, err := handoff.NewReceiver(transport,
		handoff.WithReceiverLogger(logger),
		handoff.WithReceiverMetrics(metrics))
	if err != nil {
		logger.Error("failed to build receiver", slog.Any("err", err))
		os.Exit(1)
	}
	defer receiver.Close()

	sink, closeSink, err := openSink(*output)
	if err != nil {
		logger.Error("failed to open output", slog.Any("err", err))
		os.Exit(1)
	}
	defer closeSink()

	engine, err := execshim.New(receiver, execshim.Config{LineDelay: *lineDelay, Sink: sink, Logger: logger})
	if err != nil {
		logger.Error("failed to build engine", slog.Any("err", err))
		os.Exit(1)
	}

	srv := execchannel.NewServer(execchannel.ServerConfig{
		SocketPath:  *socket,
		AllowedUIDs: *allowedUIDs,
		Logger:      logger,
	})
	receiver.Bind(srv)
	engine.Bind(srv)
	if err := srv.Listen(); err != nil {
		logger.Error("failed to listen", slog.String("socket", *socket), slog.Any("err", err))
		os.Exit(1)
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server closed unexpectedly", slog.Any("err", err))
			}
		}()
		defer metricsSrv.Close()
	}

	logger.Info("print executor ready", slog.String("transport", transport.Name()), slog.Duration("line_delay", *lineDelay))
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("exec channel closed unexpectedly", slog.Any("err", err))
	}

	cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := engine.CancelPrint(cancelCtx, ""); err != nil {
		logger.Warn("cancel print on shutdown failed", slog.Any("err", err))
	}
	logger.Info("printexec stopped")
}

// openSink 返回写入文件的 LineSink；path 为空时只在 debug 级别记录。
func openSink(path string) (execshim.LineSink, func(), error) {
	if path == "" {
		return execshim.LineSinkFunc(func(ctx context.Context, line string) error {
			slog.Debug("command", slog.String("line", line))
			return nil
		}), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}
	w := bufio.NewWriter(f)
	var mu sync.Mutex
	sink := execshim.LineSinkFunc(func(_ context.Context, line string) error {
		mu.Lock()
		defer mu.Unlock()
		if _, err := w.WriteString(line + "\n"); err != nil {
			return err
		}
		return w.Flush()
	})
	return sink, func() { _ = f.Close() }, nil
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
