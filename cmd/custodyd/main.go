package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"filippo.io/age"
	"github.com/mdlayher/vsock"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/lmnt-print/printhost/internal/infra/custody/agecustody"
	"github.com/lmnt-print/printhost/internal/infra/custody/grpccustody"
	"github.com/lmnt-print/printhost/pkg/secmem"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "wrap" {
		if err := wrap(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "custodyd wrap: %v\n", err)
			os.Exit(1)
		}
		return
	}

	listen := pflag.String("listen", "unix:///run/printhost/custody.sock", "listen address: unix:///path, vsock://port or host:port")
	identityFile := pflag.String("identity", "", "age identity file holding the custody master key")
	devicesFile := pflag.String("devices", "", "device registry, one \"<device-id> <credential>\" per line")
	logLevel := pflag.String("log-level", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	slog.SetDefault(logger)

	if *identityFile == "" || *devicesFile == "" {
		fmt.Fprintln(os.Stderr, "custodyd: --identity and --devices are required")
		os.Exit(2)
	}
	ids, err := agecustody.LoadIdentityFile(*identityFile)
	if err != nil {
		logger.Error("failed to load identity", slog.Any("err", err))
		os.Exit(1)
	}
	custodian, err := agecustody.New(ids...)
	if err != nil {
		logger.Error("failed to build custodian", slog.Any("err", err))
		os.Exit(1)
	}
	if err := custodian.LoadDevices(*devicesFile); err != nil {
		logger.Error("failed to load devices", slog.Any("err", err))
		os.Exit(1)
	}

	lis, err := listenOn(*listen)
	if err != nil {
		logger.Error("failed to listen", slog.String("addr", *listen), slog.Any("err", err))
		os.Exit(1)
	}

	srv := grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 10 * time.Second}),
		grpc.MaxRecvMsgSize(256*1024),
	)
	grpccustody.RegisterKeyCustodyServer(srv, grpccustody.NewServer(custodian, logger))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Info("shutting down custody server")
		srv.GracefulStop()
	}()

	logger.Info("custody server listening", slog.String("addr", *listen))
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		logger.Error("custody server closed unexpectedly", slog.Any("err", err))
		os.Exit(1)
	}
}

func listenOn(addr string) (net.Listener, error) {
	switch {
	case strings.HasPrefix(addr, "unix://"):
		path := strings.TrimPrefix(addr, "unix://")
		_ = os.Remove(path)
		lis, err := net.Listen("unix", path)
		if err != nil {
			return nil, err
		}
		if err := os.Chmod(path, 0o600); err != nil {
			lis.Close()
			return nil, err
		}
		return lis, nil
	case strings.HasPrefix(addr, "vsock://"):
		port, err := strconv.ParseUint(strings.TrimPrefix(addr, "vsock://"), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vsock port: %w", err)
		}
		return vsock.Listen(uint32(port), nil)
	default:
		return net.Listen("tcp", addr)
	}
}

// wrap 从标准输入读取十六进制设备密钥，输出给托管方的 base64 设备信封。
func wrap(args []string) error {
	fs := pflag.NewFlagSet("wrap", pflag.ContinueOnError)
	recipient := fs.String("recipient", "", "custody age recipient (age1...)")
	device := fs.String("device", "", "device id the key is bound to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *recipient == "" || *device == "" {
		return errors.New("--recipient and --device are required")
	}
	r, err := age.ParseX25519Recipient(*recipient)
	if err != nil {
		return fmt.Errorf("parse recipient: %w", err)
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read device key: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(line))
	if err != nil {
		return fmt.Errorf("device key must be hex: %w", err)
	}
	defer secmem.Zero(key)
	env, err := agecustody.WrapDeviceKey(r, *device, key)
	if err != nil {
		return err
	}
	fmt.Println(base64.StdEncoding.EncodeToString(env))
	return nil
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
