package grpccustody

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	"github.com/lmnt-print/printhost/internal/infra/custody"
)

// Config 控制到托管服务的连接。
type Config struct {
	// Endpoint 支持 unix:///path、vsock://cid:port 以及 host:port。
	Endpoint         string
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// Provider 通过 gRPC 调用托管服务，实现 custody.Provider。
type Provider struct {
	conn *grpc.ClientConn
}

// Dial 建立非阻塞连接，连接失败在首次调用时以 Unavailable 暴露。
func Dial(ctx context.Context, cfg Config, extra ...grpc.DialOption) (*Provider, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("custody endpoint is required")
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = 30 * time.Second
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = 10 * time.Second
	}
	dopts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: false,
		}),
		grpc.WithContextDialer(func(ctx context.Context, endpoint string) (net.Conn, error) {
			return dialEndpoint(ctx, endpoint)
		}),
	}
	dopts = append(dopts, extra...)
	conn, err := grpc.DialContext(ctx, "passthrough:///"+cfg.Endpoint, dopts...)
	if err != nil {
		return nil, fmt.Errorf("dial key custody: %w", err)
	}
	return &Provider{conn: conn}, nil
}

// NewProvider 复用已有连接。
func NewProvider(conn *grpc.ClientConn) *Provider {
	return &Provider{conn: conn}
}

// Unwrap 实现 custody.Provider。
func (p *Provider) Unwrap(ctx context.Context, req custody.UnwrapRequest) ([]byte, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+string(req.Credential))
	out := new(UnwrapResponse)
	err := p.conn.Invoke(ctx, unwrapMethod, &UnwrapRequest{
		DeviceID: req.DeviceID,
		KeyID:    req.KeyID,
		Envelope: req.Envelope,
	}, out, grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, fromStatus(err)
	}
	return out.Key, nil
}

// Close 关闭底层连接。
func (p *Provider) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

func dialEndpoint(ctx context.Context, endpoint string) (net.Conn, error) {
	switch {
	case strings.HasPrefix(endpoint, "unix://"):
		return (&net.Dialer{}).DialContext(ctx, "unix", strings.TrimPrefix(endpoint, "unix://"))
	case strings.HasPrefix(endpoint, "unix:"):
		return (&net.Dialer{}).DialContext(ctx, "unix", strings.TrimPrefix(endpoint, "unix:"))
	case strings.HasPrefix(endpoint, "vsock://"):
		return dialVsock(ctx, strings.TrimPrefix(endpoint, "vsock://"))
	case strings.HasPrefix(endpoint, "vsock:"):
		return dialVsock(ctx, strings.TrimPrefix(endpoint, "vsock:"))
	default:
		return (&net.Dialer{}).DialContext(ctx, "tcp", endpoint)
	}
}

func dialVsock(ctx context.Context, target string) (net.Conn, error) {
	cidRaw, portRaw, ok := strings.Cut(target, ":")
	if !ok {
		return nil, fmt.Errorf("invalid vsock endpoint: %s", target)
	}
	cid, err := strconv.ParseUint(cidRaw, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid vsock cid: %w", err)
	}
	port, err := strconv.ParseUint(portRaw, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid vsock port: %w", err)
	}
	type dialResult struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		conn, dialErr := vsock.Dial(uint32(cid), uint32(port), nil)
		resultCh <- dialResult{conn: conn, err: dialErr}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if res := <-resultCh; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-resultCh:
		return res.conn, res.err
	}
}
