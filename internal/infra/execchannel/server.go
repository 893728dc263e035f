package execchannel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/lmnt-print/printhost/pkg/apierrors"
)

// ActionFunc 处理一个动作。raw 是包含 action 字段的完整 CBOR 请求。
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// Peer 是连接对端的内核凭证。
type Peer struct {
	PID int
	UID int
}

type peerKey struct{}

// PeerFromContext 返回处理当前请求的连接对端。
func PeerFromContext(ctx context.Context) (Peer, bool) {
	p, ok := ctx.Value(peerKey{}).(Peer)
	return p, ok
}

// ServerConfig 控制服务端。
type ServerConfig struct {
	SocketPath   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// AllowedUIDs 非空时只接受这些 uid 的连接。
	AllowedUIDs []int
	Logger      *slog.Logger
}

func (c ServerConfig) normalize() ServerConfig {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Server 在 Unix socket 上服务命令通道，每个连接处理一次请求。
type Server struct {
	cfg      ServerConfig
	handlers map[string]ActionFunc
	listener net.Listener
	active   sync.WaitGroup
}

// NewServer 创建服务端，Serve 之前用 Handle 注册动作。
func NewServer(cfg ServerConfig) *Server {
	return &Server{cfg: cfg.normalize(), handlers: make(map[string]ActionFunc)}
}

// Handle 注册动作处理器，动作不在白名单或重复注册时 panic。
func (s *Server) Handle(action string, handler ActionFunc) {
	if _, ok := allowedActions[action]; !ok {
		panic(fmt.Sprintf("execchannel: action %q is not allowed", action))
	}
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("execchannel: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// Listen 创建 socket，权限为 0600。
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.cfg.SocketPath, err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.SocketPath, err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod %s: %w", s.cfg.SocketPath, err)
	}
	s.listener = ln
	return nil
}

// Serve 接受连接直到 ctx 取消，返回前等待处理中的请求结束。
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	ln := s.listener
	defer func() {
		ln.Close()
		os.Remove(s.cfg.SocketPath)
	}()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.cfg.Logger.Info("exec channel listening", slog.String("path", s.cfg.SocketPath))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.cfg.Logger.Error("exec channel accept failed", slog.Any("err", err))
			continue
		}
		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handleConnection(ctx, conn)
		}()
	}
	s.active.Wait()
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	peer, err := peerCredentials(conn)
	if err != nil {
		s.cfg.Logger.Warn("exec channel peer credentials unavailable", slog.Any("err", err))
		s.writeError(conn, apierrors.Wrap(apierrors.CodeProtocol, "peer credentials unavailable", err))
		return
	}
	if !s.uidAllowed(peer.UID) {
		s.cfg.Logger.Warn("exec channel rejected peer", slog.Int("pid", peer.PID), slog.Int("uid", peer.UID))
		s.writeError(conn, apierrors.New(apierrors.CodeProtocol, "peer is not allowed"))
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	var raw cbor.RawMessage
	if err := decode(conn, &raw); err != nil {
		s.writeError(conn, apierrors.Wrap(apierrors.CodeProtocol, "malformed command", err))
		return
	}
	var header actionOnly
	if err := Unmarshal(raw, &header); err != nil {
		s.writeError(conn, apierrors.Wrap(apierrors.CodeProtocol, "malformed command", err))
		return
	}
	if header.Action == "" {
		s.writeError(conn, apierrors.New(apierrors.CodeProtocol, "missing required field: action"))
		return
	}
	handler, ok := s.handlers[header.Action]
	if !ok {
		s.writeError(conn, apierrors.New(apierrors.CodeProtocol, fmt.Sprintf("unknown action %q", header.Action)))
		return
	}

	result, err := handler(context.WithValue(ctx, peerKey{}, peer), []byte(raw))
	if err != nil {
		s.cfg.Logger.Debug("exec channel action failed",
			slog.String("action", header.Action),
			slog.Int("peer_pid", peer.PID),
			slog.Any("err", err))
		s.writeError(conn, err)
		return
	}
	s.writeSuccess(conn, result)
}

func (s *Server) uidAllowed(uid int) bool {
	if len(s.cfg.AllowedUIDs) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedUIDs {
		if allowed == uid {
			return true
		}
	}
	return false
}

func (s *Server) writeError(conn net.Conn, err error) {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	resp := Response{OK: false, Code: string(apierrors.CodeOf(err)), Error: err.Error()}
	if werr := encode(conn, resp); werr != nil {
		s.cfg.Logger.Debug("exec channel failed to write error response", slog.Any("err", werr))
	}
}

func (s *Server) writeSuccess(conn net.Conn, result any) {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	resp := Response{OK: true}
	if result != nil {
		data, err := encMode.Marshal(result)
		if err != nil {
			s.writeError(conn, apierrors.Wrap(apierrors.CodeInternal, "marshal response", err))
			return
		}
		resp.Data = data
	}
	if err := encode(conn, resp); err != nil {
		s.cfg.Logger.Debug("exec channel failed to write response", slog.Any("err", err))
	}
}
