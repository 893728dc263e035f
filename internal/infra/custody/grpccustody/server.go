package grpccustody

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/lmnt-print/printhost/internal/infra/custody"
	"github.com/lmnt-print/printhost/pkg/apierrors"
)

// Server 将 custody.Provider 暴露为 gRPC 服务。
type Server struct {
	backend custody.Provider
	logger  *slog.Logger
}

// NewServer 构造 Server。
func NewServer(backend custody.Provider, logger *slog.Logger) *Server {
	if backend == nil {
		panic("custody backend is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{backend: backend, logger: logger}
}

// Unwrap 实现 KeyCustodyServer。
func (s *Server) Unwrap(ctx context.Context, req *UnwrapRequest) (*UnwrapResponse, error) {
	if req == nil || req.DeviceID == "" || len(req.Envelope) == 0 {
		return nil, status.Error(codes.InvalidArgument, "device_id and envelope are required")
	}
	token := bearerToken(ctx)
	if token == "" {
		return nil, status.Error(codes.Unauthenticated, "missing bearer credential")
	}
	key, err := s.backend.Unwrap(ctx, custody.UnwrapRequest{
		DeviceID:   req.DeviceID,
		KeyID:      req.KeyID,
		Envelope:   req.Envelope,
		Credential: []byte(token),
	})
	if err != nil {
		code := apierrors.CodeOf(err)
		s.logger.Warn("unwrap rejected", slog.String("device", req.DeviceID), slog.String("code", string(code)))
		msg := string(code)
		if apiErr, ok := apierrors.FromError(err); ok && apiErr.Message != "" {
			msg = apiErr.Message
		}
		return nil, status.Error(apierrors.GRPCStatus(code), msg)
	}
	return &UnwrapResponse{Key: key}, nil
}

func bearerToken(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get("authorization") {
		if token, found := strings.CutPrefix(v, "Bearer "); found {
			return strings.TrimSpace(token)
		}
	}
	return ""
}

// fromStatus 将 gRPC 状态映射回统一错误码。
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return apierrors.Wrap(apierrors.CodeUnavailable, "key custody transport", err)
	}
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return apierrors.New(apierrors.CodeAuth, st.Message())
	case codes.InvalidArgument, codes.FailedPrecondition, codes.NotFound, codes.DataLoss:
		return apierrors.New(apierrors.CodeEnvelope, st.Message())
	default:
		return apierrors.Wrap(apierrors.CodeUnavailable, "key custody unavailable", errors.New(st.Message()))
	}
}
