// Package printapi 暴露任务提交、查询与中止的 HTTP/JSON 接口，并提供拉取式任务来源。
package printapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/lmnt-print/printhost/internal/app/keyunwrap"
	"github.com/lmnt-print/printhost/internal/app/monitor"
	"github.com/lmnt-print/printhost/internal/infra/execchannel"
	"github.com/lmnt-print/printhost/pkg/apierrors"
	"github.com/lmnt-print/printhost/pkg/validator"
)

const maxBodySize = 64 * 1024

// JobService 是 HTTP 层依赖的任务管理接口（monitor.Monitor）。
type JobService interface {
	Intake(desc monitor.Descriptor) (monitor.JobStatus, error)
	Query(jobID string) (monitor.JobStatus, error)
	Snapshot() monitor.Snapshot
	Abort(jobID string) (monitor.JobStatus, error)
	ExecutionStatus(ctx context.Context) (execchannel.PrintStatus, error)
}

// HTTPHandler 实现 `/v1/jobs` 与 `/v1/execution` HTTP/JSON 接口。
type HTTPHandler struct {
	jobs    JobService
	reports http.Handler
	metrics http.Handler
	logger  *slog.Logger
}

// Option 自定义 HTTPHandler。
type Option func(*HTTPHandler)

// WithReportsDebug 挂载 `/debug/reports`。
func WithReportsDebug(h http.Handler) Option {
	return func(x *HTTPHandler) { x.reports = h }
}

// WithMetricsHandler 挂载 `/metrics`。
func WithMetricsHandler(h http.Handler) Option {
	return func(x *HTTPHandler) { x.metrics = h }
}

// WithLogger 指定日志。
func WithLogger(l *slog.Logger) Option {
	return func(x *HTTPHandler) {
		if l != nil {
			x.logger = l
		}
	}
}

// NewHTTPHandler 构造 HTTP handler。
func NewHTTPHandler(jobs JobService, opts ...Option) *HTTPHandler {
	if jobs == nil {
		panic("job service is required")
	}
	h := &HTTPHandler{jobs: jobs, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register 将 handler 注册到 mux。
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/jobs", h.handleIntake)
	mux.HandleFunc("GET /v1/jobs", h.handleSnapshot)
	mux.HandleFunc("GET /v1/jobs/{id}", h.handleQuery)
	mux.HandleFunc("POST /v1/jobs/{id}/abort", h.handleAbort)
	mux.HandleFunc("GET /v1/execution", h.handleExecution)
	if h.reports != nil {
		mux.Handle("GET /debug/reports", h.reports)
	}
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
}

type envelopeBody struct {
	KeyID string `json:"key_id"`
	Blob  string `json:"blob"`
}

type intakeRequestBody struct {
	JobID          string        `json:"job_id"`
	CiphertextRef  string        `json:"ciphertext_ref"`
	Filename       string        `json:"filename"`
	Priority       int           `json:"priority"`
	Encoding       string        `json:"encoding"`
	DeviceEnvelope *envelopeBody `json:"device_envelope"`
	JobEnvelope    *envelopeBody `json:"job_envelope"`
}

type errorResponse struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	RetryAfterHint string `json:"retryAfterHint,omitempty"`
}

func (h *HTTPHandler) handleIntake(w http.ResponseWriter, r *http.Request) {
	desc, err := decodeIntake(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	st, err := h.jobs.Intake(desc)
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, st)
}

// decodeIntake 解析任务提交体，POST /v1/jobs 与 JobFeed 共用。
func decodeIntake(r io.Reader) (monitor.Descriptor, error) {
	var body intakeRequestBody
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return monitor.Descriptor{}, apierrors.New(apierrors.CodeInvalidArgument, "request body too large")
		}
		return monitor.Descriptor{}, apierrors.New(apierrors.CodeInvalidArgument, "invalid JSON body")
	}
	return body.descriptor()
}

func (b intakeRequestBody) descriptor() (monitor.Descriptor, error) {
	if b.DeviceEnvelope == nil || b.DeviceEnvelope.Blob == "" {
		return monitor.Descriptor{}, apierrors.New(apierrors.CodeInvalidArgument, "device_envelope is required")
	}
	if b.JobEnvelope == nil || b.JobEnvelope.Blob == "" {
		return monitor.Descriptor{}, apierrors.New(apierrors.CodeInvalidArgument, "job_envelope is required")
	}
	encoding, err := validator.NormalizeEncoding(b.Encoding)
	if err != nil {
		return monitor.Descriptor{}, apierrors.New(apierrors.CodeInvalidArgument, err.Error())
	}
	device, err := validator.DecodeBlob(b.DeviceEnvelope.Blob, encoding)
	if err != nil {
		return monitor.Descriptor{}, apierrors.New(apierrors.CodeInvalidArgument, "device_envelope: "+err.Error())
	}
	job, err := validator.DecodeBlob(b.JobEnvelope.Blob, encoding)
	if err != nil {
		return monitor.Descriptor{}, apierrors.New(apierrors.CodeInvalidArgument, "job_envelope: "+err.Error())
	}
	return monitor.Descriptor{
		JobID:         b.JobID,
		CiphertextRef: b.CiphertextRef,
		Filename:      b.Filename,
		Priority:      b.Priority,
		Cascade: keyunwrap.Cascade{
			Device: keyunwrap.Envelope{Level: keyunwrap.LevelDevice, KeyID: b.DeviceEnvelope.KeyID, Blob: device},
			Job:    keyunwrap.Envelope{Level: keyunwrap.LevelJob, KeyID: b.JobEnvelope.KeyID, Blob: job},
		},
	}, nil
}

func (h *HTTPHandler) handleQuery(w http.ResponseWriter, r *http.Request) {
	st, err := h.jobs.Query(r.PathValue("id"))
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

func (h *HTTPHandler) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.jobs.Snapshot())
}

func (h *HTTPHandler) handleAbort(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil && r.Body != http.NoBody {
		_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, maxBodySize))
	}
	st, err := h.jobs.Abort(r.PathValue("id"))
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, st)
}

func (h *HTTPHandler) handleExecution(w http.ResponseWriter, r *http.Request) {
	st, err := h.jobs.ExecutionStatus(r.Context())
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *HTTPHandler) writeUnknownError(w http.ResponseWriter, err error) {
	if apiErr, ok := apierrors.FromError(err); ok {
		h.writeAPIError(w, apiErr)
		return
	}
	h.logger.Error("unclassified api error", slog.Any("err", err))
	h.writeAPIError(w, apierrors.New(apierrors.CodeInternal, "internal error"))
}

func (h *HTTPHandler) writeAPIError(w http.ResponseWriter, apiErr *apierrors.Error) {
	if apiErr == nil {
		apiErr = apierrors.New(apierrors.CodeInternal, "internal error")
	}
	status := apierrors.HTTPStatus(apiErr.Code)
	if apierrors.RequiresRetryAfter(apiErr.Code) {
		if hint := apiErr.RetryAfterHint(); hint != "" {
			w.Header().Set("Retry-After", hint)
		}
	}
	resp := errorResponse{
		Code:    string(apiErr.Code),
		Message: apiErr.Error(),
	}
	if hint := apiErr.RetryAfterHint(); hint != "" {
		resp.RetryAfterHint = hint
	}
	h.writeJSON(w, status, resp)
}
