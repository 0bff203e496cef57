package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"bindery/internal/api"
	"bindery/internal/config"
	"bindery/internal/logging"
	"bindery/internal/queue"
	"bindery/internal/services"
	"bindery/internal/workflow"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
	maxBodyBytes     = 1 << 20
)

// queueController is the workflow surface served over HTTP.
// *workflow.Manager satisfies it.
type queueController interface {
	api.QueueReader
	workflow.Enqueuer
	workflow.ConversionCallbacks
	workflow.DeliveryCallbacks
	Cancel(ctx context.Context, jobID int64) (queue.CancelResult, error)
	Retry(ctx context.Context, jobID int64) (*queue.Job, error)
	DeleteFile(ctx context.Context, jobID int64) (bool, error)
	Send(ctx context.Context, jobID int64) error
	ResetStuck(ctx context.Context) (int64, error)
	ClearQueue(ctx context.Context, statuses ...queue.Status) (int64, error)
}

type apiServer struct {
	bind     string
	token    string
	logger   *slog.Logger
	daemon   *Daemon
	queue    queueController
	queueSvc *api.QueueService
	handler  http.Handler

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, ctl queueController, logger *slog.Logger) *apiServer {
	srv := &apiServer{
		bind:     strings.TrimSpace(cfg.Paths.APIBind),
		token:    strings.TrimSpace(cfg.Paths.APIToken),
		logger:   logging.NewComponentLogger(logger, "api-server"),
		daemon:   d,
		queue:    ctl,
		queueSvc: api.NewQueueService(ctl),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", srv.handleStatus)
	mux.HandleFunc("POST /api/notifications/test", srv.handleTestNotification)

	mux.HandleFunc("GET /api/queue", srv.handleQueue)
	mux.HandleFunc("GET /api/queue/stats", srv.handleStats)
	mux.HandleFunc("POST /api/queue/enqueue", srv.handleEnqueue)
	mux.HandleFunc("POST /api/queue/reset-stuck", srv.handleResetStuck)
	mux.HandleFunc("POST /api/queue/clear", srv.handleClear)
	mux.HandleFunc("GET /api/queue/{id}", srv.handleJob)
	mux.HandleFunc("POST /api/queue/{id}/cancel", srv.handleCancel)
	mux.HandleFunc("POST /api/queue/{id}/retry", srv.handleRetry)
	mux.HandleFunc("DELETE /api/queue/{id}/file", srv.handleDeleteFile)
	mux.HandleFunc("POST /api/queue/{id}/send", srv.handleSend)

	mux.HandleFunc("PUT /api/units", srv.handleRegisterUnits)

	mux.HandleFunc("POST /api/jobs/{id}/converted", srv.handleConverted)
	mux.HandleFunc("POST /api/jobs/{id}/conversion-failed", srv.handleConversionFailed)
	mux.HandleFunc("POST /api/jobs/{id}/sent", srv.handleSent)
	mux.HandleFunc("POST /api/jobs/{id}/send-failed", srv.handleSendFailed)

	srv.handler = srv.withRequestContext(authMiddleware(srv.token, mux.ServeHTTP))
	return srv
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil || s.bind == "" {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	s.mu.Lock()
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	s.logger.Info("api server listening",
		logging.String("address", listener.Addr().String()),
		logging.Bool("auth", s.token != ""),
	)
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

func (s *apiServer) address() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// withRequestContext tags each request with a correlation id and logs failures.
func (s *apiServer) withRequestContext(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		r = r.WithContext(services.WithRequestID(r.Context(), requestID))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		next(rec, r)

		logger := logging.WithContext(r.Context(), s.logger)
		attrs := logging.Args(
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Int("status", rec.status),
			logging.Duration("elapsed", time.Since(started)),
		)
		if rec.status >= http.StatusInternalServerError {
			logger.Warn("api request failed", attrs...)
			return
		}
		logger.Debug("api request", attrs...)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.daemon.Status(r.Context())
	s.writeJSON(w, http.StatusOK, api.DaemonStatus{
		Running:      status.Running,
		PID:          status.PID,
		QueueDBPath:  status.QueueDBPath,
		LockFilePath: status.LockFilePath,
		APIBind:      status.APIBind,
		Workflow:     api.FromStatusSummary(status.Workflow),
		Dependencies: api.FromDependencies(status.Dependencies),
	})
}

func (s *apiServer) handleTestNotification(w http.ResponseWriter, r *http.Request) {
	sent, message, err := s.daemon.TestNotification(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, api.CodeUnavailable, fmt.Sprintf("%s: %v", message, err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sent": sent, "message": message})
}

func (s *apiServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	statuses, err := api.ParseStatuses(query["status"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, api.CodeBadRequest, err.Error())
		return
	}
	offset, err := intParam(query.Get("offset"), 0)
	if err != nil || offset < 0 {
		s.writeError(w, http.StatusBadRequest, api.CodeBadRequest, "offset must be a non-negative integer")
		return
	}
	limit, err := intParam(query.Get("limit"), defaultPageLimit)
	if err != nil || limit < 1 {
		s.writeError(w, http.StatusBadRequest, api.CodeBadRequest, "limit must be a positive integer")
		return
	}
	limit = min(limit, maxPageLimit)

	snapshot, err := s.queueSvc.List(r.Context(), queue.ListFilter{Statuses: statuses, Offset: offset, Limit: limit})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *apiServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queueSvc.Stats(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *apiServer) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req api.EnqueueRequest
	if !s.decode(w, r, &req) {
		return
	}
	ids := make([]string, 0, len(req.UnitIDs))
	for _, id := range req.UnitIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		s.writeError(w, http.StatusBadRequest, api.CodeBadRequest, "unit_ids is required")
		return
	}
	result, err := s.queue.Enqueue(r.Context(), ids)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromEnqueueResult(result))
}

func (s *apiServer) handleResetStuck(w http.ResponseWriter, r *http.Request) {
	count, err := s.queue.ResetStuck(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ResetStuckResponse{ResetCount: count})
}

func (s *apiServer) handleClear(w http.ResponseWriter, r *http.Request) {
	var req api.ClearRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	statuses, err := api.ParseStatuses(req.Statuses)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, api.CodeBadRequest, err.Error())
		return
	}
	removed, err := s.queue.ClearQueue(r.Context(), statuses...)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ClearResponse{Removed: removed})
}

func (s *apiServer) handleJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	view, err := s.queueSvc.Describe(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *apiServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	result, err := s.queue.Cancel(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.CancelResponse{Cancelled: result.Cancelled, BundleSize: result.BundleSize})
}

func (s *apiServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	job, err := s.queue.Retry(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.StatusResponse{Status: string(job.Status)})
}

func (s *apiServer) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	deleted, err := s.queue.DeleteFile(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.DeleteFileResponse{Deleted: deleted})
}

func (s *apiServer) handleSend(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	if err := s.queue.Send(r.Context(), id); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.StatusResponse{Status: "sending"})
}

func (s *apiServer) handleRegisterUnits(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterUnitsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Units) == 0 {
		s.writeError(w, http.StatusBadRequest, api.CodeBadRequest, "units is required")
		return
	}
	units, err := api.ToUnits(req.Units)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, api.CodeBadRequest, err.Error())
		return
	}
	count, err := s.queue.RegisterUnits(r.Context(), units)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.RegisterUnitsResponse{Registered: count})
}

func (s *apiServer) handleConverted(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	var req api.ConvertedCallback
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ConvertedPath) == "" {
		s.writeError(w, http.StatusBadRequest, api.CodeBadRequest, "converted_path is required")
		return
	}
	s.ack(w, s.queue.MarkConverted(r.Context(), id, req.ConvertedPath))
}

func (s *apiServer) handleConversionFailed(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	var req api.FailureCallback
	if !s.decode(w, r, &req) {
		return
	}
	s.ack(w, s.queue.MarkConversionFailed(r.Context(), id, req.Reason))
}

func (s *apiServer) handleSent(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	var req api.SentCallback
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	var sentAt time.Time
	if value := strings.TrimSpace(req.SentAt); value != "" {
		parsed, err := time.Parse(time.RFC3339, value)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, api.CodeBadRequest, "sent_at must be RFC3339")
			return
		}
		sentAt = parsed
	}
	s.ack(w, s.queue.MarkSent(r.Context(), id, sentAt))
}

func (s *apiServer) handleSendFailed(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	var req api.FailureCallback
	if !s.decode(w, r, &req) {
		return
	}
	s.ack(w, s.queue.MarkSendFailed(r.Context(), id, req.Reason))
}

func (s *apiServer) ack(w http.ResponseWriter, err error) {
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.AckResponse{OK: true})
}

func (s *apiServer) jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, api.CodeBadRequest, "invalid job id")
		return 0, false
	}
	return id, true
}

func (s *apiServer) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, api.CodeBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func intParam(value string, fallback int) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback, nil
	}
	return strconv.Atoi(value)
}

// writeFailure maps domain errors to status codes and error codes.
func (s *apiServer) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidState):
		s.writeError(w, http.StatusConflict, api.CodeInvalidState, err.Error())
	case errors.Is(err, workflow.ErrNotReady):
		s.writeError(w, http.StatusConflict, api.CodeNotReady, err.Error())
	case errors.Is(err, workflow.ErrDeliveryDisabled):
		s.writeError(w, http.StatusConflict, api.CodeUnavailable, err.Error())
	case errors.Is(err, queue.ErrNotFound):
		s.writeError(w, http.StatusNotFound, api.CodeNotFound, err.Error())
	case errors.Is(err, services.ErrValidation):
		s.writeError(w, http.StatusBadRequest, api.CodeBadRequest, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, api.CodeInternal, err.Error())
	}
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message, Code: code})
}
