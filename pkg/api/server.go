// Package api exposes the thin HTTP surface named in §6.5: start/stop a
// camera's stream, read health/lifecycle state. It owns no business logic
// of its own — every handler is a thin adapter onto the orchestrator, the
// health monitor, and the repository.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ethan/vas-core/pkg/health"
	"github.com/ethan/vas-core/pkg/logger"
	"github.com/ethan/vas-core/pkg/model"
	"github.com/ethan/vas-core/pkg/orchestrator"
	"github.com/ethan/vas-core/pkg/vaserr"
)

// producerNotReadyRetrySeconds is the poll interval a caller should wait
// before retrying a start-stream that returned 409 producer_not_ready.
const producerNotReadyRetrySeconds = 2

// Server is the HTTP front door described in §6.5.
type Server struct {
	orch    *orchestrator.Orchestrator
	health  *health.Monitor
	repo    model.Repository
	log     *logger.Logger
	httpSrv *http.Server
}

// NewServer constructs a Server over its already-wired collaborators.
func NewServer(orch *orchestrator.Orchestrator, healthMon *health.Monitor, repo model.Repository, log *logger.Logger) *Server {
	return &Server{orch: orch, health: healthMon, repo: repo, log: log}
}

// Start binds addr and serves until Stop is called or the process exits.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/cameras/", s.handleCameraAction)
	mux.HandleFunc("/health/streams", s.handleHealthStreams)
	mux.HandleFunc("/streams/", s.handleStreamByID)
	mux.HandleFunc("/streams", s.handleStreamList)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.withLogging(mux),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.Info("starting HTTP server", "address", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	s.log.Info("stopping HTTP server")
	return s.httpSrv.Shutdown(ctx)
}

// withLogging logs method/path/status/duration for every request, mirroring
// the teacher's responseWriter-wrapping idiom.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// handleCameraAction routes POST /cameras/{id}/start-stream and
// POST /cameras/{id}/stop-stream.
func (s *Server) handleCameraAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/cameras/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 {
		http.Error(w, "expected /cameras/{id}/start-stream or stop-stream", http.StatusBadRequest)
		return
	}

	cameraID, err := uuid.Parse(parts[0])
	if err != nil {
		http.Error(w, "invalid camera id", http.StatusBadRequest)
		return
	}

	switch parts[1] {
	case "start-stream":
		result, err := s.orch.Start(r.Context(), cameraID)
		if err != nil {
			writeError(w, err)
			return
		}
		if !result.Reconnect && !result.ProducerReady {
			writeError(w, vaserr.NewRetryable(vaserr.KindProducerNotReady, "producer not ready yet", producerNotReadyRetrySeconds))
			return
		}
		writeJSON(w, http.StatusOK, startStreamResponse{
			CameraID:    cameraID.String(),
			RoomID:      result.RoomID,
			TransportID: result.TransportID,
			Producers:   producerFields{Video: result.ProducerVideo},
			Stream:      streamFields{StartedAt: result.StartedAt},
			Reconnect:   result.Reconnect,
		})
	case "stop-stream":
		if err := s.orch.Stop(r.Context(), cameraID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"camera_id": cameraID.String(), "state": "stopped"})
	default:
		http.Error(w, "unknown camera action", http.StatusNotFound)
	}
}

type producerFields struct {
	Video string `json:"video"`
}

type streamFields struct {
	StartedAt time.Time `json:"started_at"`
}

type startStreamResponse struct {
	CameraID    string         `json:"camera_id"`
	RoomID      string         `json:"room_id"`
	TransportID string         `json:"transport_id"`
	Producers   producerFields `json:"producers"`
	Stream      streamFields   `json:"stream"`
	Reconnect   bool           `json:"reconnect,omitempty"`
}

// handleHealthStreams serves GET /health/streams from HealthMonitor.Snapshot.
func (s *Server) handleHealthStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"monitored_producers": s.health.MonitoredProducers(),
		"rooms":               s.health.Snapshot(),
	})
}

// handleStreamByID serves GET /streams/{id}.
func (s *Server) handleStreamByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	idStr := strings.TrimPrefix(r.URL.Path, "/streams/")
	cameraID, err := uuid.Parse(idStr)
	if err != nil {
		http.Error(w, "invalid camera id", http.StatusBadRequest)
		return
	}

	stream, err := s.repo.GetStream(r.Context(), cameraID)
	if err != nil {
		writeError(w, vaserr.Wrap(vaserr.KindNotFound, "stream lookup", err))
		return
	}
	writeJSON(w, http.StatusOK, stream)
}

// handleStreamList serves GET /streams.
func (s *Server) handleStreamList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	streams, err := s.repo.ListStreams(r.Context())
	if err != nil {
		writeError(w, vaserr.Wrap(vaserr.KindInternal, "list streams", err))
		return
	}
	writeJSON(w, http.StatusOK, streams)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// errorResponse is the {error_code, message, detail} body named in §7.
type errorResponse struct {
	ErrorCode         string `json:"error_code"`
	Message           string `json:"message"`
	Detail            string `json:"detail,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// writeError maps a categorized error to its canonical status code and body
// shape (§7).
func writeError(w http.ResponseWriter, err error) {
	kind := vaserr.KindOf(err)
	resp := errorResponse{ErrorCode: string(kind), Message: err.Error()}

	var verr *vaserr.Error
	if errors.As(err, &verr) {
		resp.Message = verr.Message
		if verr.Cause != nil {
			resp.Detail = verr.Cause.Error()
		}
		resp.RetryAfterSeconds = verr.RetryAfterSeconds
	}

	writeJSON(w, kind.HTTPStatus(), resp)
}
