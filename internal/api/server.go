// Package api exposes the read-only query surface consumed by the reporting
// and admin layers: current envelope status and the full audit history.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/scangate/scangate/internal/envelope"
	"github.com/scangate/scangate/internal/model"
)

// Server serves envelope status and history over HTTP.
type Server struct {
	store  envelope.Store
	events envelope.EventStore
	server *http.Server
	logger *slog.Logger
}

// New constructs a Server listening on addr.
func New(addr string, store envelope.Store, events envelope.EventStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{store: store, events: events, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/envelopes/", s.handleEnvelopeRoute)
	s.server = &http.Server{Addr: addr, Handler: loggingMiddleware(mux, logger)}
	return s
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.logger.Info("api listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEnvelopeRoute serves /envelopes/{container}/{zip} and
// /envelopes/{container}/{zip}/events.
func (s *Server) handleEnvelopeRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/envelopes/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		http.NotFound(w, r)
		return
	}
	container, zipName := parts[0], parts[1]
	if len(parts) == 3 && parts[2] == "events" {
		s.handleEvents(w, r, container, zipName)
		return
	}
	if len(parts) == 2 {
		s.handleStatus(w, r, container, zipName)
		return
	}
	http.NotFound(w, r)
}

type statusResponse struct {
	ID             string               `json:"id"`
	Container      string               `json:"container"`
	ZipFileName    string               `json:"zipFileName"`
	Status         model.Status         `json:"status"`
	Classification model.Classification `json:"classification"`
	CaseReference  *string              `json:"caseReference,omitempty"`
	ZipDeleted     bool                 `json:"zipDeleted"`
	UploadFailures int                  `json:"uploadFailures"`
	Documents      []documentStatus     `json:"documents"`
}

type documentStatus struct {
	DocumentControlNumber string   `json:"dcn"`
	FileName              string   `json:"fileName"`
	DocumentURL           string   `json:"documentUrl,omitempty"`
	Warnings              []string `json:"warnings,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, container, zipName string) {
	env, err := s.store.FindLatest(r.Context(), container, zipName)
	if err != nil {
		if errors.Is(err, envelope.ErrNotFound) {
			http.Error(w, "envelope not found", http.StatusNotFound)
			return
		}
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	resp := statusResponse{
		ID:             env.ID,
		Container:      env.Container,
		ZipFileName:    env.ZipFileName,
		Status:         env.Status,
		Classification: env.Classification,
		CaseReference:  env.CaseReference,
		ZipDeleted:     env.ZipDeleted,
		UploadFailures: env.UploadFailureCount,
	}
	for _, item := range env.ScannableItems {
		resp.Documents = append(resp.Documents, documentStatus{
			DocumentControlNumber: item.DocumentControlNumber,
			FileName:              item.FileName,
			DocumentURL:           item.DocumentURL,
			Warnings:              item.OcrValidationWarnings,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, container, zipName string) {
	events, err := s.events.List(r.Context(), container, zipName)
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if len(events) == 0 {
		http.Error(w, "no events for zip", http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, events)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("encode response", "error", err)
	}
}

func loggingMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start).String())
	})
}
