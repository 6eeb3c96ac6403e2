package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/malbeclabs/replicator/replicator/pkg/metrics"
	"github.com/malbeclabs/replicator/replicator/pkg/tablespec"
	"github.com/malbeclabs/replicator/replicator/pkg/trigger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxNotificationBytes = 1 << 20

type Server struct {
	log     *slog.Logger
	cfg     Config
	router  *chi.Mux
	httpSrv *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:    cfg.Logger,
		cfg:    cfg,
		router: chi.NewRouter(),
	}
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		// Loads run inline with the notification request.
		WriteTimeout:   15 * time.Minute,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s, nil
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.Middleware)

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		s.writeText(w, http.StatusOK, "ok\n")
	})
	s.router.Get("/readyz", s.readyzHandler)
	s.router.Get("/version", s.versionHandler)
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Get("/events", s.eventsHandler)
	s.router.Post("/events/object-created", s.objectCreatedHandler)
}

func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("server: http server error", "error", err)
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err(), "address", s.cfg.ListenAddr)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.log.Info("server: http server shutdown complete")
		return nil
	case err := <-serveErrCh:
		return err
	}
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		if err := s.cfg.Ready(r.Context()); err != nil {
			s.log.Debug("readyz: not ready", "error", err)
			s.writeText(w, http.StatusServiceUnavailable, "not ready\n")
			return
		}
	}
	s.writeText(w, http.StatusOK, "ok\n")
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.VersionInfo)
}

type dispatchResult struct {
	Key   string        `json:"key"`
	Route trigger.Route `json:"route"`
	Error string        `json:"error,omitempty"`
}

func (s *Server) objectCreatedHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("failed to read body: %w", err))
		return
	}
	refs, err := parseObjectCreated(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	for _, ref := range refs {
		if s.cfg.Bucket != "" && ref.Bucket != "" && ref.Bucket != s.cfg.Bucket {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("unexpected bucket %q", ref.Bucket))
			return
		}
	}

	status := http.StatusOK
	results := make([]dispatchResult, 0, len(refs))
	for _, ref := range refs {
		route, err := s.cfg.Dispatcher.Dispatch(r.Context(), ref.Key)
		res := dispatchResult{Key: ref.Key, Route: route}
		if err != nil {
			s.log.Error("server: object dispatch failed", "key", ref.Key, "route", route, "error", err)
			metrics.ObjectEventsTotal.WithLabelValues(string(route), "error").Inc()
			res.Error = err.Error()
			status = max(status, errorStatus(err))
		} else {
			metrics.ObjectEventsTotal.WithLabelValues(string(route), "success").Inc()
		}
		results = append(results, res)
	}
	s.writeJSON(w, status, map[string]any{"results": results})
}

// errorStatus separates errors a retry cannot fix from transient ones.
func errorStatus(err error) int {
	var cfgErr *tablespec.ConfigurationError
	if errors.As(err, &cfgErr) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		s.writeText(w, http.StatusNotFound, "journal not configured\n")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}
	events, err := s.cfg.Events.Recent(r.Context(), r.URL.Query().Get("table"), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	type eventJSON struct {
		Time        time.Time `json:"time"`
		RunID       string    `json:"run_id"`
		Stage       string    `json:"stage"`
		SourceTable string    `json:"source_table"`
		TargetTable string    `json:"target_table,omitempty"`
		Status      string    `json:"status"`
		Detail      string    `json:"detail,omitempty"`
		ExportIDs   []string  `json:"export_ids,omitempty"`
		Error       string    `json:"error,omitempty"`
		DurationMs  int64     `json:"duration_ms"`
	}
	out := make([]eventJSON, 0, len(events))
	for _, e := range events {
		out = append(out, eventJSON{
			Time:        e.Time,
			RunID:       e.RunID.String(),
			Stage:       string(e.Stage),
			SourceTable: e.SourceTable,
			TargetTable: e.TargetTable,
			Status:      string(e.Status),
			Detail:      e.Detail,
			ExportIDs:   e.ExportIDs,
			Error:       e.Error,
			DurationMs:  e.Duration.Milliseconds(),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (s *Server) writeText(w http.ResponseWriter, status int, body string) {
	w.WriteHeader(status)
	if _, err := w.Write([]byte(body)); err != nil {
		s.log.Error("server: failed to write response", "error", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("server: failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
