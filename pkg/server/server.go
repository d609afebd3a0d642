// Package server exposes the crawl database and run controls over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/elonfeng/starcrawler/internal/scheduler"
	"github.com/elonfeng/starcrawler/internal/store"
	"github.com/elonfeng/starcrawler/pkg/trend"
)

// Options configures a Server.
type Options struct {
	Port int
	// Target is the repository count used by triggered runs that do not name one.
	Target   int
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server provides the HTTP API.
type Server struct {
	store  store.Store
	engine *trend.Engine
	guard  *scheduler.Guard
	opts   Options
	logger *slog.Logger
	router chi.Router

	// runCtx parents runs triggered over HTTP so they outlive the request.
	runCtx context.Context
}

// New creates a new HTTP server. guard may be nil, which disables run triggers.
func New(s store.Store, engine *trend.Engine, guard *scheduler.Guard, opts Options) *Server {
	if opts.Port == 0 {
		opts.Port = 8080
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	srv := &Server{
		store:  s,
		engine: engine,
		guard:  guard,
		opts:   opts,
		logger: opts.Logger,
		runCtx: context.Background(),
	}
	srv.router = srv.routes()
	return srv
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/repositories", s.handleRepositories)
		r.Get("/repositories/{nodeID}", s.handleRepository)
		r.Get("/repositories/{nodeID}/snapshots", s.handleSnapshots)
		r.Get("/runs", s.handleRuns)
		r.Get("/runs/{runID}", s.handleRun)
		r.Get("/gainers", s.handleGainers)
		r.Get("/crawl", s.handleCrawlStatus)
		r.Post("/crawl", s.handleCrawl)
	})
	return r
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.runCtx = ctx
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.opts.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", httpSrv.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.guard != nil {
		resp["crawling"] = s.guard.Busy()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRepositories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ListOpts{Owner: q.Get("owner")}
	var err error
	if opts.MinStars, err = intParam(q.Get("min_stars"), 0); err != nil {
		writeError(w, http.StatusBadRequest, "min_stars", err)
		return
	}
	if opts.Limit, err = intParam(q.Get("limit"), 100); err != nil {
		writeError(w, http.StatusBadRequest, "limit", err)
		return
	}
	if opts.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		writeError(w, http.StatusBadRequest, "offset", err)
		return
	}

	repos, err := s.store.ListRepositories(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list repositories", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  repos,
		"count": len(repos),
	})
}

func (s *Server) handleRepository(w http.ResponseWriter, r *http.Request) {
	repo, err := s.store.GetRepository(r.Context(), chi.URLParam(r, "nodeID"))
	if err != nil {
		writeStoreError(w, "get repository", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": repo})
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.DateOnly, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since", err)
			return
		}
		since = t
	}

	snaps, err := s.store.ListSnapshots(r.Context(), chi.URLParam(r, "nodeID"), since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list snapshots", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  snaps,
		"count": len(snaps),
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit", err)
		return
	}
	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list runs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  runs,
		"count": len(runs),
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "runID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "run id", err)
		return
	}
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		writeStoreError(w, "get run", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": run})
}

func (s *Server) handleGainers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days, err := intParam(q.Get("days"), 7)
	if err != nil {
		writeError(w, http.StatusBadRequest, "days", err)
		return
	}
	limit, err := intParam(q.Get("limit"), 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit", err)
		return
	}

	gainers, err := s.engine.Gainers(r.Context(), days, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rank gainers", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  gainers,
		"count": len(gainers),
	})
}

func (s *Server) handleCrawlStatus(w http.ResponseWriter, r *http.Request) {
	if s.guard == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "run triggers are disabled"})
		return
	}
	resp := map[string]any{"running": s.guard.Busy()}
	if last := s.guard.Last(); last != nil {
		resp["last_run"] = last
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCrawl(w http.ResponseWriter, r *http.Request) {
	if s.guard == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "run triggers are disabled"})
		return
	}
	target, err := intParam(r.URL.Query().Get("target"), s.opts.Target)
	if err != nil {
		writeError(w, http.StatusBadRequest, "target", err)
		return
	}

	if _, err := s.guard.Start(s.runCtx, target); err != nil {
		if errors.Is(err, scheduler.ErrBusy) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeError(w, http.StatusInternalServerError, "start run", err)
		return
	}
	s.logger.Info("crawl run triggered", "target", target,
		"request_id", middleware.GetReqID(r.Context()))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "started",
		"target": target,
	})
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative, got %d", n)
	}
	return n, nil
}

func writeStoreError(w http.ResponseWriter, msg string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	writeError(w, http.StatusInternalServerError, msg, err)
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf("%s: %v", msg, err)})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
