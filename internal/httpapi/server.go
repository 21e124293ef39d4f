// Package httpapi is the operator-facing HTTP surface: a token-gated
// trigger that runs one bounded pass of the worker loop (for environments
// that cannot host a standing process), plus health and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "ratchet/pkg/logx"
)

const (
	defaultTriggerRunFor = 2 * time.Second
	maxTriggerRunFor     = 30 * time.Second
	shutdownTimeout      = 5 * time.Second
)

// TriggerFunc runs one bounded pass of the readiness/lease/dispatch logic
// and reports handled counts per entity type.
type TriggerFunc func(ctx context.Context, runFor time.Duration) (map[string]int64, error)

// Config for the HTTP server.
type Config struct {
	Addr string

	// TriggerToken gates POST /run. An empty token disables the trigger
	// entirely rather than leaving it open.
	TriggerToken string
}

type Server struct {
	cfg     Config
	log     logx.Logger
	trigger TriggerFunc
	state   func() string
	srv     *http.Server
}

func New(cfg Config, reg *prometheus.Registry, state func() string, trigger TriggerFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, log: log.With(logx.String("comp", "http")), trigger: trigger, state: state}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Post("/run", s.handleRun)

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: maxTriggerRunFor + 10*time.Second,
	}
	return s
}

// Handler exposes the router (tests).
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listening", logx.String("addr", s.cfg.Addr))
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.srv.Shutdown(sctx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := "unknown"
	if s.state != nil {
		state = s.state()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "runner": state})
}

func (s *Server) handleRun(w http.ResponseWriter, req *http.Request) {
	if s.cfg.TriggerToken == "" {
		http.Error(w, "no trigger token set", http.StatusForbidden)
		return
	}
	if req.URL.Query().Get("token") != s.cfg.TriggerToken {
		http.Error(w, "invalid token", http.StatusForbidden)
		return
	}
	if s.trigger == nil {
		http.Error(w, "trigger not available", http.StatusServiceUnavailable)
		return
	}

	runFor := defaultTriggerRunFor
	if raw := req.URL.Query().Get("run_for"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			http.Error(w, "invalid run_for", http.StatusBadRequest)
			return
		}
		if d > maxTriggerRunFor {
			d = maxTriggerRunFor
		}
		runFor = d
	}

	handled, err := s.trigger(req.Context(), runFor)
	if err != nil {
		s.log.Error("triggered run failed", logx.Err(err))
		http.Error(w, "run failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"handled": handled})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
