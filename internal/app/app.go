// Package app wires the daemon together: store, engine, HTTP surface and
// the supervisor that ties their lifetimes to one context.
package app

import (
	"context"
	"time"

	"ratchet/internal/config"
	"ratchet/internal/engine"
	"ratchet/internal/graph"
	"ratchet/internal/httpapi"
	"ratchet/internal/metrics"
	"ratchet/internal/runtime/supervisor"
	"ratchet/internal/store"
	logx "ratchet/pkg/logx"
)

type App struct {
	cfg    *config.Config
	log    logx.Logger
	st     store.Store
	met    *metrics.Set
	runner *engine.Runner
	http   *httpapi.Server
	graphs []*graph.Graph
}

// Options for pieces only the binary can provide.
type Options struct {
	// Heartbeat runs after each maintenance pass (e.g. systemd watchdog).
	Heartbeat func()
}

func New(cfg *config.Config, graphs []*graph.Graph, log logx.Logger, opts Options) (*App, error) {
	st, err := store.Open(store.Config{Path: cfg.Store.Path, BusyTimeout: cfg.Store.BusyTimeout}, log)
	if err != nil {
		return nil, err
	}

	met := metrics.New()

	runner, err := engine.New(engineConfig(cfg, opts), st, graphs, log, met)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	a := &App{cfg: cfg, log: log, st: st, met: met, runner: runner, graphs: graphs}

	if cfg.HTTP.Enabled {
		a.http = httpapi.New(
			httpapi.Config{Addr: cfg.HTTP.Addr, TriggerToken: cfg.HTTP.TriggerToken},
			met.Registry,
			func() string { return runner.State().String() },
			a.triggerOnce,
			log,
		)
	}
	return a, nil
}

func engineConfig(cfg *config.Config, opts Options) engine.Config {
	r := cfg.Runner
	return engine.Config{
		Concurrency:        r.Concurrency,
		ConcurrencyPerType: r.ConcurrencyPerType,
		LeaseDuration:      r.LeaseDuration,
		MaintenanceEvery:   r.MaintenanceEvery,
		MaintenanceCron:    r.MaintenanceCron,
		MinLoopDelay:       r.MinLoopDelay,
		MaxLoopDelay:       r.MaxLoopDelay,
		DrainGrace:         r.DrainGrace,
		LivenessFile:       r.LivenessFile,
		Heartbeat:          opts.Heartbeat,
	}
}

// triggerOnce backs the HTTP trigger: an extra bounded pass over the same
// store. Leases make it safe to run beside the standing loop.
func (a *App) triggerOnce(ctx context.Context, runFor time.Duration) (map[string]int64, error) {
	cfg := engineConfig(a.cfg, Options{})
	cfg.MaintenanceEvery = 0 // default; the pass still runs once at start
	return engine.RunOnce(ctx, cfg, a.st, a.graphs, a.log.With(logx.String("comp", "trigger")), a.met, runFor)
}

// Run blocks until the engine finishes (clean drain, drain timeout or
// watchdog). Canceling ctx starts a graceful drain.
func (a *App) Run(ctx context.Context) error {
	sup := supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)
	sup.Go("engine", func(ctx context.Context) error {
		return a.runner.Run(ctx)
	})
	if a.http != nil {
		sup.Go("http", func(ctx context.Context) error {
			return a.http.Run(ctx)
		})
	}

	// The engine bounds its own drain; wait out whatever it needs.
	err := sup.Wait(context.Background())
	if cerr := a.st.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Store exposes the opened store (status command, tests).
func (a *App) Store() store.Store { return a.st }
