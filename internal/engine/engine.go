// Package engine runs the reconciliation loop: it repeatedly selects
// ready, unleased entities, claims them with a lease, dispatches their
// state handlers concurrently under global and per-type caps, and applies
// the results. Progress lives entirely on the entity rows, so any number
// of processes can run the same loop against one store and crashed
// workers are recovered by lease expiry alone.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"ratchet/internal/graph"
	"ratchet/internal/lease"
	"ratchet/internal/metrics"
	"ratchet/internal/store"
	logx "ratchet/pkg/logx"
)

// State is the runner's own lifecycle: dispatching, draining after the
// first shutdown signal, stopped.
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

var (
	// ErrDrainTimeout means in-flight handlers outlived the grace period;
	// their leases are abandoned to natural expiry.
	ErrDrainTimeout = errors.New("engine: drain grace period exceeded")

	// ErrWatchdog means the maintenance pass wedged for more than twice
	// its interval; the process is likely deadlocked and should exit so
	// another worker takes over.
	ErrWatchdog = errors.New("engine: maintenance watchdog timeout")
)

const fetchWarnEvery = 5 * time.Second

// Config tunes one runner. Zero values get defaults from withDefaults.
type Config struct {
	// Concurrency caps handlers in flight process-wide; it also bounds
	// how many store connections the process can hold at once, which is
	// the real scalability limit.
	Concurrency int

	// ConcurrencyPerType caps handlers in flight for any one entity type,
	// so a high-volume type cannot starve the others.
	ConcurrencyPerType int

	LeaseDuration    time.Duration
	MaintenanceEvery time.Duration

	// MaintenanceCron, when set, schedules the maintenance pass by cron
	// spec instead of the fixed interval (the watchdog is disabled in
	// cron mode, since the schedule may legitimately be sparse).
	MaintenanceCron string

	// Loop delay bounds: the fetch loop sleeps MinLoopDelay while work is
	// flowing and backs off toward MaxLoopDelay when idle.
	MinLoopDelay time.Duration
	MaxLoopDelay time.Duration

	// DrainGrace bounds how long a graceful shutdown waits for in-flight
	// handlers.
	DrainGrace time.Duration

	// RunFor, when non-zero, stops dispatching after the elapsed time and
	// drains. This powers the synchronous single-pass trigger.
	RunFor time.Duration

	// LivenessFile, when set, is touched after every completed
	// maintenance pass.
	LivenessFile string

	// Heartbeat, when set, is invoked after every completed maintenance
	// pass (e.g. systemd watchdog notification).
	Heartbeat func()
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 50
	}
	if c.ConcurrencyPerType <= 0 {
		c.ConcurrencyPerType = 15
	}
	if c.ConcurrencyPerType > c.Concurrency {
		c.ConcurrencyPerType = c.Concurrency
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = lease.DefaultTTL
	}
	if c.MaintenanceEvery <= 0 {
		c.MaintenanceEvery = 30 * time.Second
	}
	if c.MinLoopDelay <= 0 {
		c.MinLoopDelay = 500 * time.Millisecond
	}
	if c.MaxLoopDelay <= 0 {
		c.MaxLoopDelay = 5 * time.Second
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 30 * time.Second
	}
	return c
}

// Runner is one process's worker loop over a set of entity graphs.
type Runner struct {
	cfg    Config
	st     store.Store
	leases *lease.Manager
	graphs []*graph.Graph
	log    logx.Logger
	met    *metrics.Set

	id string

	state atomic.Int32

	// Handler context: independent of the loop context so draining
	// handlers keep running after the first shutdown signal. Canceled
	// only when the drain grace period runs out.
	hctx    context.Context
	hcancel context.CancelFunc

	wg sync.WaitGroup

	mu           sync.Mutex
	inFlight     map[string]int
	total        int
	handled      map[string]int64 // since last stats flush
	handledTotal map[string]int64
	rotate       int

	maintBusy     atomic.Bool
	lastMaintDone atomic.Int64 // unix nanos of last completed pass
	cronSched     cron.Schedule
	fetchWarn     *rate.Limiter
}

// New validates the graph set and builds a runner. Metrics may be nil.
func New(cfg Config, st store.Store, graphs []*graph.Graph, log logx.Logger, met *metrics.Set) (*Runner, error) {
	if st == nil {
		return nil, errors.New("engine: store is required")
	}
	if len(graphs) == 0 {
		return nil, errors.New("engine: at least one graph is required")
	}
	cfg = cfg.withDefaults()

	seen := make(map[string]bool, len(graphs))
	for _, g := range graphs {
		if seen[g.Type()] {
			return nil, fmt.Errorf("engine: duplicate graph for type %q", g.Type())
		}
		seen[g.Type()] = true
	}

	leases, err := lease.NewManager(st, cfg.LeaseDuration)
	if err != nil {
		return nil, err
	}

	var sched cron.Schedule
	if cfg.MaintenanceCron != "" {
		sched, err = cron.ParseStandard(cfg.MaintenanceCron)
		if err != nil {
			return nil, fmt.Errorf("engine: maintenance cron: %w", err)
		}
	}

	if met == nil {
		met = metrics.New()
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	hctx, hcancel := context.WithCancel(context.Background())
	return &Runner{
		cfg:          cfg,
		st:           st,
		leases:       leases,
		graphs:       graphs,
		log:          log.With(logx.String("comp", "engine")),
		met:          met,
		id:           uuid.NewString(),
		hctx:         hctx,
		hcancel:      hcancel,
		inFlight:     make(map[string]int, len(graphs)),
		handled:      make(map[string]int64, len(graphs)),
		handledTotal: make(map[string]int64, len(graphs)),
		cronSched:    sched,
		fetchWarn:    rate.NewLimiter(rate.Every(fetchWarnEvery), 1),
	}, nil
}

// ID is this runner's unique identifier (logging only; leases are
// anonymous by design).
func (r *Runner) ID() string { return r.id }

// State reports the runner's lifecycle state.
func (r *Runner) State() State { return State(r.state.Load()) }

// Handled returns cumulative handler dispatch counts per entity type.
func (r *Runner) Handled() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.handledTotal))
	for k, v := range r.handledTotal {
		out[k] = v
	}
	return out
}

// Run executes the loop until ctx is canceled (graceful drain) or RunFor
// elapses. It returns nil on a clean drain, ErrDrainTimeout if in-flight
// handlers outlived the grace period, or ErrWatchdog if the maintenance
// pass wedged.
func (r *Runner) Run(ctx context.Context) error {
	r.state.Store(int32(StateRunning))
	defer r.state.Store(int32(StateStopped))

	started := time.Now()
	r.lastMaintDone.Store(started.UnixNano())
	// First maintenance runs immediately so a fresh process (or a
	// single bounded pass) begins with a readiness scan.
	nextMaint := started
	delay := r.cfg.MinLoopDelay

	r.log.Info("worker loop started",
		logx.String("runner", r.id),
		logx.Int("concurrency", r.cfg.Concurrency),
		logx.Int("concurrency_per_type", r.cfg.ConcurrencyPerType),
		logx.Duration("lease", r.cfg.LeaseDuration),
		logx.Int("types", len(r.graphs)),
	)

	for {
		now := time.Now()

		if r.cronSched == nil && r.maintBusy.Load() {
			if now.Sub(time.Unix(0, r.lastMaintDone.Load())) > 2*r.cfg.MaintenanceEvery {
				r.log.Error("maintenance watchdog timeout exceeded")
				return ErrWatchdog
			}
		}

		if !now.Before(nextMaint) {
			if r.maintBusy.CompareAndSwap(false, true) {
				go r.runMaintenance(r.hctx, now)
			} else {
				r.log.Warn("previous maintenance pass still running")
			}
			nextMaint = r.nextMaintenance(now)
		}

		n, err := r.dispatchOnce(ctx, now)
		switch {
		case err != nil && ctx.Err() == nil:
			// Store unavailability is transient: back off and retry, do
			// not exit.
			r.met.FetchFailures.Inc()
			if r.fetchWarn.Allow() {
				r.log.Warn("ready-batch fetch failed; backing off", logx.Err(err))
			}
			delay = r.cfg.MaxLoopDelay
		case n > 0:
			delay = r.cfg.MinLoopDelay
		default:
			delay = min(delay*3/2, r.cfg.MaxLoopDelay)
		}

		if r.cfg.RunFor > 0 && time.Since(started) >= r.cfg.RunFor {
			break
		}

		select {
		case <-ctx.Done():
			return r.drain()
		case <-time.After(delay):
		}
	}
	return r.drain()
}

// drain stops dispatch and waits for in-flight handlers, bounded by the
// grace period. Unfinished handlers have their context canceled and their
// leases are left to expire naturally.
func (r *Runner) drain() error {
	r.state.Store(int32(StateDraining))
	r.log.Info("draining; waiting for in-flight handlers", logx.Int("in_flight", r.inFlightTotal()))

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.log.Info("drained cleanly")
		return nil
	case <-time.After(r.cfg.DrainGrace):
		r.hcancel()
		r.log.Warn("drain grace exceeded; abandoning leases to expiry",
			logx.Int("in_flight", r.inFlightTotal()))
		return ErrDrainTimeout
	}
}

func (r *Runner) nextMaintenance(now time.Time) time.Time {
	if r.cronSched != nil {
		return r.cronSched.Next(now)
	}
	return now.Add(r.cfg.MaintenanceEvery)
}

func (r *Runner) inFlightTotal() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

func (r *Runner) noteHandled(typ string) {
	r.mu.Lock()
	r.handled[typ]++
	r.handledTotal[typ]++
	r.mu.Unlock()
}

// flushHandled returns and resets the since-last-flush counters.
func (r *Runner) flushHandled() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.handled
	r.handled = make(map[string]int64, len(r.graphs))
	return out
}

// RunOnce performs one bounded pass of the identical readiness, lease and
// dispatch logic: it is how environments without a standing process (an
// operator command, an HTTP trigger) advance the machine. It returns the
// handled counts per entity type.
func RunOnce(ctx context.Context, cfg Config, st store.Store, graphs []*graph.Graph, log logx.Logger, met *metrics.Set, runFor time.Duration) (map[string]int64, error) {
	if runFor <= 0 {
		runFor = 2 * time.Second
	}
	cfg.RunFor = runFor
	if cfg.MinLoopDelay <= 0 {
		cfg.MinLoopDelay = 50 * time.Millisecond
	}
	r, err := New(cfg, st, graphs, log, met)
	if err != nil {
		return nil, err
	}
	err = r.Run(ctx)
	return r.Handled(), err
}
