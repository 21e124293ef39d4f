package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"ratchet/internal/graph"
	"ratchet/internal/store"
	logx "ratchet/pkg/logx"
)

// storeOpTimeout bounds the bookkeeping writes around a handler run, so a
// canceled handler context never blocks recording the outcome.
const storeOpTimeout = 10 * time.Second

// dispatchOnce selects one bounded batch per entity type and dispatches
// every entity it wins the lease race for. Graph order is rotated between
// calls so no type permanently goes first. Returns how many handlers were
// started.
func (r *Runner) dispatchOnce(ctx context.Context, now time.Time) (int, error) {
	if r.State() != StateRunning {
		return 0, nil
	}

	r.mu.Lock()
	space := r.cfg.Concurrency - r.total
	offset := r.rotate
	r.rotate++
	r.mu.Unlock()
	if space <= 0 {
		return 0, nil
	}

	dispatched := 0
	for i := range r.graphs {
		g := r.graphs[(offset+i)%len(r.graphs)]
		if space <= 0 {
			break
		}

		r.mu.Lock()
		typeSpace := r.cfg.ConcurrencyPerType - r.inFlight[g.Type()]
		r.mu.Unlock()
		limit := typeSpace
		if space < limit {
			limit = space
		}
		if limit <= 0 {
			continue
		}

		batch, err := r.st.FetchReadyBatch(ctx, g.Type(), g.AutomaticStates(), limit, now)
		if err != nil {
			return dispatched, err
		}

		for _, e := range batch {
			_, ok, err := r.leases.TryAcquire(ctx, e.ID, now)
			if err != nil {
				return dispatched, err
			}
			if !ok {
				// Another worker won the race; not an error.
				r.met.LeaseLost.WithLabelValues(g.Type()).Inc()
				continue
			}
			if err := r.st.MarkAttempted(ctx, e.ID, now); err != nil {
				r.log.Warn("failed to mark attempt; releasing lease",
					logx.String("entity", e.ID), logx.Err(err))
				_ = r.leases.Release(ctx, e.ID)
				continue
			}

			r.mu.Lock()
			r.inFlight[g.Type()]++
			r.total++
			r.mu.Unlock()
			r.met.InFlight.Inc()
			r.wg.Add(1)
			go r.runOne(g, e.ID)

			dispatched++
			space--
			if space <= 0 {
				break
			}
		}
	}
	return dispatched, nil
}

// runOne executes the handler for a single leased entity and applies the
// outcome. It runs on the handler context, which survives the first
// shutdown signal so draining work can finish.
func (r *Runner) runOne(g *graph.Graph, id string) {
	typ := g.Type()
	transitioned := false

	defer func() {
		if !transitioned {
			// Success and failure paths both release; a transition has
			// already cleared the lease atomically.
			octx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
			if err := r.leases.Release(octx, id); err != nil {
				r.log.Warn("lease release failed; will expire naturally",
					logx.String("entity", id), logx.Err(err))
			}
			cancel()
		}
		r.mu.Lock()
		r.inFlight[typ]--
		r.total--
		r.mu.Unlock()
		r.met.InFlight.Dec()
		r.wg.Done()
	}()

	// Re-fetch fresh: handlers never see a stale in-memory copy.
	e, err := r.st.Get(r.hctx, id)
	if err != nil {
		r.log.Warn("entity vanished between fetch and dispatch",
			logx.String("entity", id), logx.Err(err))
		return
	}

	stDef, ok := g.State(e.State)
	if !ok || !stDef.Automatic() {
		// Raced with an external transition; leave it alone.
		r.log.Warn("skipping externally progressed state",
			logx.String("entity", id), logx.String("state", e.State))
		return
	}

	log := r.log.With(
		logx.String("entity", id),
		logx.String("type", typ),
		logx.String("state", e.State),
	)
	log.Debug("attempting transition")

	next, herr := r.invoke(stDef.Handler, e)

	now := time.Now()
	if herr == nil && next != "" {
		if !g.ValidTransition(e.State, next) {
			herr = fmt.Errorf("handler returned undeclared transition %q -> %q", e.State, next)
		} else {
			if err := r.applyTransition(g, id, next, now); err != nil {
				log.Error("failed to record transition", logx.String("to", next), logx.Err(err))
				return
			}
			transitioned = true
			r.noteHandled(typ)
			r.met.Handled.WithLabelValues(typ, "transition").Inc()
			log.Debug("transitioned", logx.String("to", next))
			return
		}
	}

	switch {
	case errors.Is(herr, graph.ErrTryAgainLater):
		log.Debug("handler deferred; will retry after interval")
	case herr != nil:
		// Contained per entity: the attempt is recorded and the retry
		// interval takes over. The worker never aborts.
		r.met.HandlerErrors.WithLabelValues(typ).Inc()
		r.met.Handled.WithLabelValues(typ, "error").Inc()
		log.Error("handler failed; leaving state for retry",
			logx.Duration("state_age", e.StateAge(now)), logx.Err(herr))
	}

	// A state that has been sitting too long can time out sideways even
	// when its handler keeps declining to move it.
	if stDef.TimesOutAfter > 0 && e.StateAge(now) >= stDef.TimesOutAfter {
		if err := r.applyTransition(g, id, stDef.TimesOutTo, now); err != nil {
			log.Error("failed to record timeout transition", logx.Err(err))
			return
		}
		transitioned = true
		r.noteHandled(typ)
		r.met.Handled.WithLabelValues(typ, "timeout").Inc()
		log.Info("state timed out", logx.String("to", stDef.TimesOutTo))
		return
	}

	if herr == nil {
		r.noteHandled(typ)
		r.met.Handled.WithLabelValues(typ, "none").Inc()
	}
	// No transition: ready stays false and the attempt timestamp set at
	// dispatch gates the next try via the readiness pass.
}

// invoke runs a handler with panic containment: one bad handler must not
// crash the loop or poison other in-flight work.
func (r *Runner) invoke(h graph.Handler, e *store.Entity) (next string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
			r.log.Error("handler panicked",
				logx.String("entity", e.ID),
				logx.String("state", e.State),
				logx.Any("panic", rec),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	return h.Progress(r.hctx, e)
}

func (r *Runner) applyTransition(g *graph.Graph, id, to string, now time.Time) error {
	target, _ := g.State(to)
	delayed := target != nil && target.DelayFirstAttempt && target.TryInterval > 0
	octx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	return r.st.ApplyTransition(octx, id, to, now, delayed)
}
