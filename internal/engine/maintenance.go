package engine

import (
	"context"
	"os"
	"strconv"
	"time"

	"ratchet/internal/graph"
	"ratchet/internal/store"
	logx "ratchet/pkg/logx"
)

const (
	leaseCleanBatch  = 1000
	deleteBatch      = 500
	maintenanceLimit = 2 * time.Minute
)

// runMaintenance is the periodic pass that keeps the loop self-healing:
// it expires stale leases, flips retry-eligible entities back to ready,
// prunes states that opted into deletion, and flushes stats. It only ever
// moves entities toward dispatchability, so concurrent passes from other
// processes may do redundant writes but never incorrect ones — the lease
// check at dispatch is the real correctness boundary.
func (r *Runner) runMaintenance(ctx context.Context, now time.Time) {
	defer r.maintBusy.Store(false)

	ctx, cancel := context.WithTimeout(ctx, maintenanceLimit)
	defer cancel()

	handled := r.flushHandled()
	if len(handled) > 0 {
		for typ, n := range handled {
			r.log.Info("handled since last flush", logx.String("type", typ), logx.Int64("n", n))
		}
	} else {
		r.log.Debug("no entities handled since last flush")
	}

	if n, err := r.st.ClearExpiredLeases(ctx, now, leaseCleanBatch); err != nil {
		r.log.Warn("expired-lease cleanup failed", logx.Err(err))
	} else if n > 0 {
		r.log.Debug("cleared expired leases", logx.Int64("n", n))
	}

	for _, g := range r.graphs {
		r.scheduleType(ctx, g, now, handled[g.Type()])
	}

	if r.cfg.LivenessFile != "" {
		if err := os.WriteFile(r.cfg.LivenessFile, []byte(strconv.FormatInt(now.Unix(), 10)), 0o644); err != nil {
			r.log.Warn("liveness file write failed", logx.Err(err))
		}
	}
	if r.cfg.Heartbeat != nil {
		r.cfg.Heartbeat()
	}

	r.lastMaintDone.Store(time.Now().UnixNano())
	r.met.MaintenanceRun.Inc()
}

func (r *Runner) scheduleType(ctx context.Context, g *graph.Graph, now time.Time, handled int64) {
	typ := g.Type()
	log := r.log.With(logx.String("type", typ))

	// Readiness pass: non-locking bulk flip of the ready bit for every
	// state whose try interval has elapsed (or that was never attempted).
	// States without a try interval are only readied by external triggers.
	var rules []store.RetryRule
	for _, name := range g.AutomaticStates() {
		if iv, ok := g.TryInterval(name); ok {
			rules = append(rules, store.RetryRule{State: name, Interval: iv})
		}
	}
	if n, err := r.st.BulkMarkReady(ctx, typ, rules, now); err != nil {
		log.Warn("readiness pass failed", logx.Err(err))
	} else if n > 0 {
		log.Debug("marked entities ready", logx.Int64("n", n))
	}

	for _, name := range g.DeletionStates() {
		st, _ := g.State(name)
		cutoff := now.Add(-st.DeleteAfter)
		n, err := r.st.DeleteDue(ctx, typ, name, cutoff, deleteBatch)
		if err != nil {
			log.Warn("deletion pass failed", logx.String("state", name), logx.Err(err))
			continue
		}
		if n > 0 {
			r.met.Deleted.WithLabelValues(typ).Add(float64(n))
			log.Info("pruned entities", logx.String("state", name), logx.Int64("n", n))
		}
	}

	queued, err := r.st.ReadyCount(ctx, typ, g.AutomaticStates(), now)
	if err != nil {
		log.Warn("ready count failed", logx.Err(err))
		return
	}
	r.met.Queued.WithLabelValues(typ).Set(float64(queued))

	stats, err := r.st.GetStats(ctx, typ)
	if err != nil {
		log.Warn("stats load failed", logx.Err(err))
		return
	}
	if handled > 0 {
		stats.AddHandled(now, handled)
	}
	stats.SetQueued(now, queued)
	stats.Trim(now)
	if err := r.st.PutStats(ctx, stats); err != nil {
		log.Warn("stats save failed", logx.Err(err))
	}
}
