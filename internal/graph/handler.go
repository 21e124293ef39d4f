package graph

import (
	"context"
	"errors"

	"ratchet/internal/store"
)

// ErrTryAgainLater is returned by a handler to mean "no transition yet,
// and not a failure either": the attempt is recorded and the entity is
// retried after the state's try interval, without error logging.
var ErrTryAgainLater = errors.New("try again later")

// Handler is the business logic for one state.
//
// The entity is re-fetched fresh by the worker loop before every
// invocation, never handed over as a stale in-memory copy. Progress
// returns the name of a declared transition target, or "" to stay put.
//
// Execution is at-least-once: a crash after a handler's side effects but
// before the transition is recorded will cause the same state to be
// attempted again, so handlers must be idempotent. Any deduplication
// stronger than that is the handler's own responsibility. A handler must
// also not assume exclusive access to any entity other than the one it
// was invoked for.
type Handler interface {
	Progress(ctx context.Context, e *store.Entity) (next string, err error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, e *store.Entity) (string, error)

func (f HandlerFunc) Progress(ctx context.Context, e *store.Entity) (string, error) {
	return f(ctx, e)
}
