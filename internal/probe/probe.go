// Package probe ships a minimal built-in entity graph for smoke-testing a
// deployment: seed a few probe entities, watch the loop carry them to
// done, and let the deletion pass clean them up. Deployments embedding
// the engine register their real graphs alongside this one.
package probe

import (
	"context"
	"time"

	"ratchet/internal/graph"
	"ratchet/internal/store"
)

const TypeName = "probe"

// Graph returns the probe state machine: new -> done, with done pruned
// after a day.
func Graph() *graph.Graph {
	return graph.MustNew(graph.Def{
		Type:    TypeName,
		Initial: "new",
		States: []graph.StateDef{
			{
				Name:          "new",
				Handler:       graph.HandlerFunc(handleNew),
				TryInterval:   30 * time.Second,
				TransitionsTo: []string{"done"},
			},
			{
				Name:        "done",
				DeleteAfter: 24 * time.Hour,
			},
		},
	})
}

func handleNew(ctx context.Context, e *store.Entity) (string, error) {
	return "done", nil
}

// Seed creates n probe entities ready for dispatch.
func Seed(ctx context.Context, st store.Store, ids []string) error {
	g := Graph()
	for _, id := range ids {
		e := &store.Entity{ID: id, Type: TypeName, State: g.Initial()}
		if err := st.Create(ctx, e); err != nil {
			return err
		}
	}
	return nil
}
