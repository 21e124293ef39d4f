// Package graph holds the declarative state machine definition for one
// entity type: the states, the transitions a handler may perform, and
// per-state scheduling metadata. A Graph is validated on construction and
// read-only afterwards, so it is safe to share across workers without
// synchronization.
package graph

import (
	"fmt"
	"sort"
	"time"
)

// DefinitionError reports a malformed graph definition. It is fatal at
// process start; a process must never run with a partially valid graph.
type DefinitionError struct {
	Type string
	Msg  string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("graph %q: %s", e.Type, e.Msg)
}

// Def declares one entity type's state machine.
type Def struct {
	// Type is the entity type label, e.g. "follow" or "delivery".
	Type string

	// Initial is the state new entities are created in.
	Initial string

	States []StateDef
}

// StateDef declares a single state.
type StateDef struct {
	Name string

	// Handler runs when a worker picks the entity up in this state.
	// Required unless the state is terminal or externally progressed.
	Handler Handler

	// TryInterval is how long after a failed or no-op attempt the entity
	// becomes eligible again. Zero means the state never auto-retries and
	// is only re-dispatched by an external ready trigger.
	TryInterval time.Duration

	// ExternallyProgressed states are moved by other code entirely; no
	// handler ever runs for them.
	ExternallyProgressed bool

	// DelayFirstAttempt makes entities entering this state wait one full
	// TryInterval before the first attempt instead of being dispatched
	// immediately.
	DelayFirstAttempt bool

	// TransitionsTo lists the states a handler may return from this state.
	TransitionsTo []string

	// TimesOutTo, when set, force-transitions the entity to the named
	// state once it has sat here longer than TimesOutAfter without a
	// handler progressing it. The target counts as a declared transition.
	TimesOutTo    string
	TimesOutAfter time.Duration

	// DeleteAfter, when non-zero, opts this state into the maintenance
	// deletion pass: entities are pruned once they have been in the state
	// this long. Terminal states only.
	DeleteAfter time.Duration
}

// State is the resolved, immutable form of a StateDef.
type State struct {
	Name                 string
	Handler              Handler
	TryInterval          time.Duration
	ExternallyProgressed bool
	DelayFirstAttempt    bool
	TimesOutTo           string
	TimesOutAfter        time.Duration
	DeleteAfter          time.Duration

	// Terminal means the state has no outgoing transitions.
	Terminal bool

	children map[string]bool
}

// Automatic reports whether the worker loop dispatches a handler for this
// state. Terminal and externally progressed states are never dispatched.
func (s *State) Automatic() bool {
	return !s.Terminal && !s.ExternallyProgressed
}

// Graph is a validated, immutable state machine definition.
type Graph struct {
	typ     string
	initial string
	states  map[string]*State

	// Sorted snapshots so callers get stable iteration order.
	automatic []string
	deletion  []string
}

// New validates a definition and builds the graph. Every error is a
// *DefinitionError.
func New(def Def) (*Graph, error) {
	fail := func(format string, args ...any) error {
		return &DefinitionError{Type: def.Type, Msg: fmt.Sprintf(format, args...)}
	}

	if def.Type == "" {
		return nil, fail("entity type is required")
	}
	if len(def.States) == 0 {
		return nil, fail("at least one state is required")
	}

	g := &Graph{typ: def.Type, initial: def.Initial, states: make(map[string]*State, len(def.States))}

	for _, sd := range def.States {
		if sd.Name == "" {
			return nil, fail("state with empty name")
		}
		if _, dup := g.states[sd.Name]; dup {
			return nil, fail("duplicate state %q", sd.Name)
		}
		st := &State{
			Name:                 sd.Name,
			Handler:              sd.Handler,
			TryInterval:          sd.TryInterval,
			ExternallyProgressed: sd.ExternallyProgressed,
			DelayFirstAttempt:    sd.DelayFirstAttempt,
			TimesOutTo:           sd.TimesOutTo,
			TimesOutAfter:        sd.TimesOutAfter,
			DeleteAfter:          sd.DeleteAfter,
			children:             make(map[string]bool, len(sd.TransitionsTo)+1),
		}
		for _, to := range sd.TransitionsTo {
			st.children[to] = true
		}
		if sd.TimesOutTo != "" {
			if sd.TimesOutAfter <= 0 {
				return nil, fail("state %q has a timeout target but no timeout duration", sd.Name)
			}
			st.children[sd.TimesOutTo] = true
		} else if sd.TimesOutAfter > 0 {
			return nil, fail("state %q has a timeout duration but no timeout target", sd.Name)
		}
		st.Terminal = len(st.children) == 0
		g.states[sd.Name] = st
	}

	// Transition targets must be declared states.
	for _, st := range g.states {
		for to := range st.children {
			if _, ok := g.states[to]; !ok {
				return nil, fail("state %q declares a transition to undeclared state %q", st.Name, to)
			}
		}
	}

	if def.Initial == "" {
		return nil, fail("initial state is required")
	}
	if _, ok := g.states[def.Initial]; !ok {
		return nil, fail("initial state %q is not a declared state", def.Initial)
	}

	for _, st := range g.states {
		if st.Terminal {
			// Terminal states are progressed (or simply left) by outside
			// forces; a handler there would never be able to return a
			// declared transition.
			if st.Handler != nil {
				return nil, fail("terminal state %q must not have a handler", st.Name)
			}
			st.ExternallyProgressed = true
			continue
		}
		if st.ExternallyProgressed {
			if st.Handler != nil {
				return nil, fail("externally progressed state %q must not have a handler", st.Name)
			}
			continue
		}
		if st.Handler == nil {
			return nil, fail("state %q needs a handler", st.Name)
		}
		if st.TryInterval <= 0 {
			return nil, fail("state %q needs a try interval", st.Name)
		}
		if st.DeleteAfter > 0 {
			return nil, fail("state %q is not terminal and cannot declare delete_after", st.Name)
		}
	}

	for name, st := range g.states {
		if st.Automatic() {
			g.automatic = append(g.automatic, name)
		}
		if st.DeleteAfter > 0 {
			g.deletion = append(g.deletion, name)
		}
	}
	sort.Strings(g.automatic)
	sort.Strings(g.deletion)

	return g, nil
}

// MustNew is New for statically known definitions; it panics on error.
func MustNew(def Def) *Graph {
	g, err := New(def)
	if err != nil {
		panic(err)
	}
	return g
}

// Type returns the entity type label this graph governs.
func (g *Graph) Type() string { return g.typ }

// Initial returns the state new entities start in.
func (g *Graph) Initial() string { return g.initial }

// State looks up a state by name.
func (g *Graph) State(name string) (*State, bool) {
	st, ok := g.states[name]
	return st, ok
}

// HandlerFor returns the handler for a state, or nil if the state has none
// (terminal / externally progressed / unknown).
func (g *Graph) HandlerFor(state string) Handler {
	if st, ok := g.states[state]; ok {
		return st.Handler
	}
	return nil
}

// TryInterval returns the retry interval for a state. ok is false when the
// state never auto-retries.
func (g *Graph) TryInterval(state string) (time.Duration, bool) {
	st, found := g.states[state]
	if !found || st.TryInterval <= 0 {
		return 0, false
	}
	return st.TryInterval, true
}

// IsTerminalOrExternal reports whether the worker loop must never dispatch
// a handler for the state. Unknown states report true so a corrupt record
// is left alone rather than dispatched.
func (g *Graph) IsTerminalOrExternal(state string) bool {
	st, ok := g.states[state]
	if !ok {
		return true
	}
	return !st.Automatic()
}

// ValidTransition reports whether a handler in `from` may return `to`.
func (g *Graph) ValidTransition(from, to string) bool {
	st, ok := g.states[from]
	if !ok {
		return false
	}
	return st.children[to]
}

// AutomaticStates returns the states the worker loop dispatches handlers
// for, in stable order.
func (g *Graph) AutomaticStates() []string { return g.automatic }

// DeletionStates returns the states opted into the maintenance deletion
// pass, in stable order.
func (g *Graph) DeletionStates() []string { return g.deletion }
