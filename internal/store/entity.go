package store

import "time"

// Entity is the persisted scheduling record for one managed object.
//
// The worker loop is the sole writer of state transitions; the readiness
// pass only ever flips Ready from false to true. Everything else goes
// through single-row conditional updates, so two processes sharing one
// store never need any other coordination.
type Entity struct {
	ID    string
	Type  string
	State string

	// Ready marks the entity eligible for immediate dispatch.
	Ready bool

	// Changed is when the entity entered State.
	Changed time.Time

	// Attempted is the most recent handler invocation in this state, nil
	// if never attempted since entering it.
	Attempted *time.Time

	// LeaseExpires is the moment the current worker's exclusive claim
	// lapses; nil or past means unleased.
	LeaseExpires *time.Time

	// Payload is an opaque document for the entity's handlers.
	Payload []byte
}

// StateAge is how long the entity has been in its current state.
func (e *Entity) StateAge(now time.Time) time.Duration {
	if e.Changed.IsZero() {
		return 0
	}
	return now.Sub(e.Changed)
}

// Leased reports whether a live lease is held on the entity.
func (e *Entity) Leased(now time.Time) bool {
	return e.LeaseExpires != nil && e.LeaseExpires.After(now)
}
