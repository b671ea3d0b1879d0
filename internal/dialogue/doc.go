// Package dialogue implements the pure slot-collection state machine.
//
// The machine holds no I/O. Each Advance call takes the persisted
// conversation state plus the turn's validation result and returns the next
// state and the action the caller should take. Stored progress markers are
// never trusted on load; Rehydrate recomputes the current slot and completion
// from the answers actually present.
package dialogue
