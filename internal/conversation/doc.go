// ABOUTME: Package doc for the conversation orchestrator
// ABOUTME: Explains the turn pipeline and its ordering guarantees

// Package conversation drives guided intake dialogues.
//
// A turn runs through a fixed pipeline: load or create state, rehydrate
// the slot pointer from the recorded answers, validate the utterance
// against the slot currently asked, advance the state machine, phrase a
// reply, persist, and on the completing turn dispatch document
// generation. Persistence always happens before the turn returns;
// phrasing and generation dispatch are best-effort and never lose
// collected answers.
package conversation
