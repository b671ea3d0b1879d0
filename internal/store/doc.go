// Package store provides durable persistence for guided conversations.
//
// # Overview
//
// The store is the source of truth for conversation state, generation job
// status, and the transcript. Two implementations exist:
//
//   - SQLiteStore: production store backed by modernc.org/sqlite
//   - MockStore: in-memory store for tests, mirroring SQLite semantics
//
// # Optimistic concurrency
//
// Conversations carry a version counter. UpsertConversation only writes when
// the stored version still matches the version the caller loaded; a lost race
// surfaces as ErrVersionConflict and the caller reloads and reapplies. This
// replaces in-process locking, since multiple service instances may share a
// store.
//
// # Generation single-flight
//
// CASGenerationPhase is the cross-process single-flight guard: only one
// caller wins the not_started -> pending flip, so the downstream job is
// dispatched at most once per conversation. Retries flip failed -> pending
// through the same primitive.
//
// # Idempotent transcript
//
// AppendMessage enforces a unique (conversation, role, content) identity.
// Replayed terminal results and reconnecting stream clients can append
// blindly; duplicates return ErrDuplicateMessage and change nothing.
package store
