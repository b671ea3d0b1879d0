// Package generation owns the asynchronous document generation job.
//
// # Dispatch
//
// Dispatcher is the only component allowed to start a job. Duplicate calls
// in one process collapse through singleflight; across processes the store's
// not_started -> pending CAS decides a single winner. The job runs on a
// background context so request cancellation cannot orphan a pending phase.
//
// # Results
//
// Terminal phases (succeeded, failed) are persisted before events are
// published, so a crash between the two leaves durable state that the
// stream replay path can recover from. Tracker reads that durable state for
// reconnecting clients and flags jobs stuck in pending past the abandonment
// window.
package generation
