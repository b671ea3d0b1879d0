// Package gateway provides the HTTP API for intake-gateway.
//
// # Endpoints
//
//	POST /api/conversations/{id}/turns    - apply one dialogue turn
//	GET  /api/conversations/{id}          - conversation state
//	GET  /api/conversations/{id}/messages - transcript history
//	POST /api/conversations/{id}/retry    - re-dispatch failed generation
//	GET  /api/conversations/{id}/stream   - SSE generation result stream
//	GET  /api/tools                       - registered tool definitions
//	GET  /healthz                         - liveness probe
//
// # Streaming
//
// The stream endpoint opens with a processing event and then resolves
// from the durable generation checkpoint: finished jobs are replayed
// immediately, in-flight jobs attach to the live broadcaster, and jobs
// pending beyond the abandonment window report failure. Reconnecting
// after a missed result always recovers it from the store.
//
// # Authentication
//
// When auth.jwt_secret is configured, all /api routes require a bearer
// token. The health endpoint is always public.
package gateway
