// Package stream fans generation events out to connected SSE clients.
// Publish never blocks: slow subscribers drop events and catch up from the
// durable checkpoint on reconnect.
package stream
