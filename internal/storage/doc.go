// Package storage is the durable TTL cache shared by the read-through and
// scheduled paths.
//
// Each key holds at most one entry: a JSON value plus the time it was last
// written. Freshness is decided by the reader, per call, against its own TTL.
// Every write is a full-value replace that readers observe atomically.
package storage
