// Package scheduler fires a fixed table of recurrence rules.
//
// Each rule runs its task(s) through the backend and overwrites its cache key
// with the output, or with a storage.FailureMarker when the run fails. A tick
// that arrives while the previous run of the same rule is still going is
// skipped. Different rules never block each other.
//
// Time comes from an injected clock.Clock; with clock.Fake, tests advance time
// and observe ticks deterministically, or call Fire directly.
package scheduler
