// Package backend runs external computations.
//
// A Descriptor names a command plus its I/O contract. Backend.Invoke feeds
// the input on stdin, waits (bounded by the descriptor timeout) and returns
// the decoded stdout document, or a *Error classifying the failure.
//
// Policy: a zero exit status with any bytes on stderr is a failure
// (KindDiagnosticOutput). Scripts that print warnings to stderr must be
// silenced at the source.
package backend
