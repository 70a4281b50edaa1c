// Package driver spawns a driver subprocess, feeds it a JSON request on
// stdin, and multiplexes its stdout/stderr until the process exits.
//
// The wire contract is line-delimited JSON on stdout: zero or more
// ProgressRecord lines, followed by exactly one terminal DriverResponse
// line. stderr is unstructured diagnostic text, accumulated and folded
// into the response message on failure.
//
// Cancellation crosses the subprocess boundary as a signal, not an
// exception: a ProgressRecord callback that returns protocol.ErrCancelled
// causes Run to signal (or kill) the child and keep draining output until
// EOF, so no trailing diagnostics are lost.
package driver
