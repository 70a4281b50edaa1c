// Package protocol defines the wire types exchanged between the servo agent
// and the optimization service, and between the agent and driver
// subprocesses.
//
// # Commands and Events
//
// The service drives the agent with Commands (DESCRIBE, MEASURE, ADJUST,
// SLEEP) and the agent reports back with Events (HELLO, GOODBYE,
// WHATS_NEXT, DESCRIPTION, MEASUREMENT, ADJUSTMENT). Both are thin JSON
// envelopes around an opaque param.
//
// # Driver wire format
//
// A driver subprocess receives an opaque JSON request on stdin and emits
// zero or more ProgressRecord lines followed by exactly one DriverResponse
// line on stdout, one JSON object per line.
package protocol
