// Package operations implements the four operation handlers (C4):
// describe, measure, adjust, and environment. Each is a thin composer over
// the driver runner (C2), binding the right driver path and request shape
// and normalizing the result into an OperationResult or a structured
// error.
package operations
