// Package agent implements the command dispatcher (C5) and process
// lifecycle (C6): the main WHATS_NEXT loop, environment preflighting,
// HELLO/GOODBYE, and signal-driven stop/restart.
package agent
