// Package transport implements the HTTP client (C1) that talks to the
// remote optimization service: a single JSON endpoint, bearer-token auth,
// and a retry policy tuned so the main command loop never gives up while
// best-effort posts (progress, GOODBYE) fail fast.
package transport
