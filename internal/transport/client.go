package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/opsani/servo/internal/metrics"
	"github.com/opsani/servo/internal/protocol"
)

// RetryForever tells Post to retry indefinitely, per section 4.1's
// `retries = None` contract.
const RetryForever = -1

const (
	defaultRetryDelay      = 20 * time.Second
	firstWhatsNextRetryDelay = 1 * time.Second
)

// Option configures a Client.
type Option func(*Client)

// WithAuthToken enables bearer-token authentication on every request.
func WithAuthToken(token string) Option {
	return func(c *Client) {
		c.rest.SetAuthToken(token)
	}
}

// WithRetryDelay overrides the default inter-retry delay (20s), normally
// sourced from SERVO_RETRY_DELAY_SEC.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		c.retryDelay = d
	}
}

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithHTTPTimeout bounds a single request attempt (not the overall retry
// budget).
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.rest.SetTimeout(d)
	}
}

// WithMetrics attaches a metrics sink that records one retry count per
// failed attempt, including a final failed attempt that is not retried.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// Client posts Events to the optimization service and returns its JSON
// response. It implements C1.
type Client struct {
	rest       *resty.Client
	url        string
	retryDelay time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// New builds a Client posting to url (either the account/app-derived
// servo endpoint or an explicit override).
func New(url string, opts ...Option) *Client {
	c := &Client{
		rest:       resty.New(),
		url:        url,
		retryDelay: defaultRetryDelay,
		logger:     slog.Default(),
	}
	c.rest.SetHeader("Content-Type", "application/json")

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// AccountURL derives the standard Opsani servo endpoint from an account
// and application ID.
func AccountURL(account, appID string) string {
	return fmt.Sprintf("https://api.opsani.com/accounts/%s/applications/%s/servo", account, appID)
}

// Post sends {event, param} to the service and returns the parsed JSON
// response. retries follows section 4.1: RetryForever retries
// indefinitely, 0 means no retries, and a positive value caps the retry
// count. backoff controls whether a delay is inserted between attempts at
// all; it is normally true.
func (c *Client) Post(ctx context.Context, event string, param any, retries int, backoff bool) (map[string]any, error) {
	attempt := 0

	for {
		resp, err := c.doPost(ctx, event, param)
		if err == nil {
			if event == protocol.EventDescription {
				c.resetConnectionPool()
			}
			return resp, nil
		}

		attempt++
		c.logger.Warn("post failed", "event", event, "attempt", attempt, "err", err)
		c.metrics.RecordRetry(ctx, event)

		if retries >= 0 && attempt > retries {
			return nil, &protocol.ServerUnavailableError{Attempts: attempt, Cause: err}
		}

		if !backoff {
			continue
		}

		delay := c.retryDelay
		if event == protocol.EventWhatsNext && attempt == 1 {
			delay = firstWhatsNextRetryDelay
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// doPost performs a single attempt, classifying connection failures,
// non-2xx statuses, and non-JSON bodies as retryable errors.
func (c *Client) doPost(ctx context.Context, event string, param any) (map[string]any, error) {
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(protocol.Event{Event: event, Param: param}).
		Post(c.url)
	if err != nil {
		return nil, fmt.Errorf("connection error: %w", err)
	}

	if resp.IsError() {
		return nil, fmt.Errorf("http status %d", resp.StatusCode())
	}

	var out map[string]any
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("non-json response: %w", err)
	}

	return out, nil
}

// resetConnectionPool closes idle connections and swaps in a fresh
// transport, working around a server-side session restart that follows a
// DESCRIPTION post.
func (c *Client) resetConnectionPool() {
	c.rest.GetClient().CloseIdleConnections()
	c.rest.SetTransport(&http.Transport{
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
	})
}
