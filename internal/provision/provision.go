// Package provision asks the conversation server for a new session.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
)

// ErrRejected is returned when the server answers without a usable session.
var ErrRejected = errors.New("provision: session rejected")

const (
	startPath      = "/start-session"
	statusSuccess  = "success"
	defaultTimeout = 20 * time.Second
	maxBody        = 1 << 20
)

type startRequest struct {
	Character string `json:"character"`
}

// Response is the server's answer to a start-session request.
type Response struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client provisions sessions over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	metrics *observe.Metrics
	breaker *resilience.Breaker
}

// New creates a Client for the server at baseURL, e.g. http://localhost:5000.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(op string, r *http.Request) string {
					return op + " " + r.URL.Path
				}),
			),
		},
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.breaker == nil {
		c.breaker = resilience.New(resilience.Config{
			Name:         "provision",
			MaxFailures:  3,
			ResetTimeout: 10 * time.Second,
			IsFailure:    IsUnavailable,
		})
	}
	return c
}

// IsUnavailable reports whether err means the server could not be reached
// or failed, as opposed to refusing the request.
func IsUnavailable(err error) bool {
	return err != nil && !errors.Is(err, ErrRejected) && !errors.Is(err, context.Canceled)
}

// Start requests a session with character and returns its id. After
// repeated unreachable-server failures it fails fast with
// [resilience.ErrOpen] until the server had time to recover.
func (c *Client) Start(ctx context.Context, character string) (Response, error) {
	var out Response
	err := c.breaker.Execute(func() error {
		var err error
		out, err = c.start(ctx, character)
		return err
	})
	if errors.Is(err, resilience.ErrOpen) {
		return Response{}, fmt.Errorf("provision: server unavailable, retry shortly: %w", err)
	}
	return out, err
}

func (c *Client) start(ctx context.Context, character string) (Response, error) {
	ctx, span := observe.StartSpan(ctx, "provision.start")
	defer span.End()
	start := time.Now()
	defer func() { c.metrics.ProvisionDuration.Record(ctx, time.Since(start).Seconds()) }()

	body, err := json.Marshal(startRequest{Character: character})
	if err != nil {
		return Response{}, fmt.Errorf("provision: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+startPath, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("provision: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		return Response{}, fmt.Errorf("provision: post %s: %w", startPath, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Response{}, fmt.Errorf("provision: read response: %w", err)
	}
	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, fmt.Errorf("provision: decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	if out.Status != statusSuccess || out.SessionID == "" {
		msg := out.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		err := fmt.Errorf("%w: %s", ErrRejected, msg)
		span.RecordError(err)
		return out, err
	}
	observe.Logger(observe.WithSession(ctx, out.SessionID)).Info("provision: session started", "character", character)
	return out, nil
}
