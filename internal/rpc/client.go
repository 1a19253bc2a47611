// Package rpc implements the resilient JSON-RPC 2.0 client the
// monitors share: per-request timeout, bounded retry with exponential
// backoff, and an ordered fallback URL list.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Options tunes retry and timeout behavior for one client
type Options struct {
	Retries        int           // Retries per URL after the first attempt
	RetryBaseDelay time.Duration // Delay before the first retry; grows by BackoffFactor per attempt
	BackoffFactor  float64
	Timeout        time.Duration // Per-request deadline
}

// DefaultOptions matches the general-purpose profile: 3 retries per
// URL, 1s base delay doubling per attempt, 10s request timeout.
func DefaultOptions() Options {
	return Options{
		Retries:        3,
		RetryBaseDelay: time.Second,
		BackoffFactor:  2,
		Timeout:        10 * time.Second,
	}
}

// ProbeOptions is the short-timeout profile used for health probes:
// 1 retry, 500ms delay, 3s timeout. Probes must fail fast so a dead
// endpoint cannot stall a probe cycle.
func ProbeOptions() Options {
	return Options{
		Retries:        1,
		RetryBaseDelay: 500 * time.Millisecond,
		BackoffFactor:  2,
		Timeout:        3 * time.Second,
	}
}

// FetchOptions is the long-timeout profile for block-data reads from
// an already-selected best endpoint: 5 retries, 1s base delay, 10s
// timeout.
func FetchOptions() Options {
	return Options{
		Retries:        5,
		RetryBaseDelay: time.Second,
		BackoffFactor:  2,
		Timeout:        10 * time.Second,
	}
}

// RPCError is a JSON-RPC 2.0 error object returned by the node
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ExhaustedError is returned when every URL and retry has been
// exhausted for one call. It carries the last underlying reason.
type ExhaustedError struct {
	Method   string
	Endpoint string // Last URL tried
	Err      error  // Last underlying failure
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("rpc exhausted: %s on %s: %v", e.Method, e.Endpoint, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error,omitempty"`
}

// sharedTransport is the pooled HTTP client every rpc.Client rides on.
// Probes fire every few seconds against the same hosts; building a
// transport per probe would defeat connection reuse entirely.
var sharedTransport = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	},
}

// Client is a JSON-RPC client bound to a primary URL with ordered
// fallbacks. Safe for concurrent use; the URL set may be mutated at
// runtime for endpoint promotion.
type Client struct {
	mu        sync.RWMutex
	primary   string
	fallbacks []string

	opts   Options
	http   *http.Client
	idSeq  atomic.Uint64
	logger zerolog.Logger
}

// NewClient creates a client for the given primary URL and ordered
// fallback list.
func NewClient(primary string, fallbacks []string, opts Options, logger zerolog.Logger) *Client {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.BackoffFactor <= 0 {
		opts.BackoffFactor = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Client{
		primary:   primary,
		fallbacks: append([]string(nil), fallbacks...),
		opts:      opts,
		http:      sharedTransport,
		logger:    logger.With().Str("component", "rpc_client").Logger(),
	}
}

// Primary returns the current primary URL
func (c *Client) Primary() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.primary
}

// SetPrimary replaces the primary URL (runtime endpoint promotion)
func (c *Client) SetPrimary(url string) {
	c.mu.Lock()
	c.primary = url
	c.mu.Unlock()
}

// SetFallbacks replaces the ordered fallback list
func (c *Client) SetFallbacks(urls []string) {
	c.mu.Lock()
	c.fallbacks = append([]string(nil), urls...)
	c.mu.Unlock()
}

// urls snapshots the ordered URL list: primary first, then fallbacks
func (c *Client) urls() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, 1+len(c.fallbacks))
	out = append(out, c.primary)
	out = append(out, c.fallbacks...)
	return out
}

// Call executes one JSON-RPC method call.
//
// Each URL gets one attempt plus opts.Retries retries with exponential
// backoff between them; when a URL is exhausted the next fallback is
// tried.
// A JSON-RPC response whose result is JSON null is a successful call
// returning null. When every URL fails the returned error is an
// *ExhaustedError wrapping the last cause.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}

	var lastErr error
	var lastURL string

	attempts := c.opts.Retries + 1
	for _, url := range c.urls() {
		lastURL = url
		for attempt := 1; attempt <= attempts; attempt++ {
			result, err := c.callOnce(ctx, url, method, params)
			if err == nil {
				return result, nil
			}
			lastErr = err

			if ctx.Err() != nil {
				return nil, &ExhaustedError{Method: method, Endpoint: url, Err: ctx.Err()}
			}

			c.logger.Debug().
				Str("url", url).
				Str("method", method).
				Int("attempt", attempt).
				Err(err).
				Msg("rpc attempt failed")

			if attempt < attempts {
				if err := sleepCtx(ctx, backoffDelay(c.opts, attempt)); err != nil {
					return nil, &ExhaustedError{Method: method, Endpoint: url, Err: err}
				}
			}
		}
	}

	return nil, &ExhaustedError{Method: method, Endpoint: lastURL, Err: lastErr}
}

// callOnce performs a single HTTP round trip. Transport failure, a
// non-2xx status, and a JSON-RPC error object are all attempt failures.
func (c *Client) callOnce(ctx context.Context, url, method string, params []any) (json.RawMessage, error) {
	body, err := json.Marshal(request{
		JSONRPC: "2.0",
		ID:      c.idSeq.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("http status %d", resp.StatusCode)
	}

	var decoded response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if decoded.Error != nil {
		return nil, decoded.Error
	}

	return decoded.Result, nil
}

// backoffDelay computes base × factor^(attempt-1)
func backoffDelay(opts Options, attempt int) time.Duration {
	d := float64(opts.RetryBaseDelay)
	for i := 1; i < attempt; i++ {
		d *= opts.BackoffFactor
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
