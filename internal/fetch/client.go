// Package fetch downloads manifests and media segments over HTTP, or from
// local disk for file:// URLs.
//
// The client wraps the standard http.Client with a circuit breaker, a short
// transport-level retry for throttling and gateway errors, transparent
// decompression (gzip, deflate, brotli) and a response size limit. Every
// failure is reported as an *Error classified as not-found, network or
// server so the player can tell end-of-stream from a transient outage.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/jmylchreest/abrplay/internal/urlutil"
)

// Default configuration values.
const (
	DefaultTimeout            = 20 * time.Second
	DefaultRetryAttempts      = 1
	DefaultRetryDelay         = 250 * time.Millisecond
	DefaultRetryMaxDelay      = 2 * time.Second
	DefaultBackoffMultiplier  = 2.0
	DefaultCircuitThreshold   = 10
	DefaultCircuitTimeout     = 10 * time.Second
	DefaultCircuitHalfOpenMax = 1
	DefaultMaxResponseSize    = 64 << 20
	DefaultUserAgent          = "abrplay/dev"
)

// Config holds the configuration for the segment client.
type Config struct {
	// Timeout is the overall per-request timeout.
	Timeout time.Duration

	// RetryAttempts is the number of transport-level retries for 429/502/503/504
	// and connection errors. Segment-level retries are the player's concern.
	RetryAttempts int

	// RetryDelay is the initial delay between retries.
	RetryDelay time.Duration

	// RetryMaxDelay is the maximum delay between retries.
	RetryMaxDelay time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64

	CircuitThreshold   int
	CircuitTimeout     time.Duration
	CircuitHalfOpenMax int

	UserAgent string

	// Headers are added to every request, e.g. Authorization or Cookie.
	Headers map[string]string

	Logger *slog.Logger

	EnableDecompression bool

	// MaxResponseSize bounds the decoded body size. Zero disables the limit.
	MaxResponseSize int64

	// BaseClient is the underlying http.Client to use. If nil, one is created.
	BaseClient *http.Client
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:             DefaultTimeout,
		RetryAttempts:       DefaultRetryAttempts,
		RetryDelay:          DefaultRetryDelay,
		RetryMaxDelay:       DefaultRetryMaxDelay,
		BackoffMultiplier:   DefaultBackoffMultiplier,
		CircuitThreshold:    DefaultCircuitThreshold,
		CircuitTimeout:      DefaultCircuitTimeout,
		CircuitHalfOpenMax:  DefaultCircuitHalfOpenMax,
		UserAgent:           DefaultUserAgent,
		Logger:              slog.Default(),
		EnableDecompression: true,
		MaxResponseSize:     DefaultMaxResponseSize,
	}
}

// Result is a successfully downloaded resource.
type Result struct {
	URL     string
	Data    []byte
	Elapsed time.Duration
}

// Client fetches segments with circuit breaker and retry support.
type Client struct {
	config  Config
	client  *http.Client
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// New creates a new client with the given configuration.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = DefaultBackoffMultiplier
	}

	baseClient := cfg.BaseClient
	if baseClient == nil {
		baseClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		config:  cfg,
		client:  baseClient,
		breaker: NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitTimeout, cfg.CircuitHalfOpenMax),
		logger:  cfg.Logger,
	}
}

// NewWithDefaults creates a new client with default configuration.
func NewWithDefaults() *Client {
	return New(DefaultConfig())
}

// Fetch downloads url and returns its body together with the time spent
// transferring it. Elapsed covers the final attempt only, from sending the
// request until the body has been fully read.
func (c *Client) Fetch(ctx context.Context, url string) (Result, error) {
	if urlutil.IsFileURL(url) {
		return c.fetchFile(ctx, url)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, &Error{Kind: KindNetwork, URL: url, Err: fmt.Errorf("creating request: %w", err)}
	}

	resp, start, err := c.do(ctx, req)
	if err != nil {
		return Result{}, &Error{Kind: KindNetwork, URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Result{}, statusError(url, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, &Error{Kind: KindNetwork, URL: url, Err: fmt.Errorf("reading body: %w", err)}
	}

	return Result{URL: url, Data: data, Elapsed: time.Since(start)}, nil
}

// fetchFile reads a file:// URL from local disk. Missing files are reported
// as not found so local assets end the same way remote ones do.
func (c *Client) fetchFile(ctx context.Context, url string) (Result, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return Result{}, &Error{Kind: KindNetwork, URL: url, Err: err}
	}

	path, err := urlutil.FilePathFromURL(url)
	if err != nil {
		return Result{}, &Error{Kind: KindNotFound, URL: url, Err: err}
	}
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Result{}, &Error{Kind: KindNotFound, URL: url, Err: err}
	case err != nil:
		return Result{}, &Error{Kind: KindNetwork, URL: url, Err: err}
	case c.config.MaxResponseSize > 0 && info.Size() > c.config.MaxResponseSize:
		return Result{}, &Error{Kind: KindNetwork, URL: url, Err: ErrResponseTooLarge}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, &Error{Kind: KindNetwork, URL: url, Err: fmt.Errorf("reading file: %w", err)}
	}
	return Result{URL: url, Data: data, Elapsed: time.Since(start)}, nil
}

// Get fetches url and returns only the body. It satisfies the manifest
// package's Getter.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	res, err := c.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// do runs the retry loop and returns the response of the final attempt
// along with that attempt's start time.
func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, time.Time, error) {
	if req.Header.Get(HeaderUserAgent) == "" && c.config.UserAgent != "" {
		req.Header.Set(HeaderUserAgent, c.config.UserAgent)
	}
	if c.config.EnableDecompression && req.Header.Get(HeaderAcceptEncoding) == "" {
		req.Header.Set(HeaderAcceptEncoding, acceptEncodingHeader)
	}
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}

	var lastErr error
	delay := c.config.RetryDelay

	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying request",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("url", req.URL.String()),
			)

			select {
			case <-ctx.Done():
				return nil, time.Time{}, ctx.Err()
			case <-time.After(delay):
			}

			delay = time.Duration(float64(delay) * c.config.BackoffMultiplier)
			if c.config.RetryMaxDelay > 0 && delay > c.config.RetryMaxDelay {
				delay = c.config.RetryMaxDelay
			}
		}

		if !c.breaker.Allow() {
			lastErr = ErrCircuitOpen
			c.logger.Warn("circuit breaker open, skipping request",
				slog.String("url", req.URL.String()),
				slog.String("state", c.breaker.State().String()),
			)
			continue
		}

		start := time.Now()
		resp, err := c.client.Do(req.WithContext(ctx))
		duration := time.Since(start)

		if err != nil {
			c.breaker.RecordFailure()
			lastErr = err
			c.logger.Warn("request failed",
				slog.String("url", req.URL.String()),
				slog.Duration("duration", duration),
				slog.String("error", err.Error()),
				slog.Int("attempt", attempt),
			)

			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, time.Time{}, err
			}
			continue
		}

		if isRetryableStatus(resp.StatusCode) && attempt < c.config.RetryAttempts {
			c.breaker.RecordFailure()
			lastErr = fmt.Errorf("retryable status code: %d", resp.StatusCode)
			c.logger.Warn("retryable status code",
				slog.String("url", req.URL.String()),
				slog.Int("status", resp.StatusCode),
				slog.Duration("duration", duration),
				slog.Int("attempt", attempt),
			)
			resp.Body.Close()
			continue
		}

		if resp.StatusCode >= 500 {
			c.breaker.RecordFailure()
		} else {
			c.breaker.RecordSuccess()
		}
		c.logger.Debug("request completed",
			slog.String("url", req.URL.String()),
			slog.Int("status", resp.StatusCode),
			slog.Duration("duration", duration),
			slog.Int64("content_length", resp.ContentLength),
		)

		if c.config.EnableDecompression {
			resp.Body = c.wrapDecompression(resp)
		}
		if c.config.MaxResponseSize > 0 {
			resp.Body = newLimitedReader(resp.Body, c.config.MaxResponseSize)
		}

		return resp, start, nil
	}

	if lastErr != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %w", ErrMaxRetries, lastErr)
	}
	return nil, time.Time{}, ErrMaxRetries
}

// CircuitState returns the current state of the circuit breaker.
func (c *Client) CircuitState() CircuitState {
	return c.breaker.State()
}

// ResetCircuit resets the circuit breaker to closed state.
func (c *Client) ResetCircuit() {
	c.breaker.Reset()
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
