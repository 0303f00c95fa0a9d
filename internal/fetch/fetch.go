package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// MaxBodyBytes caps how much of a response body is read
const MaxBodyBytes = 16 << 20

// ErrBodyTooLarge is returned when a response exceeds MaxBodyBytes
var ErrBodyTooLarge = errors.New("response body too large")

// Sleeper is the validated wait the fetcher backs off with
type Sleeper interface {
	SleepSeconds(ctx context.Context, seconds int) error
}

// RetryPolicy describes the backoff behavior of one Get call
type RetryPolicy struct {
	Retry          bool
	TimeoutSeconds int
}

// Result is the outcome of a fetch. OK distinguishes a successful download,
// including an empty body, from a download that was unavailable this cycle.
type Result struct {
	Text string
	OK   bool
	Err  error
}

// Succeeded builds a successful Result
func Succeeded(text string) Result {
	return Result{Text: text, OK: true}
}

// Failed builds an unavailable Result carrying the reason
func Failed(err error) Result {
	return Result{Err: err}
}

// Cancelled reports whether the result failed because ctx ended
func (r Result) Cancelled() bool {
	return !r.OK && (errors.Is(r.Err, context.Canceled) || errors.Is(r.Err, context.DeadlineExceeded))
}

// Client performs GET requests with indefinite retry on transport failure
type Client struct {
	http           *http.Client
	sleeper        Sleeper
	userAgent      string
	logger         *slog.Logger
	requestTimeout time.Duration

	// OnRetry, when set, is called before every backoff
	OnRetry func(url string)
}

// NewClient creates a fetch client
func NewClient(httpClient *http.Client, sleeper Sleeper, userAgent string, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		http:           httpClient,
		sleeper:        sleeper,
		userAgent:      userAgent,
		logger:         logger,
		requestTimeout: 60 * time.Second,
	}
}

// Get downloads url. On failure it backs off for policy.TimeoutSeconds and
// tries again, for as long as ctx is alive, when policy.Retry is set.
func (c *Client) Get(ctx context.Context, url string, policy RetryPolicy) Result {
	return c.GetAny(ctx, []string{url}, policy)
}

// GetAny tries each url in order, once per round, returning the first
// success. When every url failed and policy.Retry is set, it backs off and
// starts a new round.
func (c *Client) GetAny(ctx context.Context, urls []string, policy RetryPolicy) Result {
	if len(urls) == 0 {
		return Failed(errors.New("no url to fetch"))
	}

	for {
		var lastErr error
		for _, url := range urls {
			if err := ctx.Err(); err != nil {
				return Failed(err)
			}

			text, err := c.do(url)
			if err == nil {
				return Succeeded(text)
			}
			lastErr = err
			c.logger.Warn("fetch failed", "url", url, "error", err)
		}

		if !policy.Retry {
			return Failed(lastErr)
		}

		if c.OnRetry != nil {
			for _, url := range urls {
				c.OnRetry(url)
			}
		}
		c.logger.Debug("retrying fetch", "urls", urls, "backoff_seconds", policy.TimeoutSeconds)
		if err := c.sleeper.SleepSeconds(ctx, policy.TimeoutSeconds); err != nil {
			return Failed(fmt.Errorf("%w (last fetch error: %v)", err, lastErr))
		}
	}
}

// do issues one request. It is not bound to the caller's context, an
// in-flight download finishes even after shutdown began.
func (c *Client) do(url string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	defer cancel()

	c.logger.Debug("fetching", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read body: %w", err)
	}
	if len(body) > MaxBodyBytes {
		return "", ErrBodyTooLarge
	}

	return string(body), nil
}
