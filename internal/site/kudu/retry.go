package kudu

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig defines retry behavior for control-plane requests
type RetryConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableStatus []int
}

// DefaultRetryConfig returns the retry policy used by New.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialDelay:    1 * time.Second,
		MaxDelay:        30 * time.Second,
		BackoffFactor:   2.0,
		RetryableStatus: []int{429, 500, 502, 503, 504},
	}
}

// RetryableHTTPClient wraps an HTTP client with exponential backoff.
// Requests with a body must set GetBody so they can be replayed.
type RetryableHTTPClient struct {
	client *http.Client
	cfg    RetryConfig
}

func NewRetryableHTTPClient(client *http.Client, cfg RetryConfig) *RetryableHTTPClient {
	return &RetryableHTTPClient{client: client, cfg: cfg}
}

// Do executes req, retrying transport errors and retryable status codes.
func (c *RetryableHTTPClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.rewind(req); err != nil {
				return nil, err
			}
		}
		resp, err := c.client.Do(req)
		switch {
		case err != nil:
			lastErr = err
		case c.shouldRetry(resp.StatusCode) && attempt < c.cfg.MaxRetries:
			resp.Body.Close()
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
		default:
			return resp, nil
		}
		if attempt == c.cfg.MaxRetries || req.Context().Err() != nil {
			break
		}
		delay := c.calculateDelay(attempt)
		log.Warn().
			Err(lastErr).
			Int("attempt", attempt+1).
			Int("max_retries", c.cfg.MaxRetries).
			Dur("delay", delay).
			Str("url", req.URL.Redacted()).
			Msg("request failed, retrying")
		if err := sleepCtx(req.Context(), delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *RetryableHTTPClient) rewind(req *http.Request) error {
	if req.Body == nil || req.GetBody == nil {
		return nil
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("rewind request body: %w", err)
	}
	req.Body = body
	return nil
}

func (c *RetryableHTTPClient) shouldRetry(status int) bool {
	for _, code := range c.cfg.RetryableStatus {
		if status == code {
			return true
		}
	}
	return false
}

// calculateDelay returns exponential backoff with +/-25% jitter.
func (c *RetryableHTTPClient) calculateDelay(attempt int) time.Duration {
	delay := float64(c.cfg.InitialDelay) * math.Pow(c.cfg.BackoffFactor, float64(attempt))
	delay += delay * 0.25 * (2*rand.Float64() - 1)
	if delay > float64(c.cfg.MaxDelay) {
		delay = float64(c.cfg.MaxDelay)
	}
	return time.Duration(delay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
