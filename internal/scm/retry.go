package scm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
)

// RetryConfig configures backoff for GitHub API calls.
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

func (c *RetryConfig) ApplyDefaults() {
	d := DefaultRetryConfig()
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
}

// withRetry runs op until it succeeds, fails with a non-retryable error or
// the retry budget is spent. before runs ahead of every attempt.
func withRetry(ctx context.Context, cfg RetryConfig, log *zap.Logger, before func(context.Context) error, op func() (*github.Response, error)) error {
	cfg.ApplyDefaults()
	backoff := cfg.InitialBackoff
	var (
		lastErr  error
		lastResp *github.Response
	)
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if before != nil {
			if err := before(ctx); err != nil {
				return err
			}
		}
		resp, err := op()
		if err == nil {
			if attempt > 0 {
				log.Info("github call recovered", zap.Int("attempts", attempt+1))
			}
			return nil
		}
		lastErr, lastResp = err, resp
		if !retryable(err, resp) || attempt == cfg.MaxRetries {
			break
		}
		wait := backoff
		if isRateLimited(resp) {
			wait = rateLimitBackoff(resp, cfg.MaxBackoff)
		}
		log.Warn("retrying github call", zap.Int("attempt", attempt+1), zap.Int("status", statusCode(resp)), zap.Duration("backoff", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return fmt.Errorf("github call canceled: %w", ctx.Err())
		case <-time.After(wait):
		}
		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	if code := statusCode(lastResp); code != 0 {
		return fmt.Errorf("github call failed with status %d: %w", code, lastErr)
	}
	return fmt.Errorf("github call failed: %w", lastErr)
}

func retryable(err error, resp *github.Response) bool {
	if err == nil {
		return false
	}
	if resp == nil || resp.Response == nil {
		return true
	}
	switch code := resp.Response.StatusCode; code {
	case http.StatusTooManyRequests:
		return true
	case http.StatusForbidden:
		return resp.Rate.Limit > 0 && resp.Rate.Remaining == 0
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusConflict, http.StatusUnprocessableEntity:
		return false
	default:
		return code >= 500
	}
}

func isRateLimited(resp *github.Response) bool {
	if resp == nil || resp.Response == nil {
		return false
	}
	return resp.Response.StatusCode == http.StatusTooManyRequests ||
		(resp.Response.StatusCode == http.StatusForbidden && resp.Rate.Limit > 0)
}

func rateLimitBackoff(resp *github.Response, maxWait time.Duration) time.Duration {
	if resp.Rate.Reset.IsZero() {
		return maxWait
	}
	wait := time.Until(resp.Rate.Reset.Time) + time.Second
	if wait < time.Second {
		wait = time.Second
	}
	if wait > maxWait {
		wait = maxWait
	}
	return wait
}

func statusCode(resp *github.Response) int {
	if resp != nil && resp.Response != nil {
		return resp.Response.StatusCode
	}
	return 0
}
