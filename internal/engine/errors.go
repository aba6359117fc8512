package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"claimline/internal/repo"
)

var (
	ErrNoneAvailable       = errors.New("no work unit available")
	ErrAlreadyCompleted    = errors.New("claim already completed")
	ErrAlreadyProcessed    = errors.New("round already processed")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUnknownLineage      = errors.New("unknown lineage")

	ErrNotFound = repo.ErrNotFound
	ErrConflict = repo.ErrConflict
)

// ValidationError reports a malformed request.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func invalid(format string, args ...any) error {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// retryOnBusy retries f while SQLite reports BUSY or LOCKED, backing off
// exponentially with jitter. Exhaustion surfaces as ErrConflict.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const (
		baseDelay = 20 * time.Millisecond
		maxDelay  = 400 * time.Millisecond
	)
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%w: database busy: %v", ErrConflict, err)
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}
