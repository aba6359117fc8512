package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"claimline/internal/config"
)

// ErrUnavailable means the round source could not answer.
var ErrUnavailable = errors.New("round oracle unavailable")

// RoundOracle reports the round cadence of a lineage.
type RoundOracle interface {
	RoundTime(ctx context.Context, lineageID string) (time.Duration, error)
	CurrentRound(ctx context.Context, lineageID string) (int64, error)
}

// Clock derives rounds from each lineage's configured genesis and round time.
type Clock struct {
	Config *config.Config
	Now    func() time.Time
}

func (c Clock) RoundTime(_ context.Context, lineageID string) (time.Duration, error) {
	l, ok := c.Config.Lineage(lineageID)
	if !ok || l.RoundTime <= 0 {
		return 0, fmt.Errorf("%w: no round time for lineage %s", ErrUnavailable, lineageID)
	}
	return l.RoundTime.Std(), nil
}

func (c Clock) CurrentRound(ctx context.Context, lineageID string) (int64, error) {
	d, err := c.RoundTime(ctx, lineageID)
	if err != nil {
		return 0, err
	}
	l, _ := c.Config.Lineage(lineageID)
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	elapsed := now().Sub(l.Genesis)
	if l.Genesis.IsZero() || elapsed < 0 {
		return 0, fmt.Errorf("%w: lineage %s has not started", ErrUnavailable, lineageID)
	}
	return int64(elapsed / d), nil
}

// RoundTimeStore persists round durations between restarts.
type RoundTimeStore interface {
	GetRoundTime(ctx context.Context, lineageID string) (time.Duration, string, error)
	UpsertRoundTime(ctx context.Context, lineageID string, d time.Duration, fetchedAt string) error
}

// Cached keeps round times in Store for TTL and collapses concurrent misses
// into one upstream call. A stale entry is served when the upstream fails.
type Cached struct {
	Upstream RoundOracle
	Store    RoundTimeStore
	TTL      time.Duration
	Now      func() time.Time

	group singleflight.Group
}

func NewCached(upstream RoundOracle, store RoundTimeStore, ttl time.Duration) *Cached {
	return &Cached{Upstream: upstream, Store: store, TTL: ttl, Now: time.Now}
}

func (c *Cached) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Cached) RoundTime(ctx context.Context, lineageID string) (time.Duration, error) {
	cached, fetchedAt, cacheErr := c.Store.GetRoundTime(ctx, lineageID)
	if cacheErr == nil && c.fresh(fetchedAt) {
		return cached, nil
	}
	v, err, _ := c.group.Do(lineageID, func() (any, error) {
		d, err := c.Upstream.RoundTime(ctx, lineageID)
		if err != nil {
			return time.Duration(0), err
		}
		if err := c.Store.UpsertRoundTime(ctx, lineageID, d, c.now().UTC().Format(time.RFC3339)); err != nil {
			return time.Duration(0), fmt.Errorf("cache round time: %w", err)
		}
		return d, nil
	})
	if err != nil {
		if cacheErr == nil {
			return cached, nil
		}
		if errors.Is(err, ErrUnavailable) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v.(time.Duration), nil
}

func (c *Cached) CurrentRound(ctx context.Context, lineageID string) (int64, error) {
	r, err := c.Upstream.CurrentRound(ctx, lineageID)
	if err != nil && !errors.Is(err, ErrUnavailable) {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return r, err
}

func (c *Cached) fresh(fetchedAt string) bool {
	if c.TTL <= 0 {
		return true
	}
	ts, err := time.Parse(time.RFC3339, fetchedAt)
	if err != nil {
		return false
	}
	return c.now().Sub(ts) < c.TTL
}
