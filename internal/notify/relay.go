package notify

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"claimline/internal/domain"
	"claimline/internal/metrics"
)

const (
	defaultRelayInterval = 2 * time.Second
	defaultRelayBatch    = 100
)

// EventSource reads the append-only event log.
type EventSource interface {
	EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.EventRecord, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// Relay forwards recorded events to a Notifier in id order. Delivery stops at
// the first failure and resumes from that event on the next tick.
type Relay struct {
	Source   EventSource
	Notifier Notifier
	// Types selects events by exact type or by "prefix.*". Empty relays all.
	Types    []string
	Interval time.Duration
	Batch    int
	// FromStart replays the whole log instead of starting at the latest event.
	FromStart bool
	Log       *zap.Logger
	Metrics   *metrics.Metrics

	mu     sync.Mutex
	cursor *int64
}

// Run dispatches until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = defaultRelayInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger().Warn("relay dispatch failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers one batch and returns how many events were delivered.
func (r *Relay) DispatchOnce(ctx context.Context) (int, error) {
	cursor, err := r.cursorValue(ctx)
	if err != nil {
		return 0, err
	}
	batch := r.Batch
	if batch <= 0 {
		batch = defaultRelayBatch
	}
	evts, err := r.Source.EventsAfter(ctx, cursor, batch)
	if err != nil {
		return 0, err
	}
	filter := newEventFilter(r.Types)
	sent := 0
	for _, evt := range evts {
		if !filter.match(evt.Type) {
			r.setCursor(evt.ID)
			continue
		}
		err := r.Notifier.Notify(ctx, FromEvent(evt))
		if r.Metrics != nil {
			r.Metrics.NotificationsTotal.WithLabelValues(evt.Type, metrics.Outcome(err)).Inc()
		}
		if err != nil {
			return sent, err
		}
		r.setCursor(evt.ID)
		sent++
	}
	return sent, nil
}

func (r *Relay) cursorValue(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cursor != nil {
		return *r.cursor, nil
	}
	var cur int64
	if !r.FromStart {
		latest, err := r.Source.LatestEventID(ctx)
		if err != nil {
			return 0, err
		}
		cur = latest
	}
	r.cursor = &cur
	return cur, nil
}

func (r *Relay) setCursor(v int64) {
	r.mu.Lock()
	r.cursor = &v
	r.mu.Unlock()
}

func (r *Relay) logger() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

type eventFilter struct {
	all      bool
	set      map[string]struct{}
	prefixes []string
}

func newEventFilter(types []string) eventFilter {
	f := eventFilter{set: map[string]struct{}{}}
	for _, t := range types {
		t = strings.TrimSpace(t)
		switch {
		case t == "":
		case t == "*":
			return eventFilter{all: true}
		case strings.HasSuffix(t, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(t, "*"))
		default:
			f.set[t] = struct{}{}
		}
	}
	if len(f.set) == 0 && len(f.prefixes) == 0 {
		return eventFilter{all: true}
	}
	return f
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}
