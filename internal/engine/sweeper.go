package engine

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"claimline/internal/domain"
	"claimline/internal/events"
	"claimline/internal/repo"
)

type SweepResult struct {
	LineageID string   `json:"lineage_id"`
	Done      []string `json:"done"`
	Failed    []string `json:"failed"`
}

// Sweep closes units of the lineage's variants whose attempt history reached
// the budget, including one still held by its final claimant. A unit that
// ever received proof ends done, otherwise failed.
func (e Engine) Sweep(ctx context.Context, lineageID string) (SweepResult, error) {
	_, policies, err := e.lineage(lineageID)
	if err != nil {
		return SweepResult{}, err
	}
	res := SweepResult{LineageID: lineageID, Done: []string{}, Failed: []string{}}
	now := e.now()
	for _, p := range policies {
		units, err := e.Repo.ExhaustedUnits(ctx, repo.ExhaustQuery{
			Variant:     p.Variant,
			MaxAttempts: p.MaxAttempts,
			Terminal:    p.Terminal(),
		})
		if err != nil {
			return res, err
		}
		for _, u := range units {
			ev := domain.EventExhaustFailed
			if u.HasProof {
				ev = domain.EventExhaustDone
			}
			to, err := p.Next(u.Status, ev)
			if err != nil {
				e.logger().Warn("exhausted unit has no exit", zap.String("unit", u.ID), zap.String("status", string(u.Status)))
				continue
			}
			err = e.inTx(ctx, func(tx *sql.Tx) error {
				if err := e.Repo.SetStatusTx(ctx, tx, u.ID, u.Status, to, stamp(now)); err != nil {
					return err
				}
				if err := e.Events.Append(ctx, tx, events.UnitExhausted, lineageID, "unit", u.ID, systemActor, events.EventPayload{"from": u.Status, "to": to}); err != nil {
					return err
				}
				if to == domain.StatusFailed && u.BountyID != nil {
					return e.Events.Append(ctx, tx, events.BountyFailed, lineageID, "bounty", *u.BountyID, systemActor, events.EventPayload{"unit_id": u.ID, "status": "failed"})
				}
				return nil
			})
			if errors.Is(err, repo.ErrConflict) {
				continue
			}
			if err != nil {
				return res, err
			}
			if to == domain.StatusDone {
				res.Done = append(res.Done, u.ID)
			} else {
				res.Failed = append(res.Failed, u.ID)
			}
			if e.Metrics != nil {
				e.Metrics.SweepUnitsTotal.WithLabelValues(lineageID, string(to)).Inc()
			}
		}
	}
	if n := len(res.Done) + len(res.Failed); n > 0 {
		e.logger().Info("sweep closed exhausted units", zap.String("lineage", lineageID), zap.Int("done", len(res.Done)), zap.Int("failed", len(res.Failed)))
	}
	return res, nil
}

// resetStale reopens units of the lineage still held or in review with a
// bound round at or before round. Attempts stay in history.
func (e Engine) resetStale(ctx context.Context, lineageID string, round int64) ([]string, error) {
	_, policies, err := e.lineage(lineageID)
	if err != nil {
		return nil, err
	}
	reset := []string{}
	for _, p := range policies {
		statuses := append(p.HeldStatuses(), domain.StatusInReview)
		units, err := e.Repo.StaleRoundBound(ctx, lineageID, p.Variant, statuses, round)
		if err != nil {
			return reset, err
		}
		for _, u := range units {
			if err := e.reopen(ctx, p, u, domain.EventReset, events.UnitReset, lineageID, round); err != nil {
				if errors.Is(err, repo.ErrConflict) {
					continue
				}
				return reset, err
			}
			reset = append(reset, u.ID)
			if e.Metrics != nil {
				e.Metrics.SweepUnitsTotal.WithLabelValues(lineageID, "reset").Inc()
			}
		}
	}
	return reset, nil
}

func (e Engine) reopen(ctx context.Context, p domain.Policy, u domain.WorkUnit, ev domain.Event, evtType, lineageID string, round int64) error {
	to, err := p.Next(u.Status, ev)
	if err != nil {
		return err
	}
	return e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.ReopenTx(ctx, tx, u.ID, u.Status, to, stamp(e.now())); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, evtType, lineageID, "unit", u.ID, systemActor, events.EventPayload{
			"from":     u.Status,
			"to":       to,
			"round":    round,
			"claimant": strVal(u.ClaimantKey),
		})
	})
}
