package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"claimline/internal/domain"
	"claimline/internal/events"
	"claimline/internal/metrics"
	"claimline/internal/repo"
)

func (e Engine) issuePolicy(lineageID string) (domain.Policy, error) {
	l, _, err := e.lineage(lineageID)
	if err != nil {
		return domain.Policy{}, err
	}
	if !slices.Contains(l.Variants, domain.VariantFeatureIssue) {
		return domain.Policy{}, invalid("lineage %s does not serve %s", lineageID, domain.VariantFeatureIssue)
	}
	return e.policy(domain.VariantFeatureIssue)
}

// AssignNext reserves the oldest initialized feature issue whose predecessor
// is approved. Once an issue is blocked, later issues of the same bounty are
// skipped for the rest of the pass. Expired reservations are released first.
func (e Engine) AssignNext(ctx context.Context, lineageID, leaderKey, actorID string) (domain.WorkUnit, error) {
	p, err := e.issuePolicy(lineageID)
	if err != nil {
		return domain.WorkUnit{}, err
	}
	if _, err := e.expireReservations(ctx, lineageID, p); err != nil {
		return domain.WorkUnit{}, err
	}
	candidates, err := e.Repo.ListUnits(ctx, repo.UnitFilters{Variant: p.Variant, Statuses: []domain.Status{domain.StatusInitialized}})
	if err != nil {
		return domain.WorkUnit{}, err
	}
	blocked := map[string]bool{}
	for _, c := range candidates {
		bounty := strVal(c.BountyID)
		if bounty != "" && blocked[bounty] {
			continue
		}
		ready, err := e.predecessorApproved(ctx, p, c)
		if err != nil {
			return domain.WorkUnit{}, err
		}
		if !ready {
			if bounty != "" {
				blocked[bounty] = true
			}
			continue
		}
		to, err := p.Next(c.Status, domain.EventReserve)
		if err != nil {
			return domain.WorkUnit{}, err
		}
		var reserved domain.WorkUnit
		err = e.inTx(ctx, func(tx *sql.Tx) error {
			now := stamp(e.now())
			if err := e.Repo.ReserveTx(ctx, tx, c.ID, c.Status, to, lineageID, leaderKey, now); err != nil {
				return err
			}
			if err := e.Events.Append(ctx, tx, events.UnitReserved, lineageID, "unit", c.ID, actorID, events.EventPayload{"leader": leaderKey}); err != nil {
				return err
			}
			if bounty != "" {
				if err := e.Events.Append(ctx, tx, events.BountyAssigned, lineageID, "bounty", bounty, actorID, events.EventPayload{"unit_id": c.ID, "status": "assigned"}); err != nil {
					return err
				}
			}
			reserved, err = e.Repo.GetUnitTx(ctx, tx, c.ID)
			return err
		})
		if errors.Is(err, repo.ErrConflict) {
			continue
		}
		if err != nil {
			return domain.WorkUnit{}, err
		}
		e.logger().Info("issue reserved", zap.String("lineage", lineageID), zap.String("unit", c.ID), zap.String("bounty", bounty))
		return reserved, nil
	}
	return domain.WorkUnit{}, ErrNoneAvailable
}

// predecessorApproved treats a dangling predecessor reference as blocking.
func (e Engine) predecessorApproved(ctx context.Context, p domain.Policy, u domain.WorkUnit) (bool, error) {
	if u.PredecessorID == nil || *u.PredecessorID == "" {
		return true, nil
	}
	pred, err := e.Repo.GetUnit(ctx, *u.PredecessorID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.IsApproved(pred.Status), nil
}

func (e Engine) expireReservations(ctx context.Context, lineageID string, p domain.Policy) ([]string, error) {
	before := stamp(e.now().Add(-e.Config.Scheduler.ReservationTimeout.Std()))
	units, err := e.Repo.ExpiredReservations(ctx, p.Variant, domain.StatusAggregatorPending, before)
	if err != nil {
		return nil, err
	}
	var expired []string
	for _, u := range units {
		to, err := p.Next(u.Status, domain.EventReserveExpire)
		if err != nil {
			return expired, err
		}
		err = e.inTx(ctx, func(tx *sql.Tx) error {
			if err := e.Repo.ReopenTx(ctx, tx, u.ID, u.Status, to, stamp(e.now())); err != nil {
				return err
			}
			return e.Events.Append(ctx, tx, events.UnitReset, lineageID, "unit", u.ID, systemActor, events.EventPayload{"from": u.Status, "to": to, "reason": "reservation expired"})
		})
		if errors.Is(err, repo.ErrConflict) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired = append(expired, u.ID)
	}
	return expired, nil
}

// Activate forks the source repository of a reserved issue and starts work
// on its todos. An issue without todos becomes claimable immediately.
func (e Engine) Activate(ctx context.Context, unitID, actorID string) (domain.WorkUnit, error) {
	u, err := e.Repo.GetUnit(ctx, unitID)
	if err != nil {
		return domain.WorkUnit{}, err
	}
	p, err := e.policy(u.Variant)
	if err != nil {
		return domain.WorkUnit{}, err
	}
	to, err := p.Next(u.Status, domain.EventActivate)
	if err != nil {
		return domain.WorkUnit{}, err
	}
	forkOwner, err := e.SCM.CreateFork(ctx, u.RepoOwner, u.RepoName)
	if e.Metrics != nil {
		e.Metrics.ExternalActions.WithLabelValues("create_fork", metrics.Outcome(err)).Inc()
	}
	if err != nil {
		return domain.WorkUnit{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	lineageID := strVal(u.LineageID)
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.ActivateTx(ctx, tx, u.ID, u.Status, to, forkOwner, stamp(e.now())); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.UnitActivated, lineageID, "unit", u.ID, actorID, events.EventPayload{"fork_owner": forkOwner})
	})
	if err != nil {
		return domain.WorkUnit{}, err
	}
	if _, err := e.promoteReadyIssues(ctx, lineageID); err != nil {
		return domain.WorkUnit{}, err
	}
	return e.Repo.GetUnit(ctx, u.ID)
}

// promoteReadyIssues moves in-progress issues whose todos are all approved
// to assign_pending.
func (e Engine) promoteReadyIssues(ctx context.Context, lineageID string) ([]string, error) {
	p, err := e.policy(domain.VariantFeatureIssue)
	if err != nil {
		return nil, err
	}
	todo, err := e.policy(domain.VariantFeatureTodo)
	if err != nil {
		return nil, err
	}
	issues, err := e.Repo.ListUnits(ctx, repo.UnitFilters{Variant: p.Variant, Statuses: []domain.Status{domain.StatusInProgress}})
	if err != nil {
		return nil, err
	}
	var promoted []string
	for _, issue := range issues {
		todos, err := e.Repo.ListUnits(ctx, repo.UnitFilters{Variant: todo.Variant, ParentID: issue.ID})
		if err != nil {
			return promoted, err
		}
		if !slices.ContainsFunc(todos, func(t domain.WorkUnit) bool { return !todo.IsApproved(t.Status) }) {
			to, err := p.Next(issue.Status, domain.EventChildrenApproved)
			if err != nil {
				return promoted, err
			}
			err = e.inTx(ctx, func(tx *sql.Tx) error {
				if err := e.Repo.SetStatusTx(ctx, tx, issue.ID, issue.Status, to, stamp(e.now())); err != nil {
					return err
				}
				return e.Events.Append(ctx, tx, events.UnitActivated, strVal(issue.LineageID), "unit", issue.ID, systemActor, events.EventPayload{"status": to, "todos": len(todos)})
			})
			if errors.Is(err, repo.ErrConflict) {
				continue
			}
			if err != nil {
				return promoted, err
			}
			promoted = append(promoted, issue.ID)
		}
	}
	if len(promoted) > 0 {
		e.logger().Info("issues ready for assignment", zap.String("lineage", lineageID), zap.Strings("units", promoted))
	}
	return promoted, nil
}
