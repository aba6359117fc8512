package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"claimline/internal/config"
	"claimline/internal/domain"
	"claimline/internal/engine/auth"
	"claimline/internal/events"
	"claimline/internal/metrics"
	"claimline/internal/oracle"
	"claimline/internal/repo"
	"claimline/internal/scm"
)

// TimeLayout is the fixed-width UTC layout used for every stored timestamp,
// so lexical order matches time order.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

const systemActor = "system"

type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	Config      *config.Config
	Rounds      oracle.RoundOracle
	Verifier    auth.Verifier
	Eligibility auth.Eligibility
	Verdicts    VerdictSource
	SCM         scm.Provider
	Log         *zap.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// New wires an engine with store-backed collaborators. Callers replace
// Rounds, SCM and Log as needed.
func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	e := Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Verifier: auth.JWTVerifier{},
		Verdicts: StoreVerdicts{Repo: r},
		SCM:      scm.Noop{},
		Log:      zap.NewNop(),
		Metrics:  metrics.New(),
		Now:      time.Now,
	}
	e.Rounds = oracle.Clock{Config: cfg}
	e.Eligibility = auth.Registry{
		Store: r,
		OpenEnrollment: func(lineageID string) bool {
			l, ok := cfg.Lineage(lineageID)
			return ok && l.OpenEnrollment
		},
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func stamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func (e Engine) logger() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

// VerdictSource returns the distribution result for a round, or
// repo.ErrNotFound when none has been published.
type VerdictSource interface {
	Verdict(ctx context.Context, lineageID string, round int64) (domain.Verdict, error)
}

// StoreVerdicts reads verdicts recorded through RecordVerdict.
type StoreVerdicts struct {
	Repo repo.Repo
}

func (s StoreVerdicts) Verdict(ctx context.Context, lineageID string, round int64) (domain.Verdict, error) {
	return s.Repo.GetVerdict(ctx, lineageID, round)
}

// lineage resolves a configured lineage and the policies of its variants in
// configured order.
func (e Engine) lineage(lineageID string) (config.Lineage, []domain.Policy, error) {
	l, ok := e.Config.Lineage(lineageID)
	if !ok {
		return config.Lineage{}, nil, fmt.Errorf("%w: %s", ErrUnknownLineage, lineageID)
	}
	policies := make([]domain.Policy, 0, len(l.Variants))
	for _, v := range l.Variants {
		p, err := e.Config.Policy(v)
		if err != nil {
			return l, nil, err
		}
		policies = append(policies, p)
	}
	return l, policies, nil
}

func (e Engine) policy(v domain.Variant) (domain.Policy, error) {
	return e.Config.Policy(v)
}

// timing holds the recycling cutoffs of one variant at one instant.
type timing struct {
	staleBefore   string
	abandonBefore int64
	current       int64
}

func (e Engine) timing(ctx context.Context, lineageID string, p domain.Policy, now time.Time) (timing, error) {
	roundTime, err := e.Rounds.RoundTime(ctx, lineageID)
	if err != nil {
		return timing{}, fmt.Errorf("%w: round time: %v", ErrUpstreamUnavailable, err)
	}
	current, err := e.Rounds.CurrentRound(ctx, lineageID)
	if err != nil {
		return timing{}, fmt.Errorf("%w: current round: %v", ErrUpstreamUnavailable, err)
	}
	return timing{
		staleBefore:   stamp(now.Add(-time.Duration(p.TimeoutRounds) * roundTime)),
		abandonBefore: current - int64(p.ReviewAbandonRounds),
		current:       current,
	}, nil
}

// inTx runs fn in a write transaction, retrying when SQLite reports the
// database busy.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	retries := 3
	if e.Config != nil && e.Config.Scheduler.ClaimRetries > 0 {
		retries = e.Config.Scheduler.ClaimRetries
	}
	return retryOnBusy(ctx, retries, func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// emit records a standalone event.
func (e Engine) emit(ctx context.Context, evtType, lineageID, kind, id, actor string, payload events.EventPayload) {
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		return e.Events.Append(ctx, tx, evtType, lineageID, kind, id, actor, payload)
	})
	if err != nil {
		e.logger().Warn("record event failed", zap.String("type", evtType), zap.Error(err))
	}
}

func strVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
