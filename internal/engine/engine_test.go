package engine_test

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimline/internal/config"
	"claimline/internal/db"
	"claimline/internal/domain"
	"claimline/internal/engine"
	"claimline/internal/engine/auth"
	"claimline/internal/events"
	"claimline/internal/migrate"
	"claimline/internal/repo"
	"claimline/internal/scm"
)

const testConfig = `lineages:
  docs:
    variants: [documentation]
    open_enrollment: true
  bugs:
    variants: [bug_finder]
  builder:
    variants: [feature_todo, feature_issue]
    open_enrollment: true
  archive:
    variants: [documentation]
    open_enrollment: true
`

const roundTime = 10 * time.Minute

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeRounds struct {
	mu      sync.Mutex
	current int64
	err     error
}

func (f *fakeRounds) RoundTime(context.Context, string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return roundTime, f.err
}

func (f *fakeRounds) CurrentRound(context.Context, string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, f.err
}

func (f *fakeRounds) Set(round int64) {
	f.mu.Lock()
	f.current = round
	f.mu.Unlock()
}

type fakeSCM struct {
	mu        sync.Mutex
	forks     []string
	prs       []scm.PullRequestRequest
	merged    []string
	closed    []string
	createErr error
}

func (f *fakeSCM) CreateFork(_ context.Context, owner, repo string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forks = append(f.forks, owner+"/"+repo)
	return "claimline-bot", nil
}

func (f *fakeSCM) CreatePullRequest(_ context.Context, req scm.PullRequestRequest) (scm.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return scm.PullRequest{}, f.createErr
	}
	f.prs = append(f.prs, req)
	n := len(f.prs)
	return scm.PullRequest{URL: fmt.Sprintf("https://github.com/%s/%s/pull/%d", req.Owner, req.Repo, n), Number: n}, nil
}

func (f *fakeSCM) MergePullRequest(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merged = append(f.merged, url)
	return nil
}

func (f *fakeSCM) ClosePullRequest(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, url)
	return nil
}

func (f *fakeSCM) PullRequests() []scm.PullRequestRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scm.PullRequestRequest(nil), f.prs...)
}

func (f *fakeSCM) FailCreate(err error) {
	f.mu.Lock()
	f.createErr = err
	f.mu.Unlock()
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *testClock
	Rounds *fakeRounds
	SCM    *fakeSCM
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg, err := config.FromYAML([]byte(testConfig))
	require.NoError(t, err)

	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	rounds := &fakeRounds{current: 5}
	provider := &fakeSCM{}

	eng := engine.New(conn, cfg)
	eng.Now = clock.Now
	eng.Rounds = rounds
	eng.SCM = provider
	return testEnv{Engine: eng, Ctx: context.Background(), Clock: clock, Rounds: rounds, SCM: provider}
}

type worker struct {
	Key    string
	priv   ed25519.PrivateKey
	GitHub string
}

func newWorker(t *testing.T, github string) worker {
	t.Helper()
	key, priv, err := auth.GenerateKey()
	require.NoError(t, err)
	return worker{Key: key, priv: priv, GitHub: github}
}

func (w worker) sign(t *testing.T, lineage, action string, p auth.Payload) string {
	t.Helper()
	p.LineageID = lineage
	p.Action = action
	p.GithubUsername = w.GitHub
	token, err := auth.Sign(w.priv, p)
	require.NoError(t, err)
	return token
}

func (env testEnv) fetch(t *testing.T, w worker, lineage string, variant domain.Variant) (engine.Claim, error) {
	t.Helper()
	return env.Engine.FetchClaim(env.Ctx, engine.ClaimRequest{
		LineageID:   lineage,
		ClaimantKey: w.Key,
		Signature:   w.sign(t, lineage, auth.ActionFetchClaim, auth.Payload{}),
		Variant:     variant,
	})
}

func (env testEnv) submit(t *testing.T, w worker, lineage, prURL string) domain.WorkUnit {
	t.Helper()
	u, err := env.Engine.SubmitProof(env.Ctx, engine.ProofRequest{
		LineageID:   lineage,
		ClaimantKey: w.Key,
		Signature:   w.sign(t, lineage, auth.ActionSubmitProof, auth.Payload{PRURL: prURL}),
		PRURL:       prURL,
	})
	require.NoError(t, err)
	return u
}

func (env testEnv) bind(t *testing.T, w worker, lineage string) domain.WorkUnit {
	t.Helper()
	u, err := env.Engine.BindRound(env.Ctx, engine.BindRequest{
		LineageID:   lineage,
		ClaimantKey: w.Key,
		Signature:   w.sign(t, lineage, auth.ActionBindRound, auth.Payload{}),
	})
	require.NoError(t, err)
	return u
}

func (env testEnv) sync(t *testing.T, specs ...engine.UnitSpec) []string {
	t.Helper()
	res, err := env.Engine.SyncUnits(env.Ctx, specs, "tester")
	require.NoError(t, err)
	return res.Created
}

func (env testEnv) unit(t *testing.T, id string) domain.WorkUnit {
	t.Helper()
	u, err := env.Engine.GetUnit(env.Ctx, id)
	require.NoError(t, err)
	return u
}

func docSpec(title string) engine.UnitSpec {
	return engine.UnitSpec{Variant: domain.VariantDocumentation, Title: title, RepoOwner: "acme", RepoName: "docs"}
}

func TestSyncUnitsIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	created := env.sync(t, docSpec("a"), docSpec("b"))
	require.Len(t, created, 2)

	res, err := env.Engine.SyncUnits(env.Ctx, []engine.UnitSpec{docSpec("a"), docSpec("b")}, "tester")
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.ElementsMatch(t, created, res.Existing)

	_, err = env.Engine.SyncUnits(env.Ctx, []engine.UnitSpec{{Variant: "poetry", RepoOwner: "a", RepoName: "b"}}, "tester")
	var ve engine.ValidationError
	assert.True(t, errors.As(err, &ve))

	_, err = env.Engine.SyncUnits(env.Ctx, []engine.UnitSpec{{Variant: domain.VariantFeatureIssue, RepoOwner: "a", RepoName: "b"}}, "tester")
	assert.True(t, errors.As(err, &ve), "issues need a bounty")
}

func TestFetchClaimIsFIFOAndResumes(t *testing.T) {
	env := newTestEnv(t)
	ids := env.sync(t, docSpec("first"), docSpec("second"))
	w := newWorker(t, "alice")

	claim, err := env.fetch(t, w, "docs", "")
	require.NoError(t, err)
	assert.Equal(t, ids[0], claim.Unit.ID)
	assert.Equal(t, domain.StatusInProgress, claim.Unit.Status)
	assert.Equal(t, w.Key, claim.Assignment.ClaimantKey)
	assert.False(t, claim.Resumed)

	again, err := env.fetch(t, w, "docs", "")
	require.NoError(t, err)
	assert.True(t, again.Resumed)
	assert.Equal(t, claim.Unit.ID, again.Unit.ID)
	assert.Equal(t, claim.Assignment.ID, again.Assignment.ID)

	env.submit(t, w, "docs", "https://github.com/acme/docs/pull/1")
	_, err = env.fetch(t, w, "docs", "")
	assert.ErrorIs(t, err, engine.ErrAlreadyCompleted)
}

func TestFetchClaimIsExclusive(t *testing.T) {
	env := newTestEnv(t)
	env.sync(t, docSpec("a"), docSpec("b"), docSpec("c"))

	const claimers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[string]string{}
		none    int
	)
	reqs := make([]engine.ClaimRequest, claimers)
	for i := range reqs {
		w := newWorker(t, fmt.Sprintf("user-%d", i))
		reqs[i] = engine.ClaimRequest{LineageID: "docs", ClaimantKey: w.Key, Signature: w.sign(t, "docs", auth.ActionFetchClaim, auth.Payload{})}
	}
	for _, req := range reqs {
		wg.Add(1)
		go func(req engine.ClaimRequest) {
			defer wg.Done()
			claim, err := env.Engine.FetchClaim(env.Ctx, req)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, engine.ErrNoneAvailable):
				none++
			case err != nil:
				t.Errorf("fetch: %v", err)
			default:
				if prev, ok := claimed[claim.Unit.ID]; ok {
					t.Errorf("unit %s claimed by %s and %s", claim.Unit.ID, prev, req.ClaimantKey)
				}
				claimed[claim.Unit.ID] = req.ClaimantKey
			}
		}(req)
	}
	wg.Wait()
	assert.Len(t, claimed, 3)
	assert.Equal(t, claimers-3, none)
}

func TestClaimTimeoutRecyclesUnit(t *testing.T) {
	env := newTestEnv(t)
	ids := env.sync(t, docSpec("a"))
	first := newWorker(t, "alice")
	second := newWorker(t, "bob")

	_, err := env.fetch(t, first, "docs", "")
	require.NoError(t, err)

	env.Clock.Advance(roundTime / 2)
	_, err = env.fetch(t, second, "docs", "")
	require.ErrorIs(t, err, engine.ErrNoneAvailable)

	env.Clock.Advance(roundTime)
	claim, err := env.fetch(t, second, "docs", "")
	require.NoError(t, err)
	assert.Equal(t, ids[0], claim.Unit.ID)
	assert.Equal(t, 2, claim.Unit.AttemptCount)

	// The first claimant lost the unit and may not take it back.
	_, err = env.fetch(t, first, "docs", "")
	assert.ErrorIs(t, err, engine.ErrNoneAvailable)
}

func TestBugFinderTimeoutIsTwoRounds(t *testing.T) {
	env := newTestEnv(t)
	env.sync(t, engine.UnitSpec{Variant: domain.VariantBugFinder, Title: "crash", RepoOwner: "acme", RepoName: "app"})
	first := newWorker(t, "alice")
	second := newWorker(t, "bob")
	for _, w := range []worker{first, second} {
		require.NoError(t, env.Engine.SetEligible(env.Ctx, "bugs", w.Key, true, "tester"))
	}

	_, err := env.fetch(t, first, "bugs", "")
	require.NoError(t, err)

	env.Clock.Advance(roundTime + time.Minute)
	_, err = env.fetch(t, second, "bugs", "")
	require.ErrorIs(t, err, engine.ErrNoneAvailable)

	env.Clock.Advance(roundTime)
	claim, err := env.fetch(t, second, "bugs", "")
	require.NoError(t, err)
	assert.Equal(t, second.Key, claim.Assignment.ClaimantKey)
}

func TestFetchClaimRequiresEligibility(t *testing.T) {
	env := newTestEnv(t)
	env.sync(t, engine.UnitSpec{Variant: domain.VariantBugFinder, Title: "crash", RepoOwner: "acme", RepoName: "app"})
	w := newWorker(t, "alice")

	_, err := env.fetch(t, w, "bugs", "")
	var ue auth.UnauthorizedError
	require.True(t, errors.As(err, &ue))

	require.NoError(t, env.Engine.SetEligible(env.Ctx, "bugs", w.Key, true, "tester"))
	_, err = env.fetch(t, w, "bugs", "")
	require.NoError(t, err)
}

func TestFetchClaimRejectsWrongProof(t *testing.T) {
	env := newTestEnv(t)
	env.sync(t, docSpec("a"))
	w := newWorker(t, "alice")
	other := newWorker(t, "mallory")

	_, err := env.Engine.FetchClaim(env.Ctx, engine.ClaimRequest{
		LineageID:   "docs",
		ClaimantKey: w.Key,
		Signature:   w.sign(t, "docs", auth.ActionSubmitProof, auth.Payload{}),
	})
	var ue auth.UnauthorizedError
	assert.True(t, errors.As(err, &ue), "action mismatch")

	_, err = env.Engine.FetchClaim(env.Ctx, engine.ClaimRequest{
		LineageID:   "docs",
		ClaimantKey: w.Key,
		Signature:   other.sign(t, "docs", auth.ActionFetchClaim, auth.Payload{}),
	})
	assert.True(t, errors.As(err, &ue), "foreign signer")

	_, err = env.fetch(t, w, "nope", "")
	assert.ErrorIs(t, err, engine.ErrUnknownLineage)
}

func TestCompoundExclusionByGithubUsername(t *testing.T) {
	env := newTestEnv(t)
	env.sync(t, docSpec("a"))
	first := newWorker(t, "alice")
	sameUser := newWorker(t, "alice")
	other := newWorker(t, "bob")

	_, err := env.fetch(t, first, "docs", "")
	require.NoError(t, err)
	released, err := env.Engine.ReleaseClaim(env.Ctx, engine.ReleaseRequest{
		LineageID:   "docs",
		ClaimantKey: first.Key,
		Signature:   first.sign(t, "docs", auth.ActionReleaseClaim, auth.Payload{}),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInitialized, released.Status)
	assert.Nil(t, released.ClaimantKey)

	_, err = env.fetch(t, first, "docs", "")
	assert.ErrorIs(t, err, engine.ErrNoneAvailable)
	_, err = env.fetch(t, sameUser, "docs", "")
	assert.ErrorIs(t, err, engine.ErrNoneAvailable)

	claim, err := env.fetch(t, other, "docs", "")
	require.NoError(t, err)
	assert.Equal(t, 2, claim.Unit.AttemptCount)
}

func TestAttemptExhaustion(t *testing.T) {
	t.Run("without proof the unit fails", func(t *testing.T) {
		env := newTestEnv(t)
		ids := env.sync(t, docSpec("a"))
		for i := 0; i < domain.DefaultMaxAttempts; i++ {
			_, err := env.fetch(t, newWorker(t, fmt.Sprintf("u%d", i)), "docs", "")
			require.NoError(t, err, "attempt %d", i+1)
			env.Clock.Advance(roundTime + time.Minute)
		}
		_, err := env.fetch(t, newWorker(t, "late"), "docs", "")
		require.ErrorIs(t, err, engine.ErrNoneAvailable)
		u := env.unit(t, ids[0])
		assert.Equal(t, domain.StatusFailed, u.Status)
		assert.Len(t, u.Assignments, domain.DefaultMaxAttempts)
	})

	t.Run("with proof the unit is done", func(t *testing.T) {
		env := newTestEnv(t)
		ids := env.sync(t, docSpec("a"))
		for i := 0; i < domain.DefaultMaxAttempts; i++ {
			w := newWorker(t, fmt.Sprintf("u%d", i))
			_, err := env.fetch(t, w, "docs", "")
			require.NoError(t, err)
			if i == domain.DefaultMaxAttempts-1 {
				env.submit(t, w, "docs", "https://github.com/acme/docs/pull/9")
			}
			env.Clock.Advance(roundTime + time.Minute)
		}
		res, err := env.Engine.Sweep(env.Ctx, "docs")
		require.NoError(t, err)
		assert.Equal(t, ids, res.Done)
		assert.Equal(t, domain.StatusDone, env.unit(t, ids[0]).Status)
	})

	t.Run("a live final attempt is closed on the next fetch", func(t *testing.T) {
		env := newTestEnv(t)
		ids := env.sync(t, docSpec("a"))
		for i := 0; i < domain.DefaultMaxAttempts; i++ {
			if i > 0 {
				env.Clock.Advance(roundTime + time.Minute)
			}
			_, err := env.fetch(t, newWorker(t, fmt.Sprintf("u%d", i)), "docs", "")
			require.NoError(t, err)
		}
		assert.Equal(t, domain.StatusInProgress, env.unit(t, ids[0]).Status)

		_, err := env.fetch(t, newWorker(t, "sixth"), "docs", "")
		require.ErrorIs(t, err, engine.ErrNoneAvailable)
		u := env.unit(t, ids[0])
		assert.Equal(t, domain.StatusFailed, u.Status)
		assert.Len(t, u.Assignments, domain.DefaultMaxAttempts)
	})
}

func TestClaimRespectsAttemptBudget(t *testing.T) {
	env := newTestEnv(t)
	ids := env.sync(t, docSpec("a"))
	for i := 0; i < domain.DefaultMaxAttempts; i++ {
		w := newWorker(t, fmt.Sprintf("u%d", i))
		_, err := env.fetch(t, w, "docs", "")
		require.NoError(t, err)
		_, err = env.Engine.ReleaseClaim(env.Ctx, engine.ReleaseRequest{
			LineageID:   "docs",
			ClaimantKey: w.Key,
			Signature:   w.sign(t, "docs", auth.ActionReleaseClaim, auth.Payload{}),
		})
		require.NoError(t, err)
	}
	// Nothing swept since the last release, so the unit is open with a full
	// history. The claim itself must still refuse it.
	require.Equal(t, domain.StatusInitialized, env.unit(t, ids[0]).Status)

	p, err := domain.PolicyFor(domain.VariantDocumentation)
	require.NoError(t, err)
	now := env.Clock.Now().Format(engine.TimeLayout)
	q := repo.ClaimQuery{
		Variant:      p.Variant,
		LineageID:    "docs",
		ClaimantKey:  newWorker(t, "late").Key,
		ClaimFrom:    p.From(domain.EventClaim),
		Terminal:     p.Terminal(),
		OpenStatus:   p.OpenStatus,
		HeldStatuses: p.HeldStatuses(),
		StaleBefore:  now,
		MaxAttempts:  p.MaxAttempts,
		To:           p.ClaimedStatus,
		Now:          now,
	}
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = env.Engine.Repo.ClaimNextTx(env.Ctx, tx, q)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	q.MaxAttempts++
	u, err := env.Engine.Repo.ClaimNextTx(env.Ctx, tx, q)
	require.NoError(t, err)
	assert.Equal(t, ids[0], u.ID)
}

func TestAbandonedReviewIsRecycled(t *testing.T) {
	env := newTestEnv(t)
	ids := env.sync(t, docSpec("a"))
	w := newWorker(t, "alice")
	u := env.reviewUnit(t, w, "https://github.com/acme/docs/pull/1")
	require.NotNil(t, u.RoundNumber)
	require.EqualValues(t, 4, *u.RoundNumber)

	next := newWorker(t, "bob")
	env.Rounds.Set(8)
	_, err := env.fetch(t, next, "docs", "")
	require.ErrorIs(t, err, engine.ErrNoneAvailable, "four rounds behind is still an active review")

	env.Rounds.Set(9)
	claim, err := env.fetch(t, next, "docs", "")
	require.NoError(t, err)
	assert.Equal(t, ids[0], claim.Unit.ID)
	assert.Equal(t, domain.StatusInProgress, claim.Unit.Status)
	assert.Nil(t, claim.Unit.RoundNumber)
	assert.Equal(t, 2, claim.Unit.AttemptCount)
}

func TestCrossLineageCarryover(t *testing.T) {
	env := newTestEnv(t)
	ids := env.sync(t, docSpec("a"))
	first := newWorker(t, "alice")
	_, err := env.fetch(t, first, "docs", "")
	require.NoError(t, err)

	// Within its own lineage the fresh claim is held.
	_, err = env.fetch(t, newWorker(t, "bob"), "docs", "")
	require.ErrorIs(t, err, engine.ErrNoneAvailable)

	// Another lineage serving the variant carries it over at once.
	other := newWorker(t, "carol")
	claim, err := env.fetch(t, other, "archive", "")
	require.NoError(t, err)
	assert.Equal(t, ids[0], claim.Unit.ID)
	require.NotNil(t, claim.Unit.LineageID)
	assert.Equal(t, "archive", *claim.Unit.LineageID)
	assert.Equal(t, other.Key, claim.Assignment.ClaimantKey)

	// The original claimant no longer holds it.
	_, err = env.Engine.SubmitProof(env.Ctx, engine.ProofRequest{
		LineageID:   "docs",
		ClaimantKey: first.Key,
		Signature:   first.sign(t, "docs", auth.ActionSubmitProof, auth.Payload{PRURL: "https://github.com/acme/docs/pull/1"}),
		PRURL:       "https://github.com/acme/docs/pull/1",
	})
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestBindRoundUsesPreviousRound(t *testing.T) {
	env := newTestEnv(t)
	env.sync(t, docSpec("a"))
	w := newWorker(t, "alice")
	pr := "https://github.com/acme/docs/pull/1"

	_, err := env.fetch(t, w, "docs", "")
	require.NoError(t, err)
	_, err = env.Engine.BindRound(env.Ctx, engine.BindRequest{
		LineageID:   "docs",
		ClaimantKey: w.Key,
		Signature:   w.sign(t, "docs", auth.ActionBindRound, auth.Payload{}),
	})
	require.ErrorIs(t, err, engine.ErrNotFound, "bind before proof")

	env.submit(t, w, "docs", pr)
	env.Rounds.Set(7)
	u := env.bind(t, w, "docs")
	assert.Equal(t, domain.StatusInReview, u.Status)
	require.NotNil(t, u.RoundNumber)
	assert.EqualValues(t, 6, *u.RoundNumber)

	ok, err := env.Engine.CheckAssignment(env.Ctx, "docs", w.Key, 6, pr)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = env.Engine.CheckAssignment(env.Ctx, "docs", w.Key, 7, pr)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBindRoundClampsAtZero(t *testing.T) {
	env := newTestEnv(t)
	env.sync(t, docSpec("a"))
	w := newWorker(t, "alice")
	env.Rounds.Set(0)

	_, err := env.fetch(t, w, "docs", "")
	require.NoError(t, err)
	env.submit(t, w, "docs", "https://github.com/acme/docs/pull/1")
	u := env.bind(t, w, "docs")
	require.NotNil(t, u.RoundNumber)
	assert.EqualValues(t, 0, *u.RoundNumber)
}

func TestBindRoundWithZeroOffset(t *testing.T) {
	env := newTestEnv(t)
	zero := int64(0)
	env.Engine.Config.Scheduler.BindRoundOffset = &zero
	env.sync(t, docSpec("a"))
	w := newWorker(t, "alice")
	env.Rounds.Set(7)

	u := env.reviewUnit(t, w, "https://github.com/acme/docs/pull/1")
	require.NotNil(t, u.RoundNumber)
	assert.EqualValues(t, 7, *u.RoundNumber)
}

func TestSubmitProofSignedURLMustMatch(t *testing.T) {
	env := newTestEnv(t)
	env.sync(t, docSpec("a"))
	w := newWorker(t, "alice")

	_, err := env.Engine.SubmitProof(env.Ctx, engine.ProofRequest{
		LineageID:   "docs",
		ClaimantKey: w.Key,
		Signature:   w.sign(t, "docs", auth.ActionSubmitProof, auth.Payload{PRURL: "https://github.com/acme/docs/pull/1"}),
		PRURL:       "https://github.com/acme/docs/pull/1",
	})
	require.ErrorIs(t, err, engine.ErrNotFound, "no claim held")

	_, err = env.fetch(t, w, "docs", "")
	require.NoError(t, err)
	_, err = env.Engine.SubmitProof(env.Ctx, engine.ProofRequest{
		LineageID:   "docs",
		ClaimantKey: w.Key,
		Signature:   w.sign(t, "docs", auth.ActionSubmitProof, auth.Payload{PRURL: "https://github.com/acme/docs/pull/1"}),
		PRURL:       "https://github.com/acme/docs/pull/2",
	})
	var ue auth.UnauthorizedError
	assert.True(t, errors.As(err, &ue))
}

// reviewUnit claims, proves and binds one documentation unit for w.
func (env testEnv) reviewUnit(t *testing.T, w worker, pr string) domain.WorkUnit {
	t.Helper()
	_, err := env.fetch(t, w, "docs", "")
	require.NoError(t, err)
	env.submit(t, w, "docs", pr)
	return env.bind(t, w, "docs")
}

func TestReconcileRoundAppliesVerdict(t *testing.T) {
	env := newTestEnv(t)
	ids := env.sync(t, docSpec("a"), docSpec("b"))
	good := newWorker(t, "alice")
	bad := newWorker(t, "bob")
	env.reviewUnit(t, good, "https://github.com/acme/docs/pull/1")
	env.reviewUnit(t, bad, "https://github.com/acme/docs/pull/2")

	_, err := env.Engine.RecordVerdict(env.Ctx, domain.Verdict{LineageID: "docs", Round: 4, Positive: []string{good.Key}, Negative: []string{bad.Key}})
	require.NoError(t, err)

	res, err := env.Engine.ReconcileRound(env.Ctx, "docs", 4, "auditor")
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeReconciled, res.Outcome)
	assert.Equal(t, []string{ids[0]}, res.Approved)
	assert.Equal(t, []string{ids[1]}, res.Rejected)

	approved := env.unit(t, ids[0])
	assert.Equal(t, domain.StatusDone, approved.Status)
	require.NotNil(t, approved.Assignments[0].Approved)
	assert.True(t, *approved.Assignments[0].Approved)

	rejected := env.unit(t, ids[1])
	assert.Equal(t, domain.StatusInitialized, rejected.Status)
	assert.Nil(t, rejected.ClaimantKey)
	assert.Nil(t, rejected.RoundNumber)

	again, err := env.Engine.ReconcileRound(env.Ctx, "docs", 4, "auditor")
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeAlreadyProcessed, again.Outcome)
	assert.Empty(t, again.Approved)
	assert.Empty(t, again.Rejected)
	_, err = env.Engine.RecordVerdict(env.Ctx, domain.Verdict{LineageID: "docs", Round: 4})
	assert.ErrorIs(t, err, engine.ErrAlreadyProcessed)

	entry, err := env.Engine.LedgerEntry(env.Ctx, "docs", 4)
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerCompleted, entry.Status)

	// The rejected claimant is excluded from its unit; a newcomer gets it.
	_, err = env.fetch(t, bad, "docs", "")
	assert.ErrorIs(t, err, engine.ErrNoneAvailable)
	claim, err := env.fetch(t, newWorker(t, "carol"), "docs", "")
	require.NoError(t, err)
	assert.Equal(t, ids[1], claim.Unit.ID)
}

func TestReconcileRoundSkipsHeldLedger(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RecordVerdict(env.Ctx, domain.Verdict{LineageID: "docs", Round: 4})
	require.NoError(t, err)

	now := env.Clock.Now().Format(engine.TimeLayout)
	stale := env.Clock.Now().Add(-time.Hour).Format(engine.TimeLayout)
	_, acquired, err := env.Engine.Repo.AcquireLedger(env.Ctx, "docs", 4, now, stale)
	require.NoError(t, err)
	require.True(t, acquired)

	res, err := env.Engine.ReconcileRound(env.Ctx, "docs", 4, "auditor")
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeInProgress, res.Outcome)

	results, err := env.Engine.ReconcilePending(env.Ctx, "docs", "auditor")
	require.NoError(t, err)
	assert.Empty(t, results)

	// A run that stopped touching the ledger is taken over.
	env.Clock.Advance(11 * time.Minute)
	res, err = env.Engine.ReconcileRound(env.Ctx, "docs", 4, "auditor")
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeReconciled, res.Outcome)
}

func TestReconcileRoundResetsUnlistedClaims(t *testing.T) {
	env := newTestEnv(t)
	ids := env.sync(t, docSpec("a"))
	w := newWorker(t, "alice")
	env.reviewUnit(t, w, "https://github.com/acme/docs/pull/1")

	_, err := env.Engine.RecordVerdict(env.Ctx, domain.Verdict{LineageID: "docs", Round: 4})
	require.NoError(t, err)
	res, err := env.Engine.ReconcileRound(env.Ctx, "docs", 4, "auditor")
	require.NoError(t, err)
	assert.Equal(t, ids, res.Reset)
	assert.Equal(t, domain.StatusInitialized, env.unit(t, ids[0]).Status)
}

func TestReconcileRoundWithoutVerdict(t *testing.T) {
	env := newTestEnv(t)
	ids := env.sync(t, docSpec("a"))
	w := newWorker(t, "alice")
	env.reviewUnit(t, w, "https://github.com/acme/docs/pull/1")

	res, err := env.Engine.ReconcileRound(env.Ctx, "docs", 4, "auditor")
	require.ErrorIs(t, err, engine.ErrUpstreamUnavailable)
	assert.Equal(t, ids, res.Reset)
	assert.Equal(t, domain.StatusInitialized, env.unit(t, ids[0]).Status)

	entry, err := env.Engine.LedgerEntry(env.Ctx, "docs", 4)
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerFailed, entry.Status)

	// A failed round can be retried once its verdict arrives.
	_, err = env.Engine.RecordVerdict(env.Ctx, domain.Verdict{LineageID: "docs", Round: 4, Positive: []string{w.Key}})
	require.NoError(t, err)
	results, err := env.Engine.ReconcilePending(env.Ctx, "docs", "auditor")
	require.NoError(t, err)
	require.Len(t, results, 1)
	entry, err = env.Engine.LedgerEntry(env.Ctx, "docs", 4)
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerCompleted, entry.Status)

	results, err = env.Engine.ReconcilePending(env.Ctx, "docs", "auditor")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestReportFailureCountsRepeats(t *testing.T) {
	env := newTestEnv(t)
	w := newWorker(t, "alice")
	for i := 0; i < 2; i++ {
		err := env.Engine.ReportFailure(env.Ctx, engine.FailureRequest{
			LineageID:   "docs",
			ClaimantKey: w.Key,
			Signature:   w.sign(t, "docs", auth.ActionReportFailure, auth.Payload{}),
			UnitID:      "u-1",
			Message:     "clone failed",
		})
		require.NoError(t, err)
	}
	logs, err := env.Engine.Repo.ListFailures(env.Ctx, "docs", w.Key)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 2, logs[0].Count)
	assert.Equal(t, "clone failed", logs[0].Message)

	err = env.Engine.ReportFailure(env.Ctx, engine.FailureRequest{
		LineageID:   "docs",
		ClaimantKey: w.Key,
		Signature:   w.sign(t, "docs", auth.ActionReportFailure, auth.Payload{}),
	})
	var ve engine.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func issueSpec(title, bounty, pred string) engine.UnitSpec {
	return engine.UnitSpec{Variant: domain.VariantFeatureIssue, Title: title, BountyID: bounty, PredecessorID: pred, RepoOwner: "acme", RepoName: "app"}
}

func TestAssignNextGatesOnPredecessor(t *testing.T) {
	env := newTestEnv(t)
	first := env.sync(t, issueSpec("one", "b1", ""))[0]
	second := env.sync(t, issueSpec("two", "b1", first))[0]
	env.sync(t, issueSpec("three", "b2", "missing-unit"), issueSpec("four", "b2", ""))

	u, err := env.Engine.AssignNext(env.Ctx, "builder", "leader", "tester")
	require.NoError(t, err)
	assert.Equal(t, first, u.ID)
	assert.Equal(t, domain.StatusAggregatorPending, u.Status)

	// two waits on one, three on a unit that does not exist, and four sits
	// behind three in the same bounty.
	_, err = env.Engine.AssignNext(env.Ctx, "builder", "leader", "tester")
	require.ErrorIs(t, err, engine.ErrNoneAvailable)
	assert.Equal(t, domain.StatusInitialized, env.unit(t, second).Status)

	_, err = env.Engine.AssignNext(env.Ctx, "docs", "leader", "tester")
	var ve engine.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestReservationExpires(t *testing.T) {
	env := newTestEnv(t)
	first := env.sync(t, issueSpec("one", "b1", ""))[0]
	other := env.sync(t, issueSpec("solo", "b2", ""))[0]

	u, err := env.Engine.AssignNext(env.Ctx, "builder", "leader", "tester")
	require.NoError(t, err)
	require.Equal(t, first, u.ID)
	u, err = env.Engine.AssignNext(env.Ctx, "builder", "leader", "tester")
	require.NoError(t, err)
	require.Equal(t, other, u.ID)

	env.Clock.Advance(2 * time.Minute)
	u, err = env.Engine.AssignNext(env.Ctx, "builder", "leader-2", "tester")
	require.NoError(t, err)
	assert.Equal(t, first, u.ID)
	assert.Equal(t, domain.StatusInitialized, env.unit(t, other).Status)

	resets, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: events.UnitReset, EntityID: other})
	require.NoError(t, err)
	assert.Len(t, resets, 1)
}

// completeIssue drives a reserved-and-activated issue through claim, proof,
// review and approval in round.
func (env testEnv) completeIssue(t *testing.T, w worker, issueID string, round int64) {
	t.Helper()
	claim, err := env.fetch(t, w, "builder", domain.VariantFeatureIssue)
	require.NoError(t, err)
	require.Equal(t, issueID, claim.Unit.ID)
	env.submit(t, w, "builder", fmt.Sprintf("https://github.com/acme/app/pull/%d", 100+round))
	env.Rounds.Set(round + 1)
	env.bind(t, w, "builder")
	_, err = env.Engine.RecordVerdict(env.Ctx, domain.Verdict{LineageID: "builder", Round: round, Positive: []string{w.Key}})
	require.NoError(t, err)
}

func TestIssueAndBountyCascade(t *testing.T) {
	env := newTestEnv(t)
	first := env.sync(t, issueSpec("one", "b1", ""))[0]
	second := env.sync(t, issueSpec("two", "b1", first))[0]
	todo := env.sync(t, engine.UnitSpec{Variant: domain.VariantFeatureTodo, Title: "helper", ParentID: first, RepoOwner: "acme", RepoName: "app"})[0]

	_, err := env.Engine.AssignNext(env.Ctx, "builder", "leader", "tester")
	require.NoError(t, err)
	activated, err := env.Engine.Activate(env.Ctx, first, "leader")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, activated.Status, "todo still open")
	require.NotNil(t, activated.ForkOwner)
	assert.Equal(t, "claimline-bot", *activated.ForkOwner)

	// The todo is reviewed and approved, which releases its issue.
	dev := newWorker(t, "dev")
	claim, err := env.fetch(t, dev, "builder", domain.VariantFeatureTodo)
	require.NoError(t, err)
	require.Equal(t, todo, claim.Unit.ID)
	env.submit(t, dev, "builder", "https://github.com/acme/app/pull/1")
	env.Rounds.Set(3)
	env.bind(t, dev, "builder")
	_, err = env.Engine.RecordVerdict(env.Ctx, domain.Verdict{LineageID: "builder", Round: 2, Positive: []string{dev.Key}})
	require.NoError(t, err)
	res, err := env.Engine.ReconcileRound(env.Ctx, "builder", 2, "auditor")
	require.NoError(t, err)
	assert.Equal(t, []string{todo}, res.Approved)
	assert.Equal(t, []string{first}, res.Promoted)
	assert.Equal(t, domain.StatusAssignPending, env.unit(t, first).Status)

	// Approving the first issue merges its pull request and its todos.
	env.completeIssue(t, newWorker(t, "lead-dev"), first, 3)
	res, err = env.Engine.ReconcileRound(env.Ctx, "builder", 3, "auditor")
	require.NoError(t, err)
	assert.Equal(t, []string{first}, res.Approved)
	assert.Empty(t, res.Submitted, "second issue still open")
	assert.Equal(t, domain.StatusMerged, env.unit(t, todo).Status)
	assert.Equal(t, []string{"https://github.com/acme/app/pull/103"}, env.SCM.merged)

	// The second issue has no todos and is claimable right after activation.
	u, err := env.Engine.AssignNext(env.Ctx, "builder", "leader", "tester")
	require.NoError(t, err)
	require.Equal(t, second, u.ID)
	activated, err = env.Engine.Activate(env.Ctx, second, "leader")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAssignPending, activated.Status)

	env.completeIssue(t, newWorker(t, "closer"), second, 4)
	res, err = env.Engine.ReconcileRound(env.Ctx, "builder", 4, "auditor")
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, res.Submitted)
	assert.Equal(t, domain.StatusSubmitted, env.unit(t, first).Status)
	assert.Equal(t, domain.StatusSubmitted, env.unit(t, second).Status)

	prs := env.SCM.PullRequests()
	require.Len(t, prs, 1)
	assert.Equal(t, "claimline-bot:main", prs[0].Head)
	assert.Equal(t, "Bounty b1", prs[0].Title)

	sub, err := env.Engine.Repo.GetBountySubmission(env.Ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerCompleted, sub.Status)
	assert.Equal(t, "https://github.com/acme/app/pull/1", sub.PRURL)

	// Later rounds never open a second pull request for the bounty.
	_, err = env.Engine.RecordVerdict(env.Ctx, domain.Verdict{LineageID: "builder", Round: 5})
	require.NoError(t, err)
	res, err = env.Engine.ReconcileRound(env.Ctx, "builder", 5, "auditor")
	require.NoError(t, err)
	assert.Empty(t, res.Submitted)
	assert.Len(t, env.SCM.PullRequests(), 1)
}

func TestSiblingsApprovedTogetherSubmitOnce(t *testing.T) {
	env := newTestEnv(t)
	ids := env.sync(t, issueSpec("one", "b3", ""), issueSpec("two", "b3", ""), issueSpec("three", "b3", ""))
	for _, id := range ids {
		u, err := env.Engine.AssignNext(env.Ctx, "builder", "leader", "tester")
		require.NoError(t, err)
		require.Equal(t, id, u.ID)
		activated, err := env.Engine.Activate(env.Ctx, id, "leader")
		require.NoError(t, err)
		require.Equal(t, domain.StatusAssignPending, activated.Status)
	}

	var keys []string
	for i, id := range ids {
		w := newWorker(t, fmt.Sprintf("dev-%d", i))
		claim, err := env.fetch(t, w, "builder", domain.VariantFeatureIssue)
		require.NoError(t, err)
		require.Equal(t, id, claim.Unit.ID)
		env.submit(t, w, "builder", fmt.Sprintf("https://github.com/acme/app/pull/%d", 200+i))
		env.Rounds.Set(3)
		env.bind(t, w, "builder")
		keys = append(keys, w.Key)
	}
	_, err := env.Engine.RecordVerdict(env.Ctx, domain.Verdict{LineageID: "builder", Round: 2, Positive: keys})
	require.NoError(t, err)

	res, err := env.Engine.ReconcileRound(env.Ctx, "builder", 2, "auditor")
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, res.Approved)
	assert.Equal(t, []string{"b3"}, res.Submitted)
	for _, id := range ids {
		assert.Equal(t, domain.StatusSubmitted, env.unit(t, id).Status)
	}
	assert.Len(t, env.SCM.PullRequests(), 1)
}

func TestIssueRejectionClosesPullRequest(t *testing.T) {
	env := newTestEnv(t)
	issue := env.sync(t, issueSpec("one", "b1", ""))[0]
	_, err := env.Engine.AssignNext(env.Ctx, "builder", "leader", "tester")
	require.NoError(t, err)
	_, err = env.Engine.Activate(env.Ctx, issue, "leader")
	require.NoError(t, err)

	w := newWorker(t, "dev")
	_, err = env.fetch(t, w, "builder", domain.VariantFeatureIssue)
	require.NoError(t, err)
	env.submit(t, w, "builder", "https://github.com/acme/app/pull/7")
	env.Rounds.Set(3)
	env.bind(t, w, "builder")
	_, err = env.Engine.RecordVerdict(env.Ctx, domain.Verdict{LineageID: "builder", Round: 2, Negative: []string{w.Key}})
	require.NoError(t, err)

	res, err := env.Engine.ReconcileRound(env.Ctx, "builder", 2, "auditor")
	require.NoError(t, err)
	assert.Equal(t, []string{issue}, res.Rejected)
	assert.Equal(t, domain.StatusAssignPending, env.unit(t, issue).Status)
	assert.Equal(t, []string{"https://github.com/acme/app/pull/7"}, env.SCM.closed)
}

func TestBountySubmissionRetriesAfterFailure(t *testing.T) {
	env := newTestEnv(t)
	issue := env.sync(t, issueSpec("one", "b1", ""))[0]
	_, err := env.Engine.AssignNext(env.Ctx, "builder", "leader", "tester")
	require.NoError(t, err)
	_, err = env.Engine.Activate(env.Ctx, issue, "leader")
	require.NoError(t, err)

	env.SCM.FailCreate(errors.New("github down"))
	env.completeIssue(t, newWorker(t, "dev"), issue, 2)
	_, err = env.Engine.ReconcileRound(env.Ctx, "builder", 2, "auditor")
	require.ErrorIs(t, err, engine.ErrUpstreamUnavailable)
	assert.Equal(t, domain.StatusApproved, env.unit(t, issue).Status)

	entry, err := env.Engine.LedgerEntry(env.Ctx, "builder", 2)
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerFailed, entry.Status)

	env.SCM.FailCreate(nil)
	results, err := env.Engine.ReconcilePending(env.Ctx, "builder", "auditor")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []string{"b1"}, results[0].Submitted)
	assert.Equal(t, domain.StatusSubmitted, env.unit(t, issue).Status)
	assert.Len(t, env.SCM.PullRequests(), 1)
}

func TestUpstreamFailureBlocksClaims(t *testing.T) {
	env := newTestEnv(t)
	env.sync(t, docSpec("a"))
	env.Rounds.err = errors.New("rpc timeout")

	_, err := env.fetch(t, newWorker(t, "alice"), "docs", "")
	assert.ErrorIs(t, err, engine.ErrUpstreamUnavailable)
}
