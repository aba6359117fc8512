package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimline/internal/domain"
)

func TestDefaultTemplateIsValid(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	assert.Len(t, cfg.Lineages, 3)
	assert.Equal(t, 5*time.Minute, cfg.Lineages["docs"].RoundTime.Std())
	assert.Equal(t, time.Minute, cfg.Background.SweepEvery.Std())
	assert.Equal(t, "none", cfg.SourceControl.Provider)

	def := Default()
	assert.Equal(t, cfg.Lineages, def.Lineages)
}

func TestApplyDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("lineages:\n  x:\n    variants: [documentation]\n"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, cfg.BindOffset())
	assert.Equal(t, 60*time.Second, cfg.Scheduler.ReservationTimeout.Std())
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.LedgerTimeout.Std())
	assert.Equal(t, "main", cfg.SourceControl.BaseBranch)
	assert.Equal(t, "claimline", cfg.Notify.SubjectPrefix)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestBindRoundOffsetZeroIsKept(t *testing.T) {
	cfg, err := FromYAML([]byte("lineages:\n  x:\n    variants: [documentation]\nscheduler:\n  bind_round_offset: 0\n"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, cfg.BindOffset())

	cfg, err = FromYAML([]byte("lineages:\n  x:\n    variants: [documentation]\nscheduler:\n  bind_round_offset: 2\n"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, cfg.BindOffset())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"no lineages":       "policies: {}\n",
		"no variants":       "lineages:\n  x: {}\n",
		"unknown variant":   "lineages:\n  x:\n    variants: [poetry]\n",
		"bad duration":      "lineages:\n  x:\n    variants: [documentation]\n    round_time: soon\n",
		"negative override": "lineages:\n  x:\n    variants: [documentation]\npolicies:\n  documentation:\n    max_attempts: -1\n",
		"unknown provider":  "lineages:\n  x:\n    variants: [documentation]\nsource_control:\n  provider: gitlab\n",
		"unknown format":    "lineages:\n  x:\n    variants: [documentation]\nlog:\n  format: xml\n",
		"negative offset":   "lineages:\n  x:\n    variants: [documentation]\nscheduler:\n  bind_round_offset: -1\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestPolicyOverrides(t *testing.T) {
	cfg, err := FromYAML([]byte("lineages:\n  x:\n    variants: [bug_finder]\npolicies:\n  bug_finder:\n    timeout_rounds: 3\n    max_attempts: 2\n"))
	require.NoError(t, err)
	p, err := cfg.Policy(domain.VariantBugFinder)
	require.NoError(t, err)
	assert.Equal(t, 3, p.TimeoutRounds)
	assert.Equal(t, 2, p.MaxAttempts)

	base, err := domain.PolicyFor(domain.VariantBugFinder)
	require.NoError(t, err)
	assert.Equal(t, base.ReviewAbandonRounds, p.ReviewAbandonRounds)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	assert.ErrorContains(t, err, "cl config init")

	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Contains(t, cfg.Lineages, "bugs")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "claimline.yml"), []byte("lineages:\n  solo:\n    variants: [feature_todo, feature_issue]\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	l, ok := cfg.Lineage("solo")
	require.True(t, ok)
	assert.Equal(t, []domain.Variant{domain.VariantFeatureTodo, domain.VariantFeatureIssue}, l.Variants)
}
