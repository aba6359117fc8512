package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"claimline/internal/config"
	"claimline/internal/notify"
	"claimline/internal/repo"
	"claimline/internal/scm"
)

func TestOpenUsesDefaultsWithoutConfigFile(t *testing.T) {
	a, err := Open(context.Background(), Options{Workspace: t.TempDir(), LogFormat: "console"})
	require.NoError(t, err)
	defer a.Close()

	assert.Contains(t, a.Config.Lineages, "docs")
	assert.IsType(t, scm.Noop{}, a.Engine.SCM)
	_, err = a.Engine.ListUnits(context.Background(), repo.UnitFilters{})
	require.NoError(t, err)

	relay, err := a.Relay([]string{"bounty.*"})
	require.NoError(t, err)
	assert.IsType(t, notify.Log{}, relay.Notifier)
}

func TestOpenReadsConfigPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yml")
	require.NoError(t, os.WriteFile(path, []byte("lineages:\n  only:\n    variants: [bug_finder]\n"), 0o644))

	a, err := Open(context.Background(), Options{Workspace: dir, ConfigPath: path})
	require.NoError(t, err)
	defer a.Close()
	assert.Len(t, a.Config.Lineages, 1)
	assert.Contains(t, a.Config.Lineages, "only")
}

func TestNewProvider(t *testing.T) {
	cfg := config.Default()
	cfg.SourceControl.Provider = "github"
	_, err := NewProvider(context.Background(), cfg, "", zap.NewNop())
	assert.Error(t, err, "token required")

	p, err := NewProvider(context.Background(), cfg, "ghp_test", zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &scm.GitHub{}, p)

	cfg.SourceControl.Provider = "gitlab"
	_, err = NewProvider(context.Background(), cfg, "x", zap.NewNop())
	assert.Error(t, err)
}
