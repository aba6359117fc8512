package scm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestGitHub(t *testing.T, mux *http.ServeMux) *GitHub {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	g, err := NewGitHub(context.Background(), GitHubOptions{
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
		Logger:     zap.NewNop(),
		Retry: RetryConfig{
			MaxRetries:        2,
			InitialBackoff:    5 * time.Millisecond,
			MaxBackoff:        20 * time.Millisecond,
			BackoffMultiplier: 2,
		},
	})
	require.NoError(t, err)
	return g
}

func TestCreateForkAccepted(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/widgets/forks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"name":"widgets","owner":{"login":"claimbot"}}`)
	})
	g := newTestGitHub(t, mux)
	owner, err := g.CreateFork(context.Background(), "acme", "widgets")
	require.NoError(t, err)
	assert.Equal(t, "claimbot", owner)
}

func TestCreatePullRequest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/widgets/pulls", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "claimbot:main", body["head"])
		assert.Equal(t, "main", body["base"])
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"number":7,"html_url":"https://github.com/acme/widgets/pull/7"}`)
	})
	g := newTestGitHub(t, mux)
	pr, err := g.CreatePullRequest(context.Background(), PullRequestRequest{Owner: "acme", Repo: "widgets", Head: "claimbot:main", Base: "main", Title: "bounty"})
	require.NoError(t, err)
	assert.Equal(t, 7, pr.Number)
	assert.Equal(t, "https://github.com/acme/widgets/pull/7", pr.URL)
}

func TestMergeRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /repos/acme/widgets/pulls/7/merge", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"merged":true}`)
	})
	g := newTestGitHub(t, mux)
	require.NoError(t, g.MergePullRequest(context.Background(), "https://github.com/acme/widgets/pull/7"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestCloseDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("PATCH /repos/acme/widgets/pulls/8", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"message":"Validation Failed"}`)
	})
	g := newTestGitHub(t, mux)
	err := g.ClosePullRequest(context.Background(), "https://github.com/acme/widgets/pull/8")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
	assert.Equal(t, int32(1), calls.Load())
}

func TestParsePRURL(t *testing.T) {
	ref, err := ParsePRURL("https://github.com/acme/widgets/pull/42")
	require.NoError(t, err)
	assert.Equal(t, PRRef{Owner: "acme", Repo: "widgets", Number: 42}, ref)

	for _, bad := range []string{"", "acme/widgets#1", "https://github.com/acme/widgets/issues/1", "https://github.com/acme/widgets/pull/x"} {
		_, err := ParsePRURL(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewGitHubRequiresToken(t *testing.T) {
	_, err := NewGitHub(context.Background(), GitHubOptions{})
	assert.Error(t, err)
}

func TestRetryConfigDefaults(t *testing.T) {
	var c RetryConfig
	c.ApplyDefaults()
	assert.Equal(t, DefaultRetryConfig(), c)
}
