package scm

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// PullRequestRequest opens a pull request against Owner/Repo.
type PullRequestRequest struct {
	Owner string
	Repo  string
	// Head is "owner:branch" for cross-repository requests.
	Head  string
	Base  string
	Title string
	Body  string
}

type PullRequest struct {
	URL    string
	Number int
}

// Provider is the source-control collaborator used by the resolver and the
// reconciler. Every method is safe for concurrent use.
type Provider interface {
	// CreateFork forks owner/repo into the service account and returns the
	// fork's owner.
	CreateFork(ctx context.Context, owner, repo string) (string, error)
	CreatePullRequest(ctx context.Context, req PullRequestRequest) (PullRequest, error)
	MergePullRequest(ctx context.Context, prURL string) error
	ClosePullRequest(ctx context.Context, prURL string) error
}

// PRRef identifies a pull request parsed from its web URL.
type PRRef struct {
	Owner  string
	Repo   string
	Number int
}

// ParsePRURL accepts https://<host>/<owner>/<repo>/pull/<number>.
func ParsePRURL(raw string) (PRRef, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return PRRef{}, fmt.Errorf("invalid pull request url %q", raw)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 4 || (parts[2] != "pull" && parts[2] != "pulls") {
		return PRRef{}, fmt.Errorf("invalid pull request url %q", raw)
	}
	n, err := strconv.Atoi(parts[3])
	if err != nil || n <= 0 {
		return PRRef{}, fmt.Errorf("invalid pull request number in %q", raw)
	}
	return PRRef{Owner: parts[0], Repo: parts[1], Number: n}, nil
}

// Noop performs no remote calls. Forks resolve to the source owner.
type Noop struct{}

func (Noop) CreateFork(_ context.Context, owner, _ string) (string, error) { return owner, nil }

func (Noop) CreatePullRequest(context.Context, PullRequestRequest) (PullRequest, error) {
	return PullRequest{}, nil
}

func (Noop) MergePullRequest(context.Context, string) error { return nil }

func (Noop) ClosePullRequest(context.Context, string) error { return nil }
