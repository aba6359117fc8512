package scm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// GitHubOptions configures the GitHub provider.
type GitHubOptions struct {
	Token string
	// BaseURL points at a GitHub Enterprise or test API root. Empty uses api.github.com.
	BaseURL           string
	RequestsPerSecond float64
	Retry             RetryConfig
	Logger            *zap.Logger
	// HTTPClient replaces the token-authenticated client.
	HTTPClient *http.Client
}

// GitHub implements Provider over the GitHub REST API. Calls are paced by a
// token bucket shared by all methods.
type GitHub struct {
	client  *github.Client
	limiter *rate.Limiter
	retry   RetryConfig
	log     *zap.Logger
}

func NewGitHub(ctx context.Context, opts GitHubOptions) (*GitHub, error) {
	hc := opts.HTTPClient
	if hc == nil {
		if opts.Token == "" {
			return nil, errors.New("github token not set")
		}
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token})
		hc = oauth2.NewClient(ctx, ts)
	}
	client := github.NewClient(hc)
	if opts.BaseURL != "" {
		base := opts.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}
		client.BaseURL = u
	}
	limit := rate.Inf
	burst := 1
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &GitHub{
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		retry:   opts.Retry,
		log:     log.Named("github"),
	}, nil
}

func (g *GitHub) do(ctx context.Context, op func() (*github.Response, error)) error {
	return withRetry(ctx, g.retry, g.log, g.limiter.Wait, op)
}

func (g *GitHub) CreateFork(ctx context.Context, owner, repo string) (string, error) {
	var fork *github.Repository
	err := g.do(ctx, func() (*github.Response, error) {
		r, resp, err := g.client.Repositories.CreateFork(ctx, owner, repo, &github.RepositoryCreateForkOptions{})
		var accepted *github.AcceptedError
		if errors.As(err, &accepted) {
			// Forking is asynchronous; the 202 body already describes the fork.
			r = new(github.Repository)
			if len(accepted.Raw) > 0 {
				if uerr := json.Unmarshal(accepted.Raw, r); uerr != nil {
					return resp, fmt.Errorf("decode fork: %w", uerr)
				}
			}
			err = nil
		}
		fork = r
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("fork %s/%s: %w", owner, repo, err)
	}
	forkOwner := fork.GetOwner().GetLogin()
	if forkOwner == "" {
		return "", fmt.Errorf("fork %s/%s: response has no owner", owner, repo)
	}
	return forkOwner, nil
}

func (g *GitHub) CreatePullRequest(ctx context.Context, req PullRequestRequest) (PullRequest, error) {
	var pr *github.PullRequest
	err := g.do(ctx, func() (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		pr, resp, err = g.client.PullRequests.Create(ctx, req.Owner, req.Repo, &github.NewPullRequest{
			Title: github.String(req.Title),
			Head:  github.String(req.Head),
			Base:  github.String(req.Base),
			Body:  github.String(req.Body),
		})
		return resp, err
	})
	if err != nil {
		return PullRequest{}, fmt.Errorf("create pull request on %s/%s: %w", req.Owner, req.Repo, err)
	}
	return PullRequest{URL: pr.GetHTMLURL(), Number: pr.GetNumber()}, nil
}

func (g *GitHub) MergePullRequest(ctx context.Context, prURL string) error {
	ref, err := ParsePRURL(prURL)
	if err != nil {
		return err
	}
	err = g.do(ctx, func() (*github.Response, error) {
		_, resp, err := g.client.PullRequests.Merge(ctx, ref.Owner, ref.Repo, ref.Number, "", &github.PullRequestOptions{MergeMethod: "squash"})
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("merge %s: %w", prURL, err)
	}
	return nil
}

func (g *GitHub) ClosePullRequest(ctx context.Context, prURL string) error {
	ref, err := ParsePRURL(prURL)
	if err != nil {
		return err
	}
	err = g.do(ctx, func() (*github.Response, error) {
		_, resp, err := g.client.PullRequests.Edit(ctx, ref.Owner, ref.Repo, ref.Number, &github.PullRequest{State: github.String("closed")})
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("close %s: %w", prURL, err)
	}
	return nil
}
