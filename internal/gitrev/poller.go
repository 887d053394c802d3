package gitrev

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	ghinstallation "github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v72/github"
	"github.com/rs/zerolog/log"

	"github.com/windlass-gitops/windlass/internal/webhook"
)

// NewClientFromEnv builds a GitHub API client the same way the rest of the
// deployment authenticates: a personal access token when one is set,
// otherwise GitHub App installation credentials. Returns nil when neither
// is configured; the poller is then disabled and revision changes only
// arrive via webhook.
func NewClientFromEnv() *github.Client {
	if githubPAT := os.Getenv("GITHUB_PERSONAL_ACCESS_TOKEN"); githubPAT != "" {
		return github.NewClient(nil).WithAuthToken(githubPAT)
	}
	if githubToken := os.Getenv("GITHUB_TOKEN"); githubToken != "" {
		return github.NewClient(nil).WithAuthToken(githubToken)
	}
	rawAppID := os.Getenv("GITHUB_APP_ID")
	if rawAppID == "" {
		return nil
	}
	appID, err := strconv.ParseInt(rawAppID, 10, 64)
	if err != nil {
		log.Error().Err(err).Msgf("Unable to parse %s", rawAppID)
		return nil
	}
	installID, err := strconv.ParseInt(os.Getenv("GITHUB_APP_INSTALLATION_ID"), 10, 64)
	if err != nil {
		log.Error().Err(err).Msgf("Unable to parse %s", os.Getenv("GITHUB_APP_INSTALLATION_ID"))
		return nil
	}
	privKey := os.Getenv("GITHUB_APP_PRIVATE_KEY")
	itr, err := ghinstallation.New(http.DefaultTransport, appID, installID, []byte(privKey))
	if err != nil {
		log.Error().Err(err).Msgf("Failed to create github transport: appId %d, installId %d", appID, installID)
		return nil
	}
	return github.NewClient(&http.Client{Transport: itr})
}

type trackedRef struct {
	owner string
	repo  string
	url   string
	ref   string
}

// Poller watches branch heads of tracked repositories and emits a
// RevisionChange whenever one moves. It is the fallback trigger path for
// clusters that cannot receive webhooks.
type Poller struct {
	client   *github.Client
	interval time.Duration
	notify   func(webhook.RevisionChange)

	mu       sync.Mutex
	tracked  map[string]trackedRef // keyed by url + "#" + ref
	lastSeen map[string]string
}

func NewPoller(client *github.Client, interval time.Duration, notify func(webhook.RevisionChange)) *Poller {
	return &Poller{
		client:   client,
		interval: interval,
		notify:   notify,
		tracked:  make(map[string]trackedRef),
		lastSeen: make(map[string]string),
	}
}

// Track registers a repository branch. Non-GitHub URLs and pinned
// revisions (anything that isn't a branch name) are skipped; pinned
// sources can't move, so there is nothing to poll.
func (p *Poller) Track(repoURL, ref string) {
	if ref == "" {
		ref = "HEAD"
	}
	owner, repo, ok := parseGitHubURL(repoURL)
	if !ok {
		log.Debug().Str("repo", repoURL).Msg("not a github URL, revision polling skipped")
		return
	}
	if looksLikeCommitSha(ref) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	key := repoURL + "#" + ref
	if _, exists := p.tracked[key]; !exists {
		p.tracked[key] = trackedRef{owner: owner, repo: repo, url: repoURL, ref: ref}
		log.Info().Str("repo", repoURL).Str("ref", ref).Msg("tracking branch head")
	}
}

// Run polls until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	if p.client == nil {
		log.Info().Msg("no github credentials configured - revision polling disabled")
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	p.mu.Lock()
	refs := make([]trackedRef, 0, len(p.tracked))
	for _, t := range p.tracked {
		refs = append(refs, t)
	}
	p.mu.Unlock()

	for _, t := range refs {
		sha, err := p.headSha(ctx, t)
		if err != nil {
			log.Warn().Err(err).Str("repo", t.url).Str("ref", t.ref).Msg("failed to poll branch head")
			continue
		}
		key := t.url + "#" + t.ref
		p.mu.Lock()
		prev := p.lastSeen[key]
		p.lastSeen[key] = sha
		p.mu.Unlock()
		if prev != "" && prev != sha {
			log.Info().Str("repo", t.url).Str("ref", t.ref).
				Str("from", prev).Str("to", sha).Msg("branch head moved")
			p.notify(webhook.RevisionChange{
				RepoURL:  t.url,
				Ref:      t.ref,
				Revision: sha,
			})
		}
	}
}

func (p *Poller) headSha(ctx context.Context, t trackedRef) (string, error) {
	ref := t.ref
	if ref == "HEAD" {
		repo, _, err := p.client.Repositories.Get(ctx, t.owner, t.repo)
		if err != nil {
			return "", err
		}
		ref = repo.GetDefaultBranch()
	}
	branch, _, err := p.client.Repositories.GetBranch(ctx, t.owner, t.repo, ref, 1)
	if err != nil {
		return "", err
	}
	sha := branch.GetCommit().GetSHA()
	if sha == "" {
		return "", fmt.Errorf("branch %s of %s/%s has no head commit", ref, t.owner, t.repo)
	}
	return sha, nil
}

// parseGitHubURL extracts owner and repo from https or ssh GitHub URLs.
func parseGitHubURL(repoURL string) (owner, repo string, ok bool) {
	s := strings.TrimSuffix(repoURL, ".git")
	idx := strings.Index(s, "github.com")
	if idx < 0 {
		return "", "", false
	}
	s = strings.TrimLeft(s[idx+len("github.com"):], ":/")
	parts := strings.Split(s, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func looksLikeCommitSha(ref string) bool {
	if len(ref) != 40 {
		return false
	}
	for _, r := range ref {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
