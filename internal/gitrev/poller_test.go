package gitrev

import (
	"testing"
	"time"
)

func TestParseGitHubURL(t *testing.T) {
	cases := []struct {
		in    string
		owner string
		repo  string
		ok    bool
	}{
		{"https://github.com/acme/platform-config.git", "acme", "platform-config", true},
		{"https://github.com/acme/platform-config", "acme", "platform-config", true},
		{"git@github.com:acme/platform-config.git", "acme", "platform-config", true},
		{"ssh://git@github.com/acme/infra", "acme", "infra", true},
		{"https://gitlab.com/acme/platform-config", "", "", false},
		{"https://github.com/acme", "", "", false},
		{"", "", "", false},
	}
	for _, tc := range cases {
		owner, repo, ok := parseGitHubURL(tc.in)
		if ok != tc.ok || owner != tc.owner || repo != tc.repo {
			t.Errorf("parseGitHubURL(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.in, owner, repo, ok, tc.owner, tc.repo, tc.ok)
		}
	}
}

func TestLooksLikeCommitSha(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"6113728f27ae82c7b1a177c8d03f9e96e0adf246", true},
		{"main", false},
		{"v1.2.3", false},
		{"6113728", false}, // short shas are treated as branch names
		{"6113728f27ae82c7b1a177c8d03f9e96e0adfZZZ", false},
	}
	for _, tc := range cases {
		if got := looksLikeCommitSha(tc.in); got != tc.want {
			t.Errorf("looksLikeCommitSha(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestTrackSkipsUnpollableSources(t *testing.T) {
	p := NewPoller(nil, time.Minute, nil)

	p.Track("https://github.com/acme/platform-config.git", "main")
	p.Track("https://github.com/acme/platform-config.git", "main") // dedup
	p.Track("https://github.com/acme/platform-config.git", "")     // defaults to HEAD
	p.Track("https://gitlab.example.com/acme/other", "main")
	p.Track("https://github.com/acme/pinned", "6113728f27ae82c7b1a177c8d03f9e96e0adf246")

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.tracked) != 2 {
		t.Errorf("tracked %d refs, want 2 (main and HEAD)", len(p.tracked))
	}
	if _, ok := p.tracked["https://github.com/acme/platform-config.git#main"]; !ok {
		t.Error("branch ref not tracked")
	}
	if _, ok := p.tracked["https://github.com/acme/platform-config.git#HEAD"]; !ok {
		t.Error("empty ref should be tracked as HEAD")
	}
}
