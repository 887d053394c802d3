package webhook

import (
	"testing"
)

const pushPayload = `{
  "ref": "refs/heads/main",
  "after": "6113728f27ae82c7b1a177c8d03f9e96e0adf246",
  "deleted": false,
  "repository": {
    "clone_url": "https://github.com/acme/platform-config.git",
    "html_url": "https://github.com/acme/platform-config"
  }
}`

const tagPayload = `{
  "ref": "refs/tags/v1.2.3",
  "after": "6113728f27ae82c7b1a177c8d03f9e96e0adf246",
  "repository": {
    "clone_url": "https://github.com/acme/platform-config.git"
  }
}`

const deletedPayload = `{
  "ref": "refs/heads/feature-x",
  "after": "0000000000000000000000000000000000000000",
  "deleted": true,
  "repository": {
    "clone_url": "https://github.com/acme/platform-config.git"
  }
}`

func TestProcessPush(t *testing.T) {
	change, err := ProcessPush([]byte(pushPayload))
	if err != nil {
		t.Fatalf("ProcessPush() failed: %v", err)
	}
	if change.Ignore {
		t.Error("branch push must not be ignored")
	}
	if change.Ref != "main" {
		t.Errorf("ref = %q, want main", change.Ref)
	}
	if change.RepoURL != "https://github.com/acme/platform-config.git" {
		t.Errorf("repoURL = %q", change.RepoURL)
	}
	if change.Revision != "6113728f27ae82c7b1a177c8d03f9e96e0adf246" {
		t.Errorf("revision = %q", change.Revision)
	}
}

func TestProcessPushTagIgnored(t *testing.T) {
	change, err := ProcessPush([]byte(tagPayload))
	if err != nil {
		t.Fatalf("ProcessPush() failed: %v", err)
	}
	if !change.Ignore {
		t.Error("tag push must be ignored")
	}
}

func TestProcessPushDeletedBranchIgnored(t *testing.T) {
	change, err := ProcessPush([]byte(deletedPayload))
	if err != nil {
		t.Fatalf("ProcessPush() failed: %v", err)
	}
	if !change.Ignore {
		t.Error("deleted-branch push must be ignored")
	}
	if !change.Deleted {
		t.Error("deleted flag not carried through")
	}
}

func TestProcessPushMissingFields(t *testing.T) {
	if _, err := ProcessPush([]byte(`{"after": "abc"}`)); err == nil {
		t.Error("expected error for payload without ref and repository")
	}
	if _, err := ProcessPush([]byte(`not json`)); err == nil {
		t.Error("expected error for non-JSON payload")
	}
}
