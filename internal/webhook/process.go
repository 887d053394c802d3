package webhook

import (
	"encoding/json"
	"errors"

	"github.com/google/go-github/v72/github"
	"github.com/rs/zerolog/log"
)

// RevisionChange is the distilled form of a push event: the source of some
// application(s) moved to a new revision.
type RevisionChange struct {
	Ignore   bool   `json:"ignore"`
	RepoURL  string `json:"repo_url"`
	Ref      string `json:"ref"`      // e.g. main (refs/heads/ stripped)
	Revision string `json:"revision"` // head commit sha
	Deleted  bool   `json:"deleted"`
}

func validateRevisionChange(c RevisionChange) error {
	if c.RepoURL == "" {
		return errors.New("missing repository URL in push event")
	}
	if c.Ref == "" {
		return errors.New("missing ref in push event")
	}
	if !c.Deleted && c.Revision == "" {
		return errors.New("missing head commit in push event")
	}
	return nil
}

// ProcessPush parses a GitHub push event into a RevisionChange. Tag pushes
// and other non-branch refs are ignored; only branch movement can change an
// application's desired state here.
func ProcessPush(payload []byte) (RevisionChange, error) {
	change := RevisionChange{Ignore: true}
	var pushEvent github.PushEvent
	if err := json.Unmarshal(payload, &pushEvent); err != nil {
		log.Error().Err(err).Msg("Error decoding JSON payload")
		return change, err
	}
	if pushEvent.Repo == nil || pushEvent.Ref == nil {
		err := errors.New("github.PushEvent missing key field")
		log.Error().Err(err).Msg("github.PushEvent missing key field")
		return change, err
	}
	ref := pushEvent.GetRef()
	const branchPrefix = "refs/heads/"
	if len(ref) <= len(branchPrefix) || ref[:len(branchPrefix)] != branchPrefix {
		log.Info().Msgf("Ignoring push for non-branch ref %s", ref)
		return change, nil
	}
	change.Ref = ref[len(branchPrefix):]
	change.RepoURL = pushEvent.Repo.GetCloneURL()
	if change.RepoURL == "" {
		change.RepoURL = pushEvent.Repo.GetHTMLURL()
	}
	change.Revision = pushEvent.GetAfter()
	change.Deleted = pushEvent.GetDeleted()
	if change.Deleted {
		log.Info().Msgf("Branch %s of %s deleted", change.Ref, change.RepoURL)
		change.Ignore = true
		return change, nil
	}
	change.Ignore = false
	log.Debug().Msgf("Returning RevisionChange: %+v", change)
	return change, validateRevisionChange(change)
}
