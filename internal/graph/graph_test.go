package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/windlass-gitops/windlass/internal/app"
	"github.com/windlass-gitops/windlass/internal/resource"
)

func mkApp(name, repo string) *app.Application {
	return &app.Application{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Spec: app.ApplicationSpec{
			Source: app.ApplicationSource{RepoURL: repo, Path: "manifests"},
		},
	}
}

func TestRegisterNewAndDuplicate(t *testing.T) {
	r := NewRegistry()

	added, err := r.Register(mkApp("root", "https://github.com/acme/root"), "")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = r.Register(mkApp("root", "https://github.com/acme/root"), "")
	require.NoError(t, err)
	assert.False(t, added, "re-registering an unchanged application is a no-op")
	assert.Equal(t, app.PhasePending, r.Phase("root"))
}

func TestRegisterSpecChangeResetsPhase(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(mkApp("web", "https://github.com/acme/web"), "")
	require.NoError(t, err)
	r.SetPhase("web", app.PhaseSynced, "")

	changed := mkApp("web", "https://github.com/acme/web")
	changed.Spec.Source.Path = "manifests/v2"
	added, err := r.Register(changed, "")
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, app.PhasePending, r.Phase("web"))
	assert.Equal(t, "manifests/v2", r.Get("web").Spec.Source.Path)
}

func TestRegisterCycleRejected(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(mkApp("x", "repo-x"), "")
	require.NoError(t, err)
	_, err = r.Register(mkApp("y", "repo-y"), "x")
	require.NoError(t, err)

	// y declaring x closes x -> y -> x.
	_, err = r.Register(mkApp("x", "repo-x"), "y")
	require.Error(t, err)
	assert.True(t, errors.Is(err, resource.ErrCyclicAppGraph))

	// Self-reference is the degenerate cycle.
	_, err = r.Register(mkApp("y", "repo-y"), "y")
	require.Error(t, err)
	assert.True(t, errors.Is(err, resource.ErrCyclicAppGraph))

	// The rest of the graph is untouched.
	assert.NotNil(t, r.Get("x"))
	assert.NotNil(t, r.Get("y"))
}

func TestRegisterOwnershipConflict(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(mkApp("a", "repo-a"), "")
	require.NoError(t, err)
	_, err = r.Register(mkApp("b", "repo-b"), "")
	require.NoError(t, err)
	_, err = r.Register(mkApp("shared", "repo-s"), "a")
	require.NoError(t, err)

	_, err = r.Register(mkApp("shared", "repo-s"), "b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, resource.ErrOwnershipConflict))

	snap, ok := r.Status("shared")
	require.True(t, ok)
	assert.Equal(t, "a", snap.Parent, "first writer keeps the child")
}

func TestSetChildrenReturnsRemoved(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Register(mkApp("root", "repo"), "")
	_, _ = r.Register(mkApp("a", "repo"), "root")
	_, _ = r.Register(mkApp("b", "repo"), "root")
	_, _ = r.Register(mkApp("c", "repo"), "root")

	removed := r.SetChildren("root", []string{"b"})
	assert.Equal(t, []string{"a", "c"}, removed)

	snap, _ := r.Status("root")
	assert.Equal(t, []string{"b"}, snap.Children)
}

func TestRemoveDetachesFromParent(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Register(mkApp("root", "repo"), "")
	_, _ = r.Register(mkApp("child", "repo"), "root")

	r.Remove("child")
	assert.Nil(t, r.Get("child"))
	snap, _ := r.Status("root")
	assert.Empty(t, snap.Children)

	r.Remove("child") // idempotent
}

func TestAggregatedPhaseSurfacesDegradedLeaf(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Register(mkApp("root", "repo"), "")
	_, _ = r.Register(mkApp("mid", "repo"), "root")
	_, _ = r.Register(mkApp("leaf", "repo"), "mid")

	r.SetPhase("root", app.PhaseSynced, "")
	r.SetPhase("mid", app.PhaseSynced, "")
	r.SetPhase("leaf", app.PhaseDegraded, "apply rejected")

	snap, _ := r.Status("root")
	assert.Equal(t, app.PhaseSynced, snap.Phase)
	assert.Equal(t, app.PhaseDegraded, snap.Aggregated)

	r.SetPhase("leaf", app.PhaseSynced, "")
	snap, _ = r.Status("root")
	assert.Equal(t, app.PhaseSynced, snap.Aggregated)
}

func TestListSortedWithParents(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Register(mkApp("zeta", "repo"), "")
	_, _ = r.Register(mkApp("alpha", "repo"), "zeta")

	snaps := r.List()
	require.Len(t, snaps, 2)
	assert.Equal(t, "alpha", snaps[0].Name)
	assert.Equal(t, "zeta", snaps[0].Parent)
	assert.Equal(t, "zeta", snaps[1].Name)
}

func TestSetRevision(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Register(mkApp("web", "repo"), "")
	r.SetRevision("web", "abc1234")
	snap, _ := r.Status("web")
	assert.Equal(t, "abc1234", snap.Revision)
	assert.True(t, snap.LastSync.IsZero(), "revision alone is not a completed sync")

	r.SetPhase("web", app.PhaseSynced, "")
	snap, _ = r.Status("web")
	assert.False(t, snap.LastSync.IsZero())
}
