package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/windlass-gitops/windlass/internal/app"
	"github.com/windlass-gitops/windlass/internal/graph"
	"github.com/windlass-gitops/windlass/internal/history"
	"github.com/windlass-gitops/windlass/internal/resource"
	"github.com/windlass-gitops/windlass/internal/scheduler"
	"github.com/windlass-gitops/windlass/internal/source"
)

func newTestOperator(t *testing.T) (*Operator, *graph.Registry, history.Store) {
	t.Helper()
	registry := graph.NewRegistry()
	store := history.NewMemoryStore()
	sched := scheduler.New(
		source.NewLoader(source.DirResolver{Root: t.TempDir()}),
		nil,
		registry,
		store,
		time.Hour,
	)
	op := &Operator{
		Scheduler:     sched,
		Registry:      registry,
		Store:         store,
		WebhookSecret: "test-secret",
		DevMode:       true,
	}
	return op, registry, store
}

func registerApp(t *testing.T, registry *graph.Registry, name string) {
	t.Helper()
	a := &app.Application{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Spec: app.ApplicationSpec{
			Source: app.ApplicationSource{RepoURL: "https://github.com/acme/config", Path: "apps"},
		},
	}
	_, err := registry.Register(a, "")
	require.NoError(t, err)
}

func TestHealthZ(t *testing.T) {
	op, _, _ := newTestOperator(t)
	srv := httptest.NewServer(op.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListApplications(t *testing.T) {
	op, registry, _ := newTestOperator(t)
	registerApp(t, registry, "web")
	registerApp(t, registry, "payments")
	srv := httptest.NewServer(op.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/applications")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snaps []graph.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snaps))
	require.Len(t, snaps, 2)
	assert.Equal(t, "payments", snaps[0].Name)
	assert.Equal(t, "web", snaps[1].Name)
	assert.Equal(t, app.PhasePending, snaps[0].Phase)
}

func TestGetApplication(t *testing.T) {
	op, registry, _ := newTestOperator(t)
	registerApp(t, registry, "web")
	registry.SetPhase("web", app.PhaseSynced, "")
	registry.SetRevision("web", "abc1234")
	srv := httptest.NewServer(op.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/applications/web")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var detail struct {
		Name     string    `json:"name"`
		Phase    app.Phase `json:"phase"`
		Revision string    `json:"revision"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&detail))
	assert.Equal(t, "web", detail.Name)
	assert.Equal(t, app.PhaseSynced, detail.Phase)
	assert.Equal(t, "abc1234", detail.Revision)
}

func TestGetApplicationNotFound(t *testing.T) {
	op, _, _ := newTestOperator(t)
	srv := httptest.NewServer(op.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/applications/nobody")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTriggerSyncWithoutLoop(t *testing.T) {
	op, registry, _ := newTestOperator(t)
	registerApp(t, registry, "web")
	srv := httptest.NewServer(op.Mux())
	defer srv.Close()

	// Registered but no reconcile loop running yet.
	resp, err := http.Post(srv.URL+"/applications/web/sync", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp2, err := http.Post(srv.URL+"/applications/nobody/sync", "application/json", nil)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestGetResults(t *testing.T) {
	op, registry, store := newTestOperator(t)
	registerApp(t, registry, "web")
	key := resource.Key{Kind: "ConfigMap", Namespace: "web", Name: "settings"}
	require.NoError(t, store.Record("web", []resource.SyncResult{
		{Key: key, App: "web", Outcome: resource.OutcomeCreated, Timestamp: time.Now()},
	}))
	srv := httptest.NewServer(op.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/applications/web/results")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var results []resource.SyncResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&results))
	require.Len(t, results, 1)
	assert.Equal(t, resource.OutcomeCreated, results[0].Outcome)
}

func TestWebhookPing(t *testing.T) {
	op, _, _ := newTestOperator(t)
	srv := httptest.NewServer(op.Mux())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/webhook", strings.NewReader("{}"))
	req.Header.Set("X-GitHub-Event", "ping")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebhookPushAccepted(t *testing.T) {
	op, _, _ := newTestOperator(t)
	srv := httptest.NewServer(op.Mux())
	defer srv.Close()

	payload := `{
	  "ref": "refs/heads/main",
	  "after": "6113728f27ae82c7b1a177c8d03f9e96e0adf246",
	  "repository": {"clone_url": "https://github.com/acme/config.git"}
	}`
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/webhook", strings.NewReader(payload))
	req.Header.Set("X-GitHub-Event", "push")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	op, _, _ := newTestOperator(t)
	op.DevMode = false
	srv := httptest.NewServer(op.Mux())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/webhook", strings.NewReader("{}"))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", "sha256=0000000000000000000000000000000000000000000000000000000000000000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	op, _, _ := newTestOperator(t)
	srv := httptest.NewServer(op.Mux())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/webhook", strings.NewReader("{}"))
	req.Header.Set("X-GitHub-Event", "issues")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
