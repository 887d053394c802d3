package app

import (
	"errors"
	"testing"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/yaml"

	"github.com/windlass-gitops/windlass/internal/resource"
)

func parseDoc(t *testing.T, manifest string) *unstructured.Unstructured {
	t.Helper()
	var content map[string]interface{}
	if err := yaml.Unmarshal([]byte(manifest), &content); err != nil {
		t.Fatalf("failed to parse manifest: %v", err)
	}
	return &unstructured.Unstructured{Object: content}
}

func TestIsApplication(t *testing.T) {
	appDoc := parseDoc(t, `apiVersion: windlass.io/v1alpha1
kind: Application
metadata:
  name: web
spec:
  source:
    repoURL: https://github.com/acme/web-config
`)
	if !IsApplication(appDoc) {
		t.Error("expected Application manifest to be recognized")
	}

	cmDoc := parseDoc(t, "apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: web\n")
	if IsApplication(cmDoc) {
		t.Error("ConfigMap misidentified as Application")
	}

	foreign := parseDoc(t, "apiVersion: argoproj.io/v1alpha1\nkind: Application\nmetadata:\n  name: web\n")
	if IsApplication(foreign) {
		t.Error("foreign-group Application misidentified as ours")
	}
}

func TestFromUnstructured(t *testing.T) {
	doc := parseDoc(t, `apiVersion: windlass.io/v1alpha1
kind: Application
metadata:
  name: web
spec:
  source:
    repoURL: https://github.com/acme/web-config
    path: manifests/prod
    targetRevision: main
    recurse: true
  destination:
    namespace: web
  syncPolicy:
    automated:
      prune: true
`)
	a, err := FromUnstructured(doc)
	if err != nil {
		t.Fatalf("FromUnstructured() failed: %v", err)
	}
	if a.ObjectMeta.Name != "web" {
		t.Errorf("name = %q, want web", a.ObjectMeta.Name)
	}
	if a.Spec.Source.Path != "manifests/prod" || !a.Spec.Source.Recurse {
		t.Errorf("unexpected source: %+v", a.Spec.Source)
	}
	if !a.Automated() || !a.Prune() || a.SelfHeal() {
		t.Errorf("policy helpers wrong: automated=%v prune=%v selfHeal=%v", a.Automated(), a.Prune(), a.SelfHeal())
	}
}

func TestFromUnstructuredRejectsBadManifests(t *testing.T) {
	cases := []struct {
		name     string
		manifest string
	}{
		{"missing name", "apiVersion: windlass.io/v1alpha1\nkind: Application\nspec:\n  source:\n    repoURL: https://github.com/acme/x\n"},
		{"missing repoURL", "apiVersion: windlass.io/v1alpha1\nkind: Application\nmetadata:\n  name: web\nspec:\n  source: {}\n"},
		{"unknown field", "apiVersion: windlass.io/v1alpha1\nkind: Application\nmetadata:\n  name: web\nspec:\n  source:\n    repoURL: https://github.com/acme/x\n  bogus: true\n"},
	}
	for _, tc := range cases {
		_, err := FromUnstructured(parseDoc(t, tc.manifest))
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
			continue
		}
		if !errors.Is(err, resource.ErrMalformedResource) {
			t.Errorf("%s: error %v is not ErrMalformedResource", tc.name, err)
		}
	}
}

func TestInheritPolicy(t *testing.T) {
	parent := &Application{Spec: ApplicationSpec{
		SyncPolicy: &SyncPolicy{Automated: &SyncPolicyAutomated{SelfHeal: true}},
	}}

	child := &Application{}
	child.InheritPolicy(parent)
	if !child.SelfHeal() {
		t.Error("child without policy should inherit the parent's")
	}

	manual := &Application{Spec: ApplicationSpec{SyncPolicy: &SyncPolicy{}}}
	manual.InheritPolicy(parent)
	if manual.Automated() {
		t.Error("child with its own syncPolicy must keep it")
	}
}

func TestWorstPhase(t *testing.T) {
	cases := []struct {
		phases []Phase
		want   Phase
	}{
		{nil, PhaseSynced},
		{[]Phase{PhaseSynced, PhaseSynced}, PhaseSynced},
		{[]Phase{PhaseSynced, PhasePending}, PhasePending},
		{[]Phase{PhasePending, PhaseSyncing}, PhaseSyncing},
		{[]Phase{PhaseSyncing, PhaseDegraded, PhaseSynced}, PhaseDegraded},
	}
	for _, tc := range cases {
		if got := WorstPhase(tc.phases...); got != tc.want {
			t.Errorf("WorstPhase(%v) = %s, want %s", tc.phases, got, tc.want)
		}
	}
}
