package app

import (
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/yaml"

	"github.com/windlass-gitops/windlass/internal/resource"
)

const (
	Group      = "windlass.io"
	Version    = "v1alpha1"
	APIVersion = Group + "/" + Version
	Kind       = "Application"
)

// Application manifest with only the fields we act on.
type Application struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`
	Spec              ApplicationSpec   `json:"spec"`
	Status            ApplicationStatus `json:"status,omitempty"`
}

type ApplicationSpec struct {
	Source      ApplicationSource `json:"source"`
	Destination Destination       `json:"destination,omitempty"`
	SyncPolicy  *SyncPolicy       `json:"syncPolicy,omitempty"`
}

type ApplicationSource struct {
	RepoURL        string `json:"repoURL"`
	Path           string `json:"path,omitempty"`
	TargetRevision string `json:"targetRevision,omitempty"`
	Recurse        bool   `json:"recurse,omitempty"`
}

type Destination struct {
	Namespace string `json:"namespace,omitempty"`
}

type SyncPolicy struct {
	Automated *SyncPolicyAutomated `json:"automated,omitempty"`
}

type SyncPolicyAutomated struct {
	Prune    bool `json:"prune,omitempty"`
	SelfHeal bool `json:"selfHeal,omitempty"`
}

// Phase is the Application lifecycle state.
type Phase string

const (
	PhasePending  Phase = "Pending"
	PhaseSyncing  Phase = "Syncing"
	PhaseSynced   Phase = "Synced"
	PhaseDegraded Phase = "Degraded"
)

type ApplicationStatus struct {
	Phase      Phase       `json:"phase,omitempty"`
	Revision   string      `json:"revision,omitempty"`
	Message    string      `json:"message,omitempty"`
	Conditions []Condition `json:"conditions,omitempty"`
}

type Condition struct {
	Type      string      `json:"type"`
	Message   string      `json:"message,omitempty"`
	Timestamp metav1.Time `json:"timestamp,omitempty"`
}

// Automated reports whether the sync policy allows unattended syncs.
func (a *Application) Automated() bool {
	return a.Spec.SyncPolicy != nil && a.Spec.SyncPolicy.Automated != nil
}

// Prune reports whether obsolete live resources may be deleted.
func (a *Application) Prune() bool {
	return a.Automated() && a.Spec.SyncPolicy.Automated.Prune
}

// SelfHeal reports whether drift triggers an immediate corrective sync.
func (a *Application) SelfHeal() bool {
	return a.Automated() && a.Spec.SyncPolicy.Automated.SelfHeal
}

// InheritPolicy fills a child application's unset sync policy from its
// parent. A child that declares its own syncPolicy keeps it.
func (a *Application) InheritPolicy(parent *Application) {
	if a.Spec.SyncPolicy == nil && parent != nil {
		a.Spec.SyncPolicy = parent.Spec.SyncPolicy
	}
}

// IsApplication reports whether an arbitrary manifest document is one of our
// Application manifests.
func IsApplication(obj *unstructured.Unstructured) bool {
	gvk := obj.GroupVersionKind()
	return gvk.Group == Group && gvk.Kind == Kind
}

// FromUnstructured converts a parsed manifest document into an Application.
func FromUnstructured(obj *unstructured.Unstructured) (*Application, error) {
	data, err := yaml.Marshal(obj.Object)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", resource.ErrMalformedResource, err)
	}
	var a Application
	if err := yaml.UnmarshalStrict(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", resource.ErrMalformedResource, err)
	}
	if a.ObjectMeta.Name == "" {
		return nil, fmt.Errorf("%w: application manifest without metadata.name", resource.ErrMalformedResource)
	}
	if a.Spec.Source.RepoURL == "" {
		return nil, fmt.Errorf("%w: application %s has no spec.source.repoURL", resource.ErrMalformedResource, a.ObjectMeta.Name)
	}
	return &a, nil
}

// WorstPhase aggregates application phases; Degraded beats Syncing beats
// Pending beats Synced, so a degraded leaf surfaces at the root of an
// app-of-apps tree.
func WorstPhase(phases ...Phase) Phase {
	rank := func(p Phase) int {
		switch p {
		case PhaseDegraded:
			return 3
		case PhaseSyncing:
			return 2
		case PhasePending:
			return 1
		default:
			return 0
		}
	}
	worst := PhaseSynced
	for _, p := range phases {
		if rank(p) > rank(worst) {
			worst = p
		}
	}
	return worst
}
