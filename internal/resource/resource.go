package resource

import (
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// Labels stamped on every object this controller applies. List and Watch
// calls are scoped by these, which is also what makes prune safe: we never
// see (let alone delete) objects some other controller owns.
const (
	ManagedByLabel = "app.kubernetes.io/managed-by"
	ManagedByValue = "windlass"
	AppLabel       = "windlass.io/application"
)

// SyncWaveAnnotation lets a manifest override its default ordering tier.
// Lower waves apply first; negative values are allowed.
const SyncWaveAnnotation = "windlass.io/sync-wave"

// Key identifies a resource within the target cluster. Cluster-scoped kinds
// leave Namespace empty.
type Key struct {
	Group     string `json:"group,omitempty"`
	Kind      string `json:"kind"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
}

func (k Key) String() string {
	gk := k.Kind
	if k.Group != "" {
		gk = k.Group + "/" + k.Kind
	}
	if k.Namespace == "" {
		return fmt.Sprintf("%s %s", gk, k.Name)
	}
	return fmt.Sprintf("%s %s/%s", gk, k.Namespace, k.Name)
}

// KeyFor derives a Key from an unstructured object.
func KeyFor(obj *unstructured.Unstructured) Key {
	gvk := obj.GroupVersionKind()
	return Key{
		Group:     gvk.Group,
		Kind:      gvk.Kind,
		Namespace: obj.GetNamespace(),
		Name:      obj.GetName(),
	}
}

// Desired is one object from the source tree, immutable for the duration of
// a sync cycle.
type Desired struct {
	Key      Key
	Object   *unstructured.Unstructured
	App      string // owning Application
	SrcPath  string // file the document came from, relative to the source root
	Revision string // source revision the snapshot was loaded at
}

// GVK returns the object's group/version/kind.
func (d *Desired) GVK() schema.GroupVersionKind {
	return d.Object.GroupVersionKind()
}

// Live is the observed counterpart of a Desired object.
type Live struct {
	Key             Key
	Object          *unstructured.Unstructured
	ResourceVersion string
	ObservedAt      time.Time
}

// OwnedBy reports whether the live object carries this controller's
// ownership labels for the given application.
func (l *Live) OwnedBy(app string) bool {
	labels := l.Object.GetLabels()
	return labels[ManagedByLabel] == ManagedByValue && labels[AppLabel] == app
}

// Outcome of a single sync operation.
type Outcome string

const (
	OutcomeCreated   Outcome = "Created"
	OutcomeUpdated   Outcome = "Updated"
	OutcomeDeleted   Outcome = "Deleted"
	OutcomeUnchanged Outcome = "Unchanged"
	OutcomeFailed    Outcome = "Failed"
	OutcomeSkipped   Outcome = "Skipped"
)

// SyncResult records the outcome of one operation against one resource.
type SyncResult struct {
	Key       Key       `json:"resource"`
	App       string    `json:"application"`
	Outcome   Outcome   `json:"outcome"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Failed is a convenience constructor for failure results.
func Failed(key Key, app string, err error) SyncResult {
	return SyncResult{
		Key:       key,
		App:       app,
		Outcome:   OutcomeFailed,
		Message:   err.Error(),
		Timestamp: time.Now(),
	}
}
