package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/windlass-gitops/windlass/internal/resource"
)

// Interface is the slice of the target runtime this controller needs:
// addressing by kind/namespace/name, optimistic concurrency via resource
// versions, and label-scoped observation.
type Interface interface {
	// Get returns the live object, or nil when it does not exist. Absence
	// is a valid observation, not an error.
	Get(ctx context.Context, gvk schema.GroupVersionKind, key resource.Key) (*resource.Live, error)
	// List returns all live objects of the given kinds owned by app.
	List(ctx context.Context, appName string, gvks []schema.GroupVersionKind) ([]resource.Live, error)
	// Apply creates the object, or updates it at the given resource version.
	Apply(ctx context.Context, d *resource.Desired, resourceVersion string) (*resource.Live, error)
	// Delete removes the object; deleting an absent object succeeds.
	Delete(ctx context.Context, gvk schema.GroupVersionKind, key resource.Key, resourceVersion string) error
	// Watch subscribes to changes of the given kinds owned by app.
	Watch(ctx context.Context, appName string, gvks []schema.GroupVersionKind) (*Subscription, error)
}

// Client implements Interface against a real API server.
type Client struct {
	dyn dynamic.Interface
}

func NewClient(dyn dynamic.Interface) *Client {
	return &Client{dyn: dyn}
}

// NewClientFromKubeconfig builds a client from a kubeconfig path, falling
// back to in-cluster config when the path is empty.
func NewClientFromKubeconfig(kubeconfig string) (*Client, error) {
	var cfg *rest.Config
	var err error
	if kubeconfig == "" {
		cfg, err = rest.InClusterConfig()
	} else {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build rest config: %w", err)
	}
	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}
	return &Client{dyn: dyn}, nil
}

func (c *Client) resourceFor(gvk schema.GroupVersionKind, namespace string) dynamic.ResourceInterface {
	gvr := GVRFor(gvk)
	if resource.IsClusterScoped(gvk.Kind) {
		return c.dyn.Resource(gvr)
	}
	return c.dyn.Resource(gvr).Namespace(namespace)
}

func ownedSelector(appName string) string {
	return fmt.Sprintf("%s=%s,%s=%s", resource.ManagedByLabel, resource.ManagedByValue, resource.AppLabel, appName)
}

func toLive(obj *unstructured.Unstructured) resource.Live {
	return resource.Live{
		Key:             resource.KeyFor(obj),
		Object:          obj,
		ResourceVersion: obj.GetResourceVersion(),
		ObservedAt:      time.Now(),
	}
}

func (c *Client) Get(ctx context.Context, gvk schema.GroupVersionKind, key resource.Key) (*resource.Live, error) {
	obj, err := c.resourceFor(gvk, key.Namespace).Get(ctx, key.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, resource.NewError(key, fmt.Errorf("%w: %v", resource.ErrObservationFailed, err))
	}
	live := toLive(obj)
	return &live, nil
}

func (c *Client) List(ctx context.Context, appName string, gvks []schema.GroupVersionKind) ([]resource.Live, error) {
	var out []resource.Live
	opts := metav1.ListOptions{LabelSelector: ownedSelector(appName)}
	for _, gvk := range gvks {
		gvr := GVRFor(gvk)
		list, err := c.dyn.Resource(gvr).List(ctx, opts)
		if apierrors.IsNotFound(err) {
			// Kind not served by this cluster (e.g. CRD not installed yet):
			// nothing of it can be live.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: listing %s: %v", resource.ErrObservationFailed, gvr, err)
		}
		for i := range list.Items {
			out = append(out, toLive(&list.Items[i]))
		}
	}
	return out, nil
}

func (c *Client) Apply(ctx context.Context, d *resource.Desired, resourceVersion string) (*resource.Live, error) {
	ri := c.resourceFor(d.GVK(), d.Key.Namespace)
	obj := d.Object.DeepCopy()
	var applied *unstructured.Unstructured
	var err error
	if resourceVersion == "" {
		applied, err = ri.Create(ctx, obj, metav1.CreateOptions{FieldManager: resource.ManagedByValue})
		if apierrors.IsAlreadyExists(err) {
			// Lost the create race; surface as a conflict so the caller
			// re-observes and retries as an update.
			return nil, resource.NewError(d.Key, fmt.Errorf("%w: %v", resource.ErrApplyConflict, err))
		}
	} else {
		obj.SetResourceVersion(resourceVersion)
		applied, err = ri.Update(ctx, obj, metav1.UpdateOptions{FieldManager: resource.ManagedByValue})
	}
	if err != nil {
		return nil, resource.NewError(d.Key, classifyApplyError(err))
	}
	live := toLive(applied)
	return &live, nil
}

func (c *Client) Delete(ctx context.Context, gvk schema.GroupVersionKind, key resource.Key, resourceVersion string) error {
	opts := metav1.DeleteOptions{}
	if resourceVersion != "" {
		opts.Preconditions = &metav1.Preconditions{ResourceVersion: &resourceVersion}
	}
	err := c.resourceFor(gvk, key.Namespace).Delete(ctx, key.Name, opts)
	if err == nil || apierrors.IsNotFound(err) {
		return nil
	}
	if apierrors.IsConflict(err) {
		return resource.NewError(key, fmt.Errorf("%w: %v", resource.ErrApplyConflict, err))
	}
	return resource.NewError(key, fmt.Errorf("%w: %v", resource.ErrApplyRejected, err))
}

// classifyApplyError sorts an API failure into the retryable-conflict or
// final-rejection bucket.
func classifyApplyError(err error) error {
	switch {
	case apierrors.IsConflict(err):
		return fmt.Errorf("%w: %v", resource.ErrApplyConflict, err)
	case apierrors.IsServerTimeout(err), apierrors.IsTimeout(err),
		apierrors.IsTooManyRequests(err), apierrors.IsServiceUnavailable(err):
		// Transient server-side trouble; worth another attempt.
		return fmt.Errorf("%w: %v", resource.ErrApplyConflict, err)
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err),
		apierrors.IsRequestEntityTooLargeError(err), apierrors.IsMethodNotSupported(err):
		return fmt.Errorf("%w: %v", resource.ErrApplyRejected, err)
	case apierrors.IsNotFound(err):
		// Update target vanished between observe and apply.
		return fmt.Errorf("%w: %v", resource.ErrApplyConflict, err)
	default:
		log.Debug().Err(err).Msg("unclassified apply error treated as rejection")
		return fmt.Errorf("%w: %v", resource.ErrApplyRejected, err)
	}
}
