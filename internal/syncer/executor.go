package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/windlass-gitops/windlass/internal/cluster"
	"github.com/windlass-gitops/windlass/internal/diff"
	"github.com/windlass-gitops/windlass/internal/resource"
)

// DependsOnAnnotation names prerequisites an operation waits on, as a
// comma-separated list of Kind/name entries. A failed prerequisite skips
// the dependent instead of applying it into a broken context.
const DependsOnAnnotation = "windlass.io/depends-on"

// Executor applies a plan tier by tier: operations inside a tier run
// concurrently, tiers are barriers.
type Executor struct {
	Client  cluster.Interface
	Backoff wait.Backoff
}

func New(client cluster.Interface) *Executor {
	return &Executor{
		Client: client,
		Backoff: wait.Backoff{
			Duration: 200 * time.Millisecond,
			Factor:   2,
			Jitter:   0.1,
			Steps:    4,
		},
	}
}

// Execute runs the plan and returns one SyncResult per operation. A
// cancelled context lets in-flight operations finish but starts no further
// tier. Failures are isolated per resource; only dependents of a failed
// resource get skipped.
func (e *Executor) Execute(ctx context.Context, appName string, ops []diff.Op) []resource.SyncResult {
	results := make([]resource.SyncResult, 0, len(ops))
	failed := newFailureSet()
	// Cancellation gates tier progression only: an operation already
	// dispatched runs to completion on a detached context.
	opCtx := context.WithoutCancel(ctx)

	for _, tier := range tiers(ops) {
		if ctx.Err() != nil {
			for _, op := range tier {
				results = append(results, skipped(op, appName, "sync cancelled"))
			}
			continue
		}

		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, op := range tier {
			if reason, dep := failed.blocks(op); dep {
				mu.Lock()
				results = append(results, resource.SyncResult{
					Key: op.Key, App: appName, Outcome: resource.OutcomeFailed,
					Message:   fmt.Sprintf("%v: %s", resource.ErrDependencyFailed, reason),
					Timestamp: time.Now(),
				})
				mu.Unlock()
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				res := e.runOp(opCtx, appName, op)
				mu.Lock()
				defer mu.Unlock()
				results = append(results, res)
				if res.Outcome == resource.OutcomeFailed {
					failed.add(op.Key)
				}
			}()
		}
		wg.Wait()
	}
	return results
}

func skipped(op diff.Op, appName, msg string) resource.SyncResult {
	return resource.SyncResult{
		Key: op.Key, App: appName, Outcome: resource.OutcomeSkipped,
		Message: msg, Timestamp: time.Now(),
	}
}

// runOp executes a single operation with bounded retries for transient
// failures. Conflicts re-observe the live object before the next attempt.
func (e *Executor) runOp(ctx context.Context, appName string, op diff.Op) resource.SyncResult {
	if op.Err != nil {
		return resource.Failed(op.Key, appName, op.Err)
	}
	if op.Type == diff.OpNoop {
		return resource.SyncResult{
			Key: op.Key, App: appName, Outcome: resource.OutcomeUnchanged,
			Message: op.Reason, Timestamp: time.Now(),
		}
	}

	var lastErr error
	backoff := e.Backoff
	for attempt := 0; attempt < backoff.Steps; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return skipped(op, appName, "sync cancelled")
			case <-time.After(backoff.Step()):
			}
			if errors.Is(lastErr, resource.ErrApplyConflict) {
				if err := e.refresh(ctx, &op); err != nil {
					lastErr = err
					continue
				}
			}
		}

		outcome, err := e.attempt(ctx, op)
		if err == nil {
			log.Debug().Str("app", appName).Stringer("resource", op.Key).
				Str("outcome", string(outcome)).Msg("operation applied")
			return resource.SyncResult{
				Key: op.Key, App: appName, Outcome: outcome, Timestamp: time.Now(),
			}
		}
		lastErr = err
		if !resource.Retryable(err) {
			break
		}
		log.Warn().Err(err).Str("app", appName).Stringer("resource", op.Key).
			Int("attempt", attempt+1).Msg("transient failure, retrying")
	}
	return resource.Failed(op.Key, appName, lastErr)
}

func (e *Executor) attempt(ctx context.Context, op diff.Op) (resource.Outcome, error) {
	switch op.Type {
	case diff.OpCreate:
		if _, err := e.Client.Apply(ctx, op.Desired, ""); err != nil {
			return resource.OutcomeFailed, err
		}
		return resource.OutcomeCreated, nil
	case diff.OpUpdate:
		if _, err := e.Client.Apply(ctx, op.Desired, op.Live.ResourceVersion); err != nil {
			return resource.OutcomeFailed, err
		}
		return resource.OutcomeUpdated, nil
	case diff.OpDelete:
		gvk := op.Live.Object.GroupVersionKind()
		if err := e.Client.Delete(ctx, gvk, op.Key, op.Live.ResourceVersion); err != nil {
			return resource.OutcomeFailed, err
		}
		return resource.OutcomeDeleted, nil
	default:
		return resource.OutcomeFailed, fmt.Errorf("unknown operation type %q", op.Type)
	}
}

// refresh re-observes the live object after a conflict so the next attempt
// carries the current resource version. A create that lost its race becomes
// an update.
func (e *Executor) refresh(ctx context.Context, op *diff.Op) error {
	if op.Desired == nil {
		return nil
	}
	live, err := e.Client.Get(ctx, op.Desired.GVK(), op.Key)
	if err != nil {
		return err
	}
	if live == nil {
		op.Type = diff.OpCreate
		op.Live = nil
		return nil
	}
	op.Type = diff.OpUpdate
	op.Live = live
	return nil
}

// failureSet tracks failed resources and answers whether a later operation
// depends on one of them.
type failureSet struct {
	mu         sync.Mutex
	keys       map[resource.Key]bool
	namespaces map[string]bool
}

func newFailureSet() *failureSet {
	return &failureSet{
		keys:       make(map[resource.Key]bool),
		namespaces: make(map[string]bool),
	}
}

func (f *failureSet) add(key resource.Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[key] = true
	if key.Kind == "Namespace" {
		f.namespaces[key.Name] = true
	}
}

// blocks reports whether op depends on a failed resource: either it lives
// in a namespace whose creation failed, or it names a failed prerequisite
// in its depends-on annotation.
func (f *failureSet) blocks(op diff.Op) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if op.Key.Namespace != "" && f.namespaces[op.Key.Namespace] {
		return fmt.Sprintf("namespace %s failed", op.Key.Namespace), true
	}
	if op.Desired == nil {
		return "", false
	}
	raw, ok := op.Desired.Object.GetAnnotations()[DependsOnAnnotation]
	if !ok {
		return "", false
	}
	for _, ref := range strings.Split(raw, ",") {
		kind, name, found := strings.Cut(strings.TrimSpace(ref), "/")
		if !found {
			continue
		}
		for key := range f.keys {
			if key.Kind == kind && key.Name == name {
				return fmt.Sprintf("dependency %s failed", ref), true
			}
		}
	}
	return "", false
}
