package graph

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/windlass-gitops/windlass/internal/app"
	"github.com/windlass-gitops/windlass/internal/resource"
)

// Registry is the application forest: every Application known to the
// controller, with its parent edge from app-of-apps expansion. All methods
// are safe for concurrent use; reconcile loops for distinct applications
// share nothing else.
type Registry struct {
	mu   sync.RWMutex
	apps map[string]*node
}

type node struct {
	app      *app.Application
	parent   string
	children map[string]bool
	phase    app.Phase
	message  string
	revision string
	lastSync time.Time
}

// Snapshot is a read-only view of one application for the operator surface.
type Snapshot struct {
	App      *app.Application `json:"-"`
	Name     string           `json:"name"`
	Parent   string           `json:"parent,omitempty"`
	Children []string         `json:"children,omitempty"`
	Phase    app.Phase        `json:"phase"`
	// Aggregated is the worst phase in this application's subtree.
	Aggregated app.Phase `json:"aggregatedPhase"`
	Message    string    `json:"message,omitempty"`
	Revision   string    `json:"revision,omitempty"`
	LastSync   time.Time `json:"lastSync,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{apps: make(map[string]*node)}
}

// Register adds an application under the given parent ("" for roots).
// Returns true when the application is new. A child that would close a
// cycle is rejected with CyclicApplicationGraph; a child already owned by a
// different parent is rejected with OwnershipConflict (first writer wins).
// Either failure affects that branch only.
func (r *Registry) Register(a *app.Application, parent string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.ObjectMeta.Name

	if parent != "" {
		if name == parent || r.isAncestor(name, parent) {
			return false, fmt.Errorf("%w: %s declares %s which is its ancestor", resource.ErrCyclicAppGraph, parent, name)
		}
	}
	if existing, ok := r.apps[name]; ok {
		if existing.parent != parent {
			return false, fmt.Errorf("%w: application %s already registered under %q", resource.ErrOwnershipConflict, name, existing.parent)
		}
		// Spec change resets the lifecycle.
		if !specEqual(existing.app, a) {
			existing.app = a
			existing.phase = app.PhasePending
			existing.message = "spec changed"
		}
		return false, nil
	}
	r.apps[name] = &node{
		app:      a,
		parent:   parent,
		children: make(map[string]bool),
		phase:    app.PhasePending,
	}
	if parent != "" {
		if p, ok := r.apps[parent]; ok {
			p.children[name] = true
		}
	}
	log.Info().Str("app", name).Str("parent", parent).Msg("application registered")
	return true, nil
}

// isAncestor reports whether candidate appears on the parent chain above of.
func (r *Registry) isAncestor(candidate, of string) bool {
	seen := make(map[string]bool)
	for cur := of; cur != "" && !seen[cur]; {
		seen[cur] = true
		n, ok := r.apps[cur]
		if !ok {
			return false
		}
		if n.parent == candidate {
			return true
		}
		cur = n.parent
	}
	return false
}

func specEqual(a, b *app.Application) bool {
	return reflect.DeepEqual(a.Spec, b.Spec)
}

// SetChildren reconciles a parent's child set after expansion and returns
// the children that disappeared from the source. The caller tears those
// down (final prune cycle) before calling Remove.
func (r *Registry) SetChildren(parent string, current []string) (removed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.apps[parent]
	if !ok {
		return nil
	}
	currentSet := make(map[string]bool, len(current))
	for _, c := range current {
		currentSet[c] = true
	}
	for c := range p.children {
		if !currentSet[c] {
			removed = append(removed, c)
			delete(p.children, c)
		}
	}
	sort.Strings(removed)
	return removed
}

// Remove deletes an application from the forest. Its own children are left
// registered; their teardown is driven by their parents' next cycles.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.apps[name]
	if !ok {
		return
	}
	if p, ok := r.apps[n.parent]; ok {
		delete(p.children, name)
	}
	delete(r.apps, name)
	log.Info().Str("app", name).Msg("application removed")
}

// Get returns the application manifest, or nil when unknown.
func (r *Registry) Get(name string) *app.Application {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n, ok := r.apps[name]; ok {
		return n.app
	}
	return nil
}

// SetPhase records an application's lifecycle state.
func (r *Registry) SetPhase(name string, phase app.Phase, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.apps[name]
	if !ok {
		return
	}
	n.phase = phase
	n.message = message
	if phase == app.PhaseSynced || phase == app.PhaseDegraded {
		n.lastSync = time.Now()
	}
}

// SetRevision records the source revision last reconciled.
func (r *Registry) SetRevision(name, revision string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.apps[name]; ok {
		n.revision = revision
	}
}

// Phase returns an application's own (non-aggregated) phase.
func (r *Registry) Phase(name string) app.Phase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n, ok := r.apps[name]; ok {
		return n.phase
	}
	return ""
}

// List returns snapshots of every application, sorted by name, each with
// its worst-of-subtree aggregated phase.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.apps))
	for name := range r.apps {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		out = append(out, r.snapshot(name))
	}
	return out
}

// Status returns one application's snapshot.
func (r *Registry) Status(name string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.apps[name]; !ok {
		return Snapshot{}, false
	}
	return r.snapshot(name), true
}

func (r *Registry) snapshot(name string) Snapshot {
	n := r.apps[name]
	children := make([]string, 0, len(n.children))
	for c := range n.children {
		children = append(children, c)
	}
	sort.Strings(children)
	return Snapshot{
		App:        n.app,
		Name:       name,
		Parent:     n.parent,
		Children:   children,
		Phase:      n.phase,
		Aggregated: r.subtreePhase(name, make(map[string]bool)),
		Message:    n.message,
		Revision:   n.revision,
		LastSync:   n.lastSync,
	}
}

// subtreePhase aggregates the worst phase of an application and everything
// below it, so a degraded leaf surfaces at the root.
func (r *Registry) subtreePhase(name string, visiting map[string]bool) app.Phase {
	if visiting[name] {
		return app.PhaseDegraded
	}
	visiting[name] = true
	n, ok := r.apps[name]
	if !ok {
		return app.PhaseSynced
	}
	worst := n.phase
	for c := range n.children {
		worst = app.WorstPhase(worst, r.subtreePhase(c, visiting))
	}
	return worst
}
