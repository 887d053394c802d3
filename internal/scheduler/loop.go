package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/windlass-gitops/windlass/internal/app"
	"github.com/windlass-gitops/windlass/internal/cluster"
	"github.com/windlass-gitops/windlass/internal/diff"
	"github.com/windlass-gitops/windlass/internal/resource"
	"github.com/windlass-gitops/windlass/internal/source"
)

// Plan is a computed-but-not-executed diff, held for manual confirmation
// and shown on the operator surface.
type Plan struct {
	ComputedAt time.Time  `json:"computedAt"`
	Revision   string     `json:"revision,omitempty"`
	Items      []PlanItem `json:"items"`
}

type PlanItem struct {
	Resource resource.Key `json:"resource"`
	Action   diff.OpType  `json:"action"`
	Reason   string       `json:"reason,omitempty"`
	Diff     string       `json:"diff,omitempty"`
}

// loop reconciles one application. All cycles for the application run on
// this goroutine; external triggers only set a pending reason, so two syncs
// can never be in flight at once and queued triggers coalesce into the
// single latest one.
type loop struct {
	s    *Scheduler
	name string

	notify chan struct{}

	mu         sync.Mutex
	reason     Reason
	hasReason  bool
	syncCancel context.CancelFunc
	pending    *Plan
	everSynced bool
	stopFn     context.CancelFunc
}

func newLoop(s *Scheduler, name string) *loop {
	return &loop{
		s:      s,
		name:   name,
		notify: make(chan struct{}, 1),
	}
}

// fire queues a trigger; overlapping triggers merge, keeping the strongest
// reason.
func (l *loop) fire(reason Reason) {
	l.mu.Lock()
	if !l.hasReason || reason > l.reason {
		l.reason = reason
		l.hasReason = true
	}
	// A spec or revision change invalidates a sync already in flight.
	if reason >= ReasonRevision && l.syncCancel != nil {
		l.syncCancel()
	}
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *loop) takeReason(fallback Reason) Reason {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hasReason {
		l.hasReason = false
		if l.reason > fallback {
			return l.reason
		}
	}
	return fallback
}

func (l *loop) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopFn != nil {
		l.stopFn()
	}
}

func (l *loop) pendingPlan() (*Plan, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == nil {
		return nil, false
	}
	return l.pending, true
}

func (l *loop) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.mu.Lock()
	l.stopFn = cancel
	l.mu.Unlock()

	log.Info().Str("app", l.name).Msg("reconcile loop started")
	ticker := time.NewTicker(l.s.Interval)
	defer ticker.Stop()

	// First cycle syncs unconditionally to bootstrap the application.
	l.reconcile(ctx, ReasonRevision)
	sub := l.subscribe(ctx)

	for {
		var events <-chan cluster.Event
		if sub != nil {
			events = sub.Events()
		}
		select {
		case <-ctx.Done():
			if sub != nil {
				sub.Stop()
			}
			log.Info().Str("app", l.name).Msg("reconcile loop stopped")
			return
		case <-ticker.C:
			l.reconcile(ctx, l.takeReason(ReasonInterval))
		case <-l.notify:
			l.reconcile(ctx, l.takeReason(ReasonInterval))
		case ev, ok := <-events:
			if !ok {
				sub = l.subscribe(ctx)
				continue
			}
			l.onDrift(ctx, ev)
			continue
		}
		// Inventory may have grown during the cycle; resubscribe so new
		// kinds are watched too.
		if sub != nil {
			sub.Stop()
		}
		sub = l.subscribe(ctx)
	}
}

// subscribe opens a drift watch over everything the application has ever
// applied. Returns nil when there is nothing to watch yet.
func (l *loop) subscribe(ctx context.Context) *cluster.Subscription {
	if ctx.Err() != nil {
		return nil
	}
	gvks, err := l.s.Store.Inventory(l.name)
	if err != nil || len(gvks) == 0 {
		return nil
	}
	sub, err := l.s.Client.Watch(ctx, l.name, gvks)
	if err != nil {
		log.Warn().Err(err).Str("app", l.name).Msg("drift watch unavailable")
		return nil
	}
	return sub
}

// onDrift handles a live-state change notification between cycles.
func (l *loop) onDrift(ctx context.Context, ev cluster.Event) {
	a := l.s.Registry.Get(l.name)
	if a == nil {
		return
	}
	if a.SelfHeal() {
		log.Info().Str("app", l.name).Stringer("resource", ev.Live.Key).
			Str("event", string(ev.Type)).Msg("drift detected, self-heal triggered")
		l.fire(ReasonDrift)
		return
	}
	log.Info().Str("app", l.name).Stringer("resource", ev.Live.Key).
		Str("event", string(ev.Type)).Msg("drift detected, self-heal disabled")
	l.s.Registry.SetPhase(l.name, l.s.Registry.Phase(l.name), "drift detected on "+ev.Live.Key.String())
}

// reconcile runs one full cycle: load and observe concurrently, expand
// children, plan, then execute when the reason and policy allow it.
func (l *loop) reconcile(ctx context.Context, reason Reason) {
	a := l.s.Registry.Get(l.name)
	if a == nil {
		return
	}
	syncCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.mu.Lock()
	l.syncCancel = cancel
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.syncCancel = nil
		l.mu.Unlock()
	}()

	loc := source.Locator{
		RepoURL:  a.Spec.Source.RepoURL,
		Revision: a.Spec.Source.TargetRevision,
		Path:     a.Spec.Source.Path,
		Recurse:  a.Spec.Source.Recurse,
	}

	// Loader and observer have no ordering dependency; the diff is the
	// join point. The observer works off the recorded inventory so it can
	// see live objects whose kind left the source tree entirely.
	var (
		wg       sync.WaitGroup
		loaded   *source.Result
		loadErr  error
		live     []resource.Live
		observed map[schema.GroupVersionKind]bool
		obsErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		loaded, loadErr = l.s.Loader.Load(loc, l.name, a.Spec.Destination.Namespace)
	}()
	go func() {
		defer wg.Done()
		gvks, err := l.s.Store.Inventory(l.name)
		if err != nil {
			obsErr = err
			return
		}
		observed = make(map[schema.GroupVersionKind]bool, len(gvks))
		for _, gvk := range gvks {
			observed[gvk] = true
		}
		live, obsErr = l.s.Client.List(syncCtx, l.name, gvks)
	}()
	wg.Wait()

	if loadErr != nil {
		l.degrade(reason, "load failed", loadErr)
		return
	}
	if obsErr != nil {
		l.degrade(reason, "observation failed", obsErr)
		return
	}

	// Kinds new to this cycle weren't in the inventory the observer used.
	var extra []schema.GroupVersionKind
	for _, d := range loaded.Resources {
		if gvk := d.Object.GroupVersionKind(); !observed[gvk] {
			observed[gvk] = true
			extra = append(extra, gvk)
		}
	}
	if len(extra) > 0 {
		more, err := l.s.Client.List(syncCtx, l.name, extra)
		if err != nil {
			l.degrade(reason, "observation failed", err)
			return
		}
		live = append(live, more...)
	}

	l.expand(syncCtx, a, loaded)

	plan := diff.Plan(loaded.Resources, live, diff.Options{
		App:         l.name,
		Prune:       a.Prune(),
		IgnorePaths: l.s.IgnorePaths,
	})

	if !l.executeAllowed(a, reason, plan) {
		return
	}

	l.s.Registry.SetPhase(l.name, app.PhaseSyncing, "")
	results := l.s.Executor.Execute(syncCtx, l.name, plan)
	if err := l.s.Store.Record(l.name, results); err != nil {
		log.Error().Err(err).Str("app", l.name).Msg("failed to record sync results")
	}
	gvks := make([]schema.GroupVersionKind, 0, len(loaded.Resources))
	for _, d := range loaded.Resources {
		gvks = append(gvks, d.Object.GroupVersionKind())
	}
	if err := l.s.Store.RecordInventory(l.name, gvks); err != nil {
		log.Error().Err(err).Str("app", l.name).Msg("failed to record inventory")
	}

	l.mu.Lock()
	l.everSynced = true
	l.pending = nil
	l.mu.Unlock()

	l.s.Registry.SetRevision(l.name, loaded.Revision)
	l.finishPhase(results)
}

// finishPhase sets Synced or Degraded from the result set; the first
// failure is the root cause and becomes the status message, dependency
// skips stay distinguishable in the stored results.
func (l *loop) finishPhase(results []resource.SyncResult) {
	for _, r := range results {
		if r.Outcome == resource.OutcomeFailed {
			l.s.Registry.SetPhase(l.name, app.PhaseDegraded, r.Key.String()+": "+r.Message)
			return
		}
	}
	l.s.Registry.SetPhase(l.name, app.PhaseSynced, "")
}

func (l *loop) degrade(reason Reason, what string, err error) {
	log.Error().Err(err).Str("app", l.name).Stringer("reason", reason).Msg(what)
	if resource.Retryable(err) {
		// Next interval retries; don't flap the phase on transient trouble.
		l.s.Registry.SetPhase(l.name, l.s.Registry.Phase(l.name), what+": "+err.Error())
		return
	}
	l.s.Registry.SetPhase(l.name, app.PhaseDegraded, what+": "+err.Error())
}

// executeAllowed gates the executor per policy and trigger reason. When
// execution is withheld the computed plan is kept for reporting and, for
// manual applications, later confirmation.
func (l *loop) executeAllowed(a *app.Application, reason Reason, plan []diff.Op) bool {
	l.mu.Lock()
	everSynced := l.everSynced
	l.mu.Unlock()

	allowed := false
	switch {
	case reason == ReasonManual:
		allowed = true
	case !a.Automated():
		allowed = false
	case a.SelfHeal(), reason == ReasonRevision, !everSynced:
		allowed = true
	}
	if allowed {
		return true
	}
	if !diff.HasChanges(plan) {
		l.s.Registry.SetPhase(l.name, app.PhaseSynced, "")
		return false
	}
	l.storePending(plan)
	if a.Automated() {
		l.s.Registry.SetPhase(l.name, l.s.Registry.Phase(l.name), "out of sync; self-heal disabled")
	} else {
		l.s.Registry.SetPhase(l.name, app.PhasePending, "out of sync; awaiting manual sync")
	}
	return false
}

func (l *loop) storePending(plan []diff.Op) {
	p := &Plan{ComputedAt: time.Now()}
	for _, op := range plan {
		if op.Type == diff.OpNoop && !op.WouldPrune {
			continue
		}
		item := PlanItem{Resource: op.Key, Action: op.Type, Reason: op.Reason, Diff: diff.Render(op)}
		if op.WouldPrune {
			item.Reason = "would prune: " + op.Reason
		}
		p.Items = append(p.Items, item)
	}
	if op := firstRevision(plan); op != nil {
		p.Revision = op.Desired.Revision
	}
	l.mu.Lock()
	l.pending = p
	l.mu.Unlock()
}

func firstRevision(plan []diff.Op) *diff.Op {
	for i := range plan {
		if plan[i].Desired != nil {
			return &plan[i]
		}
	}
	return nil
}

// expand registers child applications discovered in the source tree and
// tears down children whose manifests disappeared. A cycle or ownership
// clash halts that child branch only.
func (l *loop) expand(ctx context.Context, parent *app.Application, loaded *source.Result) {
	current := make([]string, 0, len(loaded.ChildApps))
	for _, child := range loaded.ChildApps {
		child.App.InheritPolicy(parent)
		added, err := l.s.Registry.Register(child.App, l.name)
		if err != nil {
			if errors.Is(err, resource.ErrCyclicAppGraph) {
				log.Error().Err(err).Str("app", l.name).Str("child", child.App.ObjectMeta.Name).
					Str("manifest", child.SrcPath).Msg("application graph cycle, branch halted")
				continue
			}
			log.Error().Err(err).Str("app", l.name).Str("child", child.App.ObjectMeta.Name).
				Msg("failed to register child application")
			continue
		}
		name := child.App.ObjectMeta.Name
		current = append(current, name)
		if added {
			if l.s.TrackRef != nil {
				l.s.TrackRef(child.App.Spec.Source.RepoURL, child.App.Spec.Source.TargetRevision)
			}
			l.s.ensureLoop(name)
		} else if l.s.Registry.Phase(name) == app.PhasePending {
			// Spec changed; make the child pick it up promptly.
			if cl := l.s.loopFor(name); cl != nil {
				cl.fire(ReasonRevision)
			}
		}
	}

	for _, removed := range l.s.Registry.SetChildren(l.name, current) {
		l.teardown(ctx, removed)
	}
}

// teardown runs a final prune cycle for a child application whose manifest
// left the source tree, then forgets it. Without prune enabled the child's
// resources are left in place, matching the prune invariant.
func (l *loop) teardown(ctx context.Context, name string) {
	a := l.s.Registry.Get(name)
	if a == nil {
		return
	}
	log.Info().Str("app", name).Str("parent", l.name).Msg("child application removed from source")
	l.s.stopLoop(name)
	if a.Prune() {
		gvks, err := l.s.Store.Inventory(name)
		if err == nil && len(gvks) > 0 {
			live, err := l.s.Client.List(ctx, name, gvks)
			if err != nil {
				log.Error().Err(err).Str("app", name).Msg("teardown observation failed; resources left in place")
			} else {
				plan := diff.Plan(nil, live, diff.Options{App: name, Prune: true})
				results := l.s.Executor.Execute(ctx, name, plan)
				if err := l.s.Store.Record(name, results); err != nil {
					log.Error().Err(err).Str("app", name).Msg("failed to record teardown results")
				}
			}
		}
	}
	l.s.Registry.Remove(name)
}
