package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/windlass-gitops/windlass/internal/app"
	"github.com/windlass-gitops/windlass/internal/cluster"
	"github.com/windlass-gitops/windlass/internal/graph"
	"github.com/windlass-gitops/windlass/internal/history"
	"github.com/windlass-gitops/windlass/internal/source"
	"github.com/windlass-gitops/windlass/internal/syncer"
	"github.com/windlass-gitops/windlass/internal/webhook"
)

// Reason says why a reconcile cycle runs. It decides whether the executor
// may be invoked: automated applications without self-heal only act on
// source changes, manual applications only on explicit confirmation.
type Reason int

const (
	ReasonInterval Reason = iota
	ReasonDrift
	ReasonRevision
	ReasonManual
)

func (r Reason) String() string {
	switch r {
	case ReasonInterval:
		return "interval"
	case ReasonDrift:
		return "drift"
	case ReasonRevision:
		return "revision"
	case ReasonManual:
		return "manual"
	default:
		return "unknown"
	}
}

// Scheduler drives one reconcile loop per application. Loops share the
// loader, cluster client, registry and history store; nothing else.
type Scheduler struct {
	Loader      *source.Loader
	Client      cluster.Interface
	Registry    *graph.Registry
	Store       history.Store
	Executor    *syncer.Executor
	Interval    time.Duration
	IgnorePaths []string
	// TrackRef, when set, registers an application's source with the
	// revision poller.
	TrackRef func(repoURL, ref string)

	mu    sync.Mutex
	loops map[string]*loop
	wg    sync.WaitGroup
	ctx   context.Context
}

func New(loader *source.Loader, client cluster.Interface, registry *graph.Registry, store history.Store, interval time.Duration) *Scheduler {
	return &Scheduler{
		Loader:   loader,
		Client:   client,
		Registry: registry,
		Store:    store,
		Executor: syncer.New(client),
		Interval: interval,
		loops:    make(map[string]*loop),
	}
}

// Run starts loops for every registered application and blocks until ctx is
// cancelled and all loops have drained.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	for _, snap := range s.Registry.List() {
		s.ensureLoop(snap.Name)
	}
	<-ctx.Done()
	s.wg.Wait()
	log.Info().Msg("scheduler stopped")
}

// AddRoot registers a top-level application and starts its loop once the
// scheduler is running.
func (s *Scheduler) AddRoot(a *app.Application) error {
	if _, err := s.Registry.Register(a, ""); err != nil {
		return err
	}
	if s.TrackRef != nil {
		s.TrackRef(a.Spec.Source.RepoURL, a.Spec.Source.TargetRevision)
	}
	s.mu.Lock()
	running := s.ctx != nil
	s.mu.Unlock()
	if running {
		s.ensureLoop(a.ObjectMeta.Name)
	}
	return nil
}

// ensureLoop starts a reconcile loop for the named application if one isn't
// running already.
func (s *Scheduler) ensureLoop(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.loops[name]; exists {
		return
	}
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	l := newLoop(s, name)
	s.loops[name] = l
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		l.run(s.ctx)
		s.mu.Lock()
		delete(s.loops, name)
		s.mu.Unlock()
	}()
}

func (s *Scheduler) loopFor(name string) *loop {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loops[name]
}

// stopLoop halts an application's loop (used after teardown of a removed
// child application).
func (s *Scheduler) stopLoop(name string) {
	s.mu.Lock()
	l := s.loops[name]
	s.mu.Unlock()
	if l != nil {
		l.stop()
	}
}

// TriggerManual queues a manual reconcile; for manual-policy applications
// this is also the confirmation that executes the last computed plan.
func (s *Scheduler) TriggerManual(name string) bool {
	s.mu.Lock()
	l := s.loops[name]
	s.mu.Unlock()
	if l == nil {
		return false
	}
	l.fire(ReasonManual)
	return true
}

// NotifyRevisionChange fans a source revision change out to every
// application watching that repository and ref.
func (s *Scheduler) NotifyRevisionChange(change webhook.RevisionChange) {
	if change.Ignore {
		return
	}
	matched := 0
	for _, snap := range s.Registry.List() {
		src := snap.App.Spec.Source
		if !sameRepo(src.RepoURL, change.RepoURL) {
			continue
		}
		target := src.TargetRevision
		if target != "" && target != "HEAD" && target != change.Ref {
			continue
		}
		s.mu.Lock()
		l := s.loops[snap.Name]
		s.mu.Unlock()
		if l != nil {
			l.fire(ReasonRevision)
			matched++
		}
	}
	log.Info().Str("repo", change.RepoURL).Str("ref", change.Ref).
		Str("revision", change.Revision).Int("applications", matched).
		Msg("revision change dispatched")
}

// PendingPlan returns the rendered plan awaiting confirmation for a
// manual-policy application, if any.
func (s *Scheduler) PendingPlan(name string) (*Plan, bool) {
	s.mu.Lock()
	l := s.loops[name]
	s.mu.Unlock()
	if l == nil {
		return nil, false
	}
	return l.pendingPlan()
}

// RunOnce reconciles every known application a single time, expanding
// app-of-apps children as they appear. Used by the --once mode.
func (s *Scheduler) RunOnce(ctx context.Context) {
	done := make(map[string]bool)
	for {
		progressed := false
		for _, snap := range s.Registry.List() {
			if done[snap.Name] {
				continue
			}
			done[snap.Name] = true
			progressed = true
			l := newLoop(s, snap.Name)
			l.reconcile(ctx, ReasonRevision)
		}
		if !progressed {
			return
		}
	}
}

// sameRepo compares repository URLs ignoring scheme, trailing slashes and a
// .git suffix, so ssh and https forms of the same repo match.
func sameRepo(a, b string) bool {
	return canonicalRepo(a) == canonicalRepo(b)
}

func canonicalRepo(u string) string {
	u = strings.TrimSuffix(strings.TrimRight(strings.TrimSpace(u), "/"), ".git")
	for _, prefix := range []string{"https://", "http://", "ssh://", "git@"} {
		u = strings.TrimPrefix(u, prefix)
	}
	return strings.ToLower(strings.Replace(u, ":", "/", 1))
}
