package diff

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/windlass-gitops/windlass/internal/resource"
)

type OpType string

const (
	OpCreate OpType = "Create"
	OpUpdate OpType = "Update"
	OpDelete OpType = "Delete"
	OpNoop   OpType = "Noop"
)

// Op is one planned operation against the target runtime.
type Op struct {
	Type    OpType
	Key     resource.Key
	Desired *resource.Desired
	Live    *resource.Live
	Reason  string
	// WouldPrune marks a live-only resource that pruning is not allowed to
	// touch under the current policy.
	WouldPrune bool
	// Err carries a planning-time failure (e.g. ownership conflict) for
	// this resource; the executor reports it without touching the cluster.
	Err error
}

// OwnershipPolicy decides what happens when an application's desired
// resource already exists live under another application's ownership.
type OwnershipPolicy string

const (
	// FirstWriterWins leaves the resource with its current owner and fails
	// the later application's operation.
	FirstWriterWins OwnershipPolicy = "FirstWriterWins"
)

// Options tune one plan computation.
type Options struct {
	App       string
	Prune     bool
	Ownership OwnershipPolicy
	// IgnorePaths are dotted field paths excluded from comparison, for
	// fields intentionally left to other controllers (e.g. "spec.replicas"
	// under an autoscaler).
	IgnorePaths []string
}

// Plan compares a desired snapshot against a live snapshot and produces the
// ordered operation list. Comparison is semantic: only fields the source
// tree declares are considered managed, so runtime-defaulted or
// runtime-assigned fields never count as drift.
func Plan(desired []resource.Desired, live []resource.Live, opts Options) []Op {
	if opts.Ownership == "" {
		opts.Ownership = FirstWriterWins
	}
	liveByKey := make(map[resource.Key]*resource.Live, len(live))
	for i := range live {
		liveByKey[live[i].Key] = &live[i]
	}

	var ops []Op
	desiredKeys := make(map[resource.Key]bool, len(desired))
	for i := range desired {
		d := &desired[i]
		desiredKeys[d.Key] = true
		l, exists := liveByKey[d.Key]
		switch {
		case !exists:
			ops = append(ops, Op{Type: OpCreate, Key: d.Key, Desired: d, Reason: "not present live"})
		case !l.OwnedBy(opts.App):
			ops = append(ops, Op{
				Type: OpNoop, Key: d.Key, Desired: d, Live: l,
				Reason: fmt.Sprintf("live object is owned by %q", l.Object.GetLabels()[resource.AppLabel]),
				Err:    resource.NewError(d.Key, resource.ErrOwnershipConflict),
			})
		default:
			changed := changedPaths(d.Object.Object, l.Object.Object, opts.IgnorePaths)
			if len(changed) == 0 {
				ops = append(ops, Op{Type: OpNoop, Key: d.Key, Desired: d, Live: l, Reason: "in sync"})
			} else {
				ops = append(ops, Op{
					Type: OpUpdate, Key: d.Key, Desired: d, Live: l,
					Reason: "drift in " + summarizePaths(changed),
				})
			}
		}
	}

	// Live objects with no desired counterpart: prune candidates. Sorted for
	// a deterministic plan.
	var orphanKeys []resource.Key
	for key := range liveByKey {
		if !desiredKeys[key] {
			orphanKeys = append(orphanKeys, key)
		}
	}
	sort.Slice(orphanKeys, func(i, j int) bool {
		return orphanKeys[i].String() < orphanKeys[j].String()
	})
	for _, key := range orphanKeys {
		l := liveByKey[key]
		if !l.OwnedBy(opts.App) {
			// Never prune across application boundaries, whatever the
			// selector returned.
			log.Warn().Str("app", opts.App).Stringer("resource", key).
				Msg("live object without matching ownership labels ignored by prune")
			continue
		}
		if opts.Prune {
			ops = append(ops, Op{Type: OpDelete, Key: key, Live: l, Reason: "no longer in desired state"})
		} else {
			ops = append(ops, Op{
				Type: OpNoop, Key: key, Live: l,
				Reason:     "no longer in desired state, prune disabled",
				WouldPrune: true,
			})
		}
	}
	return ops
}

// HasChanges reports whether the plan contains any mutating operation.
func HasChanges(ops []Op) bool {
	for _, op := range ops {
		if op.Type != OpNoop {
			return true
		}
	}
	return false
}

func summarizePaths(paths []string) string {
	const maxShown = 5
	if len(paths) > maxShown {
		return fmt.Sprintf("%s and %d more", strings.Join(paths[:maxShown], ", "), len(paths)-maxShown)
	}
	return strings.Join(paths, ", ")
}
