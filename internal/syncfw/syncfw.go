// Package syncfw implements the Synchronizer Framework (spec.md §4.6): a
// registry of per-service synchronizers, a reconciliation entry point, a
// dry-run mode, and per-file error aggregation.
package syncfw

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/lakowske/net-servers/internal/watcher"
)

// FileAction is one write, or deletion, that a Plan intends to perform.
type FileAction struct {
	Path    string
	Content []byte
	Mode    os.FileMode
	Delete  bool
}

// Plan is the smallest set of filesystem writes/renames/deletes needed to
// drive the filesystem to a synchronizer's intended projection.
type Plan struct {
	Files []FileAction
}

// ReloadRequest names the container a synchronizer wants gracefully
// reloaded, and whether a full reload or a lighter table rebuild suffices
// (spec.md §4.7's alias-only vs. user-list-changed distinction).
type ReloadRequest struct {
	Container string
	Full      bool
}

// Synchronizer is a unit that projects typed config onto a set of output
// files and optionally requests a container reload (spec.md §4.6).
type Synchronizer interface {
	Name() string
	Channels() []watcher.Channel
	Plan(ctx context.Context) (Plan, error)
	Apply(ctx context.Context, plan Plan) ([]ReloadRequest, error)
}

// Prioritized synchronizers run in ascending priority order, as a barrier
// between groups: spec.md §4.6 requires certificates to apply before
// anything that references them. Synchronizers that don't implement this
// interface default to priority 0.
type Prioritized interface {
	Priority() int
}

// FileError is one file-level failure inside an otherwise successful
// reconcile, per spec.md §7's "aggregate per-file errors" propagation
// policy for synchronizers.
type FileError struct {
	Synchronizer string
	Path         string
	Err          error
}

func (e FileError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Synchronizer, e.Path, e.Err)
}

// ReconcileError aggregates every FileError observed across one
// reconcile, rather than failing fast on the first one.
type ReconcileError struct {
	Errors []FileError
}

func (e *ReconcileError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d synchronizer errors, first: %s", len(e.Errors), e.Errors[0].Error())
}

func (e *ReconcileError) HasErrors() bool { return e != nil && len(e.Errors) > 0 }

func (e *ReconcileError) add(name, path string, err error) {
	e.Errors = append(e.Errors, FileError{Synchronizer: name, Path: path, Err: err})
}

// Reloader is implemented by anything that can carry out a
// ReloadRequest — the Reload Coordinator (C13) in production, a recording
// fake in tests.
type Reloader interface {
	RequestReload(ctx context.Context, container string, full bool) error
}

// Registry holds every registered synchronizer, keyed by name.
type Registry struct {
	logger  *zap.Logger
	reloads Reloader

	mu   sync.RWMutex
	syns map[string]Synchronizer
}

// New creates an empty Registry. reloader may be nil, in which case
// ReloadRequests are logged but not delivered — useful for dry runs and
// tests that only care about file output.
func New(reloader Reloader, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger, reloads: reloader, syns: make(map[string]Synchronizer)}
}

// Register adds a synchronizer under its own Name(). Registering a second
// synchronizer under the same name replaces the first.
func (r *Registry) Register(s Synchronizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syns[s.Name()] = s
}

// ForChannel returns every registered synchronizer subscribed to ch.
func (r *Registry) ForChannel(ch watcher.Channel) []Synchronizer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Synchronizer
	for _, s := range r.syns {
		for _, c := range s.Channels() {
			if c == ch {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

func priorityOf(s Synchronizer) int {
	if p, ok := s.(Prioritized); ok {
		return p.Priority()
	}
	return 0
}

// Reconcile runs Plan then Apply for every given synchronizer, grouped and
// barriered by ascending Priority() so that, per spec.md §4.6, certificate
// issuance completes before any synchronizer that depends on it starts.
// Within one priority group, synchronizers run concurrently. File-level
// failures are aggregated rather than aborting the whole reconcile.
func (r *Registry) Reconcile(ctx context.Context, syns []Synchronizer, dryRun bool) (*ReconcileError, error) {
	groups := make(map[int][]Synchronizer)
	for _, s := range syns {
		groups[priorityOf(s)] = append(groups[priorityOf(s)], s)
	}
	priorities := make([]int, 0, len(groups))
	for p := range groups {
		priorities = append(priorities, p)
	}
	sort.Ints(priorities)

	agg := &ReconcileError{}
	for _, p := range priorities {
		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, s := range groups[p] {
			wg.Add(1)
			go func(s Synchronizer) {
				defer wg.Done()
				r.reconcileOne(ctx, s, dryRun, agg, &mu)
			}(s)
		}
		wg.Wait()
	}

	if agg.HasErrors() {
		return agg, nil
	}
	return nil, nil
}

// ReconcileAll runs Reconcile over every registered synchronizer.
func (r *Registry) ReconcileAll(ctx context.Context, dryRun bool) (*ReconcileError, error) {
	r.mu.RLock()
	all := make([]Synchronizer, 0, len(r.syns))
	for _, s := range r.syns {
		all = append(all, s)
	}
	r.mu.RUnlock()
	return r.Reconcile(ctx, all, dryRun)
}

func (r *Registry) reconcileOne(ctx context.Context, s Synchronizer, dryRun bool, agg *ReconcileError, mu *sync.Mutex) {
	plan, err := s.Plan(ctx)
	if err != nil {
		mu.Lock()
		agg.add(s.Name(), "$plan", err)
		mu.Unlock()
		return
	}
	if dryRun {
		return
	}

	reloads, err := s.Apply(ctx, plan)
	if err != nil {
		mu.Lock()
		agg.add(s.Name(), "$apply", err)
		mu.Unlock()
		return
	}

	for _, req := range reloads {
		if r.reloads == nil {
			r.logger.Info("reload requested but no coordinator attached", zap.String("container", req.Container), zap.Bool("full", req.Full))
			continue
		}
		if err := r.reloads.RequestReload(ctx, req.Container, req.Full); err != nil {
			mu.Lock()
			agg.add(s.Name(), "$reload:"+req.Container, err)
			mu.Unlock()
		}
	}
}

// DryRun computes and returns every registered synchronizer's Plan without
// applying it or requesting any reload — spec.md §4.6's dry_run mode.
func (r *Registry) DryRun(ctx context.Context) (map[string]Plan, *ReconcileError) {
	r.mu.RLock()
	all := make([]Synchronizer, 0, len(r.syns))
	for _, s := range r.syns {
		all = append(all, s)
	}
	r.mu.RUnlock()

	out := make(map[string]Plan, len(all))
	agg := &ReconcileError{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s Synchronizer) {
			defer wg.Done()
			plan, err := s.Plan(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				agg.add(s.Name(), "$plan", err)
				return
			}
			out[s.Name()] = plan
		}(s)
	}
	wg.Wait()
	if agg.HasErrors() {
		return out, agg
	}
	return out, nil
}
