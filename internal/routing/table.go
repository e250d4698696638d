// Package routing couples the path store and the membership filter behind a
// single reader/writer lock so that readers never observe one updated
// without the other.
package routing

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/linkedge/linkedge/internal/membership"
	"github.com/linkedge/linkedge/internal/pathstore"
	"github.com/linkedge/linkedge/internal/rule"
)

// Result classifies a lookup.
type Result int

const (
	// Hit means the store returned a rule.
	Hit Result = iota
	// Rejected means the filter ruled the path out.
	Rejected
	// FalsePositive means the filter admitted a path the store does not hold.
	FalsePositive
)

func (r Result) String() string {
	switch r {
	case Hit:
		return "hit"
	case Rejected:
		return "rejected"
	case FalsePositive:
		return "false_positive"
	}
	return "unknown"
}

// maxGrowSteps bounds filter doubling when a rebuild keeps failing.
const maxGrowSteps = 8

// Table is the concurrent read path over rules.
type Table struct {
	mu     sync.RWMutex
	store  *pathstore.Store
	filter *membership.Filter

	// bypass disables the fast reject after a failed rebuild so a partially
	// populated filter can never hide a stored rule.
	bypass bool

	rebuilds atomic.Int64
	logger   *slog.Logger
}

// Stats is a point-in-time view of the table.
type Stats struct {
	Rules          int
	FilterCount    int
	FilterCapacity int
	Rebuilds       int64
}

// New creates a table whose filter starts at filterCapacity.
func New(filterCapacity int, logger *slog.Logger) *Table {
	return &Table{
		store:  pathstore.New(),
		filter: membership.New(filterCapacity),
		logger: logger.With("component", "routing"),
	}
}

// Lookup runs the fast reject and the authoritative lookup under one read
// lock.
func (t *Table) Lookup(path string) (*rule.Rule, Result) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.bypass && !t.filter.Has(path) {
		return nil, Rejected
	}
	r, ok := t.store.Find(path)
	if !ok {
		return nil, FalsePositive
	}
	return r, Hit
}

// Upsert publishes r at r.Path. The filter only gains a fingerprint when the
// path is new, keeping store and filter counts aligned.
func (t *Table) Upsert(r *rule.Rule) (replaced bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	replaced = t.store.Insert(r.Path, r)
	if replaced {
		return true
	}
	if !t.filter.Add(r.Path) {
		t.growLocked()
	}
	return false
}

// Remove deletes the rule at path and returns it.
func (t *Table) Remove(path string) (*rule.Rule, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(path)
}

// RemoveBatch deletes every listed path and returns how many were present.
func (t *Table) RemoveBatch(paths []string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, p := range paths {
		if _, ok := t.removeLocked(p); ok {
			n++
		}
	}
	return n
}

func (t *Table) removeLocked(path string) (*rule.Rule, bool) {
	r, ok := t.store.Delete(path)
	if ok {
		t.filter.Remove(path)
	}
	return r, ok
}

// Paths returns every stored path.
func (t *Table) Paths() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pathsLocked()
}

func (t *Table) pathsLocked() []string {
	out := make([]string, 0, t.store.Len())
	t.store.Walk(func(path string, _ *rule.Rule) bool {
		out = append(out, path)
		return true
	})
	return out
}

// Len returns the number of rules.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.store.Len()
}

// Stats returns current counters.
func (t *Table) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Stats{
		Rules:          t.store.Len(),
		FilterCount:    t.filter.Count(),
		FilterCapacity: t.filter.Capacity(),
		Rebuilds:       t.rebuilds.Load(),
	}
}

// growLocked doubles the filter capacity and re-adds every stored path. The
// store is authoritative, so this also repairs any drift.
func (t *Table) growLocked() {
	paths := t.pathsLocked()
	capacity := t.filter.Capacity()
	for range maxGrowSteps {
		capacity *= 2
		if t.filter.Rebuild(capacity, paths) {
			t.rebuilds.Add(1)
			t.bypass = false
			t.logger.Info("membership filter rebuilt",
				"capacity", capacity, "paths", len(paths))
			return
		}
	}
	t.bypass = true
	t.logger.Error("membership filter rebuild failed, fast reject disabled",
		"capacity", capacity, "paths", len(paths))
}
