// Package syncer applies rule change events to the routing table. The
// Coordinator is the only writer: stream events, snapshot resyncs and
// heap-pressure evictions are all serialized through it.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/linkedge/linkedge/internal/eviction"
	"github.com/linkedge/linkedge/internal/observability"
	"github.com/linkedge/linkedge/internal/routing"
	"github.com/linkedge/linkedge/internal/rule"
	"github.com/linkedge/linkedge/internal/stream"
)

// Coordinator owns every mutation of the routing table and keeps the
// eviction manager and the id index in step with it.
type Coordinator struct {
	table   *routing.Table
	lru     *eviction.Manager
	logger  *slog.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	byID   map[string]string // rule id -> path
	byPath map[string]string // path -> rule id
}

// New returns a coordinator writing to table and lru.
func New(table *routing.Table, lru *eviction.Manager, logger *slog.Logger, metrics *observability.Metrics) *Coordinator {
	return &Coordinator{
		table:   table,
		lru:     lru,
		logger:  logger.With("component", "syncer"),
		metrics: metrics,
		byID:    make(map[string]string),
		byPath:  make(map[string]string),
	}
}

// Run applies events until the channel is closed or ctx is done. A failing
// event is logged and counted; it never stops the loop.
func (c *Coordinator) Run(ctx context.Context, events <-chan stream.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			_ = c.Apply(ev)
		}
	}
}

// Apply decodes and applies one event.
func (c *Coordinator) Apply(ev stream.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic applying %s event: %v", ev.Type, p)
		}
		result := "applied"
		if err != nil {
			result = "failed"
			c.logger.Warn("failed to apply rule event",
				"type", ev.Type, "event_id", ev.ID, "error", err)
		}
		c.metrics.IncSyncEvent(string(ev.Type), result)
	}()

	switch ev.Type {
	case stream.EventCreate, stream.EventUpdate:
		r, err := rule.Decode(ev.Data)
		if err != nil {
			return err
		}
		if ev.Type == stream.EventCreate {
			return c.HandleCreate(r)
		}
		return c.HandleUpdate(r)
	case stream.EventDelete:
		ref, err := rule.DecodeRef(ev.Data)
		if err != nil {
			return err
		}
		c.HandleDelete(ref)
		return nil
	case stream.EventSnapshot:
		var rules []*rule.Rule
		if err := json.Unmarshal(ev.Data, &rules); err != nil {
			return fmt.Errorf("decoding snapshot: %w", err)
		}
		return c.HandleSnapshot(rules)
	}
	return fmt.Errorf("unsupported event type %q", ev.Type)
}

// HandleCreate validates r and publishes it.
func (c *Coordinator) HandleCreate(r *rule.Rule) error {
	return c.upsert(r)
}

// HandleUpdate validates r and publishes it. When the rule moved to a new
// path, the old path is removed.
func (c *Coordinator) HandleUpdate(r *rule.Rule) error {
	return c.upsert(r)
}

func (c *Coordinator) upsert(r *rule.Rule) error {
	if err := r.Prepare(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.upsertLocked(r)
	c.publishStats()
	return nil
}

func (c *Coordinator) upsertLocked(r *rule.Rule) {
	if oldPath, ok := c.byID[r.ID]; ok && oldPath != r.Path {
		c.removeLocked(oldPath)
	}
	if oldID, ok := c.byPath[r.Path]; ok && oldID != r.ID {
		delete(c.byID, oldID)
	}

	c.table.Upsert(r)
	c.lru.RecordAccess(r.Path, r)
	c.byID[r.ID] = r.Path
	c.byPath[r.Path] = r.ID
}

// HandleDelete removes the rule named by ref. The id is preferred; the path
// is used when the id is unknown. It reports whether a rule was removed.
func (c *Coordinator) HandleDelete(ref rule.Ref) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	path, ok := c.byID[ref.ID]
	if !ok {
		path = ref.Path
	}
	if path == "" {
		c.logger.Debug("delete for unknown rule ignored", "id", ref.ID)
		return false
	}
	removed := c.removeLocked(path)
	c.publishStats()
	return removed
}

func (c *Coordinator) removeLocked(path string) bool {
	_, ok := c.table.Remove(path)
	c.lru.RecordRemoval(path)
	if id, known := c.byPath[path]; known {
		delete(c.byID, id)
		delete(c.byPath, path)
	}
	return ok
}

// HandleSnapshot replaces the whole rule set: every valid rule is upserted
// and any stored path absent from the snapshot is removed. Invalid entries
// are skipped and reported in the returned error.
func (c *Coordinator) HandleSnapshot(rules []*rule.Rule) error {
	var errs []error
	keep := make(map[string]struct{}, len(rules))
	valid := rules[:0:0]
	for i, r := range rules {
		if r == nil {
			continue
		}
		if err := r.Prepare(); err != nil {
			errs = append(errs, fmt.Errorf("snapshot entry %d: %w", i, err))
			continue
		}
		valid = append(valid, r)
		keep[r.Path] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range valid {
		c.upsertLocked(r)
	}
	removed := 0
	for _, path := range c.table.Paths() {
		if _, ok := keep[path]; !ok {
			c.removeLocked(path)
			removed++
		}
	}
	c.publishStats()
	c.logger.Info("applied rule snapshot",
		"rules", len(valid), "removed", removed, "rejected", len(errs))
	return errors.Join(errs...)
}

// Evict removes a batch of least recently used rules from the table. It is
// the pressure callback handed to eviction.Manager.Start.
func (c *Coordinator) Evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	victims := c.lru.EvictLRU()
	if len(victims) == 0 {
		return 0
	}
	n := c.table.RemoveBatch(victims)
	for _, path := range victims {
		if id, ok := c.byPath[path]; ok {
			delete(c.byID, id)
			delete(c.byPath, path)
		}
	}
	c.publishStats()
	return n
}

// PathForID returns the path currently published for a rule id.
func (c *Coordinator) PathForID(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.byID[id]
	return p, ok
}

func (c *Coordinator) publishStats() {
	st := c.table.Stats()
	c.metrics.SetRouting(st.Rules, st.FilterCount, st.FilterCapacity)
}
