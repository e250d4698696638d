// Package eviction tracks rule recency and sheds the least recently used
// rules when the process heap crosses a configured threshold.
//
// Recency is kept in an arena: entries live in a slice and link to each
// other by index, with a map from path to slot and a free list for reuse.
package eviction

import (
	"context"
	"log/slog"
	"runtime/metrics"
	"sync"
	"time"

	"github.com/linkedge/linkedge/internal/rule"
)

const none int32 = -1

// Config controls the heap monitor.
type Config struct {
	MaxHeapMB         int
	EvictionBatchSize int
	CheckInterval     time.Duration
	EnableMetrics     bool
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxHeapMB:         500,
		EvictionBatchSize: 1000,
		CheckInterval:     10 * time.Second,
		EnableMetrics:     true,
	}
}

// Entry is the bookkeeping record for one path.
type Entry struct {
	Path        string
	Rule        *rule.Rule
	LastAccess  time.Time
	AccessCount uint64
}

// Stats is a snapshot of eviction counters.
type Stats struct {
	TotalEvictions    int64
	TotalItemsEvicted int64
	LastEviction      time.Time
	PeakHeapBytes     uint64
	CurrentHeapBytes  uint64
	Size              int
}

// Observer receives eviction and heap samples, typically for Prometheus.
type Observer interface {
	ObserveEviction(items int)
	ObserveHeap(current, peak uint64, tracked int)
}

type slot struct {
	Entry
	prev, next int32
}

// Manager is safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	cfg   Config
	slots []slot
	index map[string]int32
	free  []int32
	head  int32 // most recently used
	tail  int32 // least recently used

	stats Stats

	now      func() time.Time
	heap     func() uint64
	observer Observer
	logger   *slog.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithHeapSampler overrides the heap reading used by the monitor.
func WithHeapSampler(fn func() uint64) Option {
	return func(m *Manager) { m.heap = fn }
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// New creates a Manager. Zero config fields fall back to DefaultConfig.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:    withDefaults(cfg),
		index:  make(map[string]int32),
		head:   none,
		tail:   none,
		now:    time.Now,
		heap:   heapObjectBytes,
		logger: logger.With("component", "eviction"),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.MaxHeapMB <= 0 {
		cfg.MaxHeapMB = def.MaxHeapMB
	}
	if cfg.EvictionBatchSize <= 0 {
		cfg.EvictionBatchSize = def.EvictionBatchSize
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	return cfg
}

// SetConfig swaps thresholds at runtime. A changed CheckInterval applies on
// the next tick.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = withDefaults(cfg)
	m.mu.Unlock()
}

// Config returns the active configuration.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// RecordAccess creates or refreshes the entry for path and makes it the most
// recently used.
func (m *Manager) RecordAccess(path string, r *rule.Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if i, ok := m.index[path]; ok {
		s := &m.slots[i]
		s.Rule = r
		s.LastAccess = now
		s.AccessCount++
		m.moveToFront(i)
		return
	}

	i := m.alloc()
	m.slots[i] = slot{
		Entry: Entry{Path: path, Rule: r, LastAccess: now, AccessCount: 1},
		prev:  none,
		next:  none,
	}
	m.index[path] = i
	m.pushFront(i)
}

// Touch marks an existing entry as used. Unknown paths are ignored.
func (m *Manager) Touch(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.index[path]
	if !ok {
		return
	}
	s := &m.slots[i]
	s.LastAccess = m.now()
	s.AccessCount++
	m.moveToFront(i)
}

// RecordRemoval drops the entry for path.
func (m *Manager) RecordRemoval(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i, ok := m.index[path]; ok {
		m.release(i)
	}
}

// EvictLRU removes up to EvictionBatchSize entries from the least recently
// used end and returns their paths, oldest first.
func (m *Manager) EvictLRU() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch := m.cfg.EvictionBatchSize
	victims := make([]string, 0, min(batch, len(m.index)))
	for len(victims) < batch && m.tail != none {
		i := m.tail
		victims = append(victims, m.slots[i].Path)
		m.release(i)
	}
	if len(victims) == 0 {
		return nil
	}

	m.stats.TotalEvictions++
	m.stats.TotalItemsEvicted += int64(len(victims))
	m.stats.LastEviction = m.now()
	if m.observer != nil {
		m.observer.ObserveEviction(len(victims))
	}
	if m.cfg.EnableMetrics {
		m.logger.Info("evicted least recently used rules",
			"count", len(victims), "remaining", len(m.index))
	}
	return victims
}

// Len returns the number of tracked entries.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.index)
}

// Lookup returns a copy of the entry for path.
func (m *Manager) Lookup(path string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.index[path]
	if !ok {
		return Entry{}, false
	}
	return m.slots[i].Entry, true
}

// Stats returns the current counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stats
	st.Size = len(m.index)
	return st
}

// Start samples the heap every CheckInterval until ctx is done. When the
// sample exceeds MaxHeapMB, onPressure is called; a nil onPressure evicts
// directly from the manager.
func (m *Manager) Start(ctx context.Context, onPressure func()) {
	if onPressure == nil {
		onPressure = func() { m.EvictLRU() }
	}
	interval := m.Config().CheckInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.Check() {
				onPressure()
			}
			if next := m.Config().CheckInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// Check samples the heap, updates peak/current figures and reports whether
// the threshold is exceeded.
func (m *Manager) Check() bool {
	current := m.heap()

	m.mu.Lock()
	m.stats.CurrentHeapBytes = current
	if current > m.stats.PeakHeapBytes {
		m.stats.PeakHeapBytes = current
	}
	peak := m.stats.PeakHeapBytes
	tracked := len(m.index)
	limit := uint64(m.cfg.MaxHeapMB) << 20
	m.mu.Unlock()

	if m.observer != nil {
		m.observer.ObserveHeap(current, peak, tracked)
	}
	if current > limit {
		m.logger.Warn("heap above threshold",
			"heap_mb", current>>20, "max_heap_mb", limit>>20, "tracked", tracked)
		return true
	}
	return false
}

// --- arena plumbing, callers hold mu ---

func (m *Manager) alloc() int32 {
	if n := len(m.free); n > 0 {
		i := m.free[n-1]
		m.free = m.free[:n-1]
		return i
	}
	m.slots = append(m.slots, slot{})
	return int32(len(m.slots) - 1)
}

func (m *Manager) release(i int32) {
	m.unlink(i)
	delete(m.index, m.slots[i].Path)
	m.slots[i] = slot{prev: none, next: none}
	m.free = append(m.free, i)
}

func (m *Manager) pushFront(i int32) {
	s := &m.slots[i]
	s.prev = none
	s.next = m.head
	if m.head != none {
		m.slots[m.head].prev = i
	}
	m.head = i
	if m.tail == none {
		m.tail = i
	}
}

func (m *Manager) unlink(i int32) {
	s := &m.slots[i]
	if s.prev != none {
		m.slots[s.prev].next = s.next
	} else {
		m.head = s.next
	}
	if s.next != none {
		m.slots[s.next].prev = s.prev
	} else {
		m.tail = s.prev
	}
	s.prev, s.next = none, none
}

func (m *Manager) moveToFront(i int32) {
	if m.head == i {
		return
	}
	m.unlink(i)
	m.pushFront(i)
}

var heapSample = []metrics.Sample{{Name: "/memory/classes/heap/objects:bytes"}}
var heapSampleMu sync.Mutex

// heapObjectBytes reads live heap object bytes without stopping the world.
func heapObjectBytes() uint64 {
	heapSampleMu.Lock()
	defer heapSampleMu.Unlock()
	metrics.Read(heapSample)
	if heapSample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return heapSample[0].Value.Uint64()
}
