package syncer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkedge/linkedge/internal/eviction"
	"github.com/linkedge/linkedge/internal/observability"
	"github.com/linkedge/linkedge/internal/routing"
	"github.com/linkedge/linkedge/internal/rule"
	"github.com/linkedge/linkedge/internal/stream"
)

type harness struct {
	c       *Coordinator
	table   *routing.Table
	lru     *eviction.Manager
	metrics *observability.Metrics
}

func newHarness(t *testing.T, batch int) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := observability.NewMetrics(prometheus.NewRegistry())
	tbl := routing.New(64, logger)
	lru := eviction.New(eviction.Config{EvictionBatchSize: batch}, logger, eviction.WithObserver(m))
	return &harness{c: New(tbl, lru, logger, m), table: tbl, lru: lru, metrics: m}
}

func newRule(id, path string) *rule.Rule {
	return &rule.Rule{ID: id, Path: path, Destination: "https://example.com/" + id}
}

func event(t stream.EventType, data string) stream.Event {
	return stream.Event{Type: t, Data: []byte(data)}
}

func TestCreateLookupDelete(t *testing.T) {
	h := newHarness(t, 10)

	require.NoError(t, h.c.HandleCreate(newRule("r1", "promo")))
	got, res := h.table.Lookup("/promo")
	require.Equal(t, routing.Hit, res)
	assert.Equal(t, "r1", got.ID)
	assert.Equal(t, 301, got.Code, "code defaults during normalization")
	assert.Equal(t, 1, h.lru.Len())

	assert.True(t, h.c.HandleDelete(rule.Ref{ID: "r1"}))
	_, res = h.table.Lookup("/promo")
	assert.NotEqual(t, routing.Hit, res)
	assert.Zero(t, h.lru.Len())
	_, ok := h.c.PathForID("r1")
	assert.False(t, ok)
}

func TestCreateRejectsInvalidRule(t *testing.T) {
	h := newHarness(t, 10)
	err := h.c.HandleCreate(&rule.Rule{ID: "x", Path: "/x", Destination: "javascript:alert(1)"})
	require.ErrorIs(t, err, rule.ErrInvalidRule)
	assert.Zero(t, h.table.Len())
}

func TestUpdateMovesPath(t *testing.T) {
	h := newHarness(t, 10)
	require.NoError(t, h.c.HandleCreate(newRule("r1", "/old")))
	require.NoError(t, h.c.HandleUpdate(newRule("r1", "/new")))

	_, res := h.table.Lookup("/old")
	assert.NotEqual(t, routing.Hit, res)
	_, res = h.table.Lookup("/new")
	assert.Equal(t, routing.Hit, res)
	assert.Equal(t, 1, h.table.Len())
	assert.Equal(t, 1, h.lru.Len())

	p, ok := h.c.PathForID("r1")
	require.True(t, ok)
	assert.Equal(t, "/new", p)
}

func TestUpdateReplacesInPlace(t *testing.T) {
	h := newHarness(t, 10)
	require.NoError(t, h.c.HandleCreate(newRule("r1", "/a")))
	upd := newRule("r1", "/a")
	upd.Destination = "https://changed.example"
	require.NoError(t, h.c.HandleUpdate(upd))

	got, _ := h.table.Lookup("/a")
	assert.Equal(t, "https://changed.example", got.Destination)
	assert.Equal(t, 1, h.table.Stats().FilterCount)
}

func TestDeleteByPathFallback(t *testing.T) {
	h := newHarness(t, 10)
	require.NoError(t, h.c.HandleCreate(newRule("r1", "/a")))

	assert.False(t, h.c.HandleDelete(rule.Ref{ID: "unknown"}))
	assert.True(t, h.c.HandleDelete(rule.Ref{ID: "unknown", Path: "/a"}))
	assert.Zero(t, h.table.Len())
	_, ok := h.c.PathForID("r1")
	assert.False(t, ok, "index entry follows the removed path")
}

func TestSnapshotResync(t *testing.T) {
	h := newHarness(t, 10)
	require.NoError(t, h.c.HandleCreate(newRule("r1", "/keep")))
	require.NoError(t, h.c.HandleCreate(newRule("r2", "/stale")))

	err := h.c.HandleSnapshot([]*rule.Rule{
		newRule("r1", "/keep"),
		newRule("r3", "/fresh"),
		{ID: "bad", Path: "/bad"},
		nil,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, rule.ErrInvalidRule)

	assert.ElementsMatch(t, []string{"/keep", "/fresh"}, h.table.Paths())
	assert.Equal(t, 2, h.lru.Len())
	_, ok := h.c.PathForID("r2")
	assert.False(t, ok)
}

func TestEvictRemovesFromTableAndIndex(t *testing.T) {
	h := newHarness(t, 2)
	for i := range 5 {
		require.NoError(t, h.c.HandleCreate(newRule(fmt.Sprint(i), fmt.Sprintf("/p%d", i))))
	}
	h.lru.Touch("/p0")

	assert.Equal(t, 2, h.c.Evict())
	assert.ElementsMatch(t, []string{"/p0", "/p3", "/p4"}, h.table.Paths())
	assert.Equal(t, 3, h.lru.Len())
	_, ok := h.c.PathForID("1")
	assert.False(t, ok)

	snap := h.metrics.Snapshot()
	assert.Equal(t, int64(1), snap.Evictions)
	assert.Equal(t, int64(2), snap.EvictedItems)
}

func TestEvictEmpty(t *testing.T) {
	h := newHarness(t, 2)
	assert.Zero(t, h.c.Evict())
}

func TestApplyEvents(t *testing.T) {
	h := newHarness(t, 10)

	require.NoError(t, h.c.Apply(event(stream.EventCreate,
		`{"id":"r1","path":"/a","destination":"https://a.example","code":302}`)))
	require.NoError(t, h.c.Apply(event(stream.EventSnapshot,
		`[{"id":"r1","path":"/a","destination":"https://a.example"},{"id":"r2","path":"/b","destination":"https://b.example"}]`)))
	require.NoError(t, h.c.Apply(event(stream.EventDelete, `{"id":"r2"}`)))

	assert.Error(t, h.c.Apply(event(stream.EventUpdate, `{not json`)))
	assert.Error(t, h.c.Apply(event(stream.EventDelete, `{}`)))
	assert.Error(t, h.c.Apply(event("purge", `{}`)))

	assert.Equal(t, []string{"/a"}, h.table.Paths())
	snap := h.metrics.Snapshot()
	assert.Equal(t, int64(3), snap.SyncApplied)
	assert.Equal(t, int64(3), snap.SyncFailed)
}

func TestApplyAcceptsMixedCaseTargeting(t *testing.T) {
	h := newHarness(t, 10)

	require.NoError(t, h.c.Apply(event(stream.EventCreate,
		`{"id":"r1","path":"/fr","destination":"https://x.example","targeting":{"enabled":true,"rules":[`+
			`{"id":"t1","target":"Language","value":"FR","destination":"https://fr.example"}]}}`)))

	got, res := h.table.Lookup("/fr")
	require.Equal(t, routing.Hit, res)
	assert.Equal(t, rule.LanguagePredicate{Tag: "fr"}, got.Targeting.Rules[0].Predicate())
}

func TestUpdateToZeroMaxClicksReplacesRule(t *testing.T) {
	h := newHarness(t, 10)
	require.NoError(t, h.c.HandleCreate(newRule("r1", "/limited")))

	require.NoError(t, h.c.Apply(event(stream.EventUpdate,
		`{"id":"r1","path":"/limited","destination":"https://example.com/r1","maxClicks":0}`)))

	got, res := h.table.Lookup("/limited")
	require.Equal(t, routing.Hit, res)
	assert.True(t, got.Expired(time.Now()))
}

func TestRunSurvivesBadEvents(t *testing.T) {
	h := newHarness(t, 10)
	events := make(chan stream.Event, 4)
	events <- event(stream.EventCreate, `garbage`)
	events <- event(stream.EventCreate, `{"id":"r1","path":"/ok","destination":"https://ok.example"}`)
	close(events)

	require.NoError(t, h.c.Run(context.Background(), events))
	assert.Equal(t, 1, h.table.Len())
}

func TestRunStopsOnContext(t *testing.T) {
	h := newHarness(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.c.Run(ctx, make(chan stream.Event)) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run ignored cancellation")
	}
}

func TestConcurrentReadersDuringSync(t *testing.T) {
	h := newHarness(t, 50)
	for i := range 200 {
		require.NoError(t, h.c.HandleCreate(newRule(fmt.Sprint(i), fmt.Sprintf("/r%d", i))))
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for i := range 200 {
					if r, res := h.table.Lookup(fmt.Sprintf("/r%d", i)); res == routing.Hit {
						assert.Equal(t, fmt.Sprintf("/r%d", i), r.Path)
					}
				}
			}
		}()
	}

	for i := range 200 {
		if i%2 == 0 {
			h.c.HandleDelete(rule.Ref{ID: fmt.Sprint(i)})
		} else {
			require.NoError(t, h.c.HandleUpdate(newRule(fmt.Sprint(i), fmt.Sprintf("/r%d", i))))
		}
		if i%40 == 0 {
			h.c.Evict()
		}
	}
	close(stop)
	wg.Wait()

	for _, p := range h.table.Paths() {
		_, ok := h.lru.Lookup(p)
		assert.True(t, ok, "every published path is tracked for eviction: %s", p)
	}
	assert.Equal(t, h.table.Len(), h.lru.Len())
}
