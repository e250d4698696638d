package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/linkedge/linkedge/internal/config"
	"github.com/linkedge/linkedge/internal/observability"
)

const (
	collectPath = "/v1/collect"

	defaultBufferSize       = 10000
	defaultWorkers          = 8
	defaultFlushInterval    = 200 * time.Millisecond
	defaultTimeout          = 5 * time.Second
	defaultBreakerThreshold = 5
	defaultBreakerReset     = 30 * time.Second
)

// errCollectorStatus marks a non-2xx answer from the collector.
var errCollectorStatus = errors.New("collector rejected visit")

// Emitter is an async, buffered visit reporter. Collect never blocks; a flush
// loop drains the ring buffer and POSTs each payload with bounded
// concurrency behind a circuit breaker. Nothing is retried.
type Emitter struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	url        string
	salt       string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker

	workers       int
	flushInterval time.Duration
	timeout       time.Duration
	bufferSize    int

	ring     []Payload
	ringMu   sync.Mutex
	ringHead int
	ringTail int
	ringLen  int

	flushCh   chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewEmitter creates a visit emitter. It returns nil when cfg.URL is empty;
// a nil *Emitter accepts and discards visits.
func NewEmitter(cfg config.AnalyticsConfig, logger *slog.Logger, metrics *observability.Metrics) *Emitter {
	if cfg.URL == "" {
		return nil
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	threshold := cfg.CircuitBreaker.Threshold
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}
	timeout := config.MustParseDuration(cfg.Timeout, defaultTimeout)

	e := &Emitter{
		logger:        logger.With("component", "analytics"),
		metrics:       metrics,
		url:           cfg.URL + collectPath,
		salt:          cfg.IPSalt.Value(),
		httpClient:    &http.Client{Timeout: timeout},
		workers:       workers,
		flushInterval: config.MustParseDuration(cfg.FlushInterval, defaultFlushInterval),
		timeout:       timeout,
		bufferSize:    bufferSize,
		ring:          make([]Payload, bufferSize),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "analytics",
		Timeout: config.MustParseDuration(cfg.CircuitBreaker.ResetTimeout, defaultBreakerReset),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Info("circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	e.wg.Add(1)
	go e.flushLoop()

	return e
}

// Record builds a payload from v and enqueues it.
func (e *Emitter) Record(v Visit) {
	if e == nil {
		return
	}
	e.Collect(Build(v, e.salt))
}

// Collect enqueues a payload. It never blocks; when the buffer is full the
// oldest payload is dropped.
func (e *Emitter) Collect(p Payload) {
	if e == nil {
		return
	}
	e.ringMu.Lock()
	e.ring[e.ringTail] = p
	e.ringTail = (e.ringTail + 1) % e.bufferSize
	if e.ringLen == e.bufferSize {
		e.ringHead = (e.ringHead + 1) % e.bufferSize
		e.metrics.IncAnalyticsDropped()
	} else {
		e.ringLen++
	}
	shouldFlush := e.ringLen >= e.workers
	e.ringMu.Unlock()

	if shouldFlush {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
}

// Close stops the flush loop and makes one last attempt to deliver what is
// buffered. Safe to call multiple times.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	e.closeOnce.Do(func() {
		close(e.done)
		e.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		e.flush(ctx)
	})
	return nil
}

// Pending returns the number of buffered payloads.
func (e *Emitter) Pending() int {
	if e == nil {
		return 0
	}
	e.ringMu.Lock()
	defer e.ringMu.Unlock()
	return e.ringLen
}

func (e *Emitter) flushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-e.done
		cancel()
	}()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.flush(ctx)
		case <-e.flushCh:
			e.flush(ctx)
		}
	}
}

func (e *Emitter) flush(ctx context.Context) {
	for ctx.Err() == nil {
		batch := e.drain()
		if len(batch) == 0 {
			return
		}
		e.sendAll(ctx, batch)
	}
}

// drain removes up to a small multiple of the worker count from the ring.
func (e *Emitter) drain() []Payload {
	e.ringMu.Lock()
	defer e.ringMu.Unlock()

	if e.ringLen == 0 {
		return nil
	}

	n := min(e.ringLen, e.workers*16)
	batch := make([]Payload, n)
	for i := range n {
		idx := (e.ringHead + i) % e.bufferSize
		batch[i] = e.ring[idx]
		e.ring[idx] = Payload{}
	}
	e.ringHead = (e.ringHead + n) % e.bufferSize
	e.ringLen -= n
	return batch
}

func (e *Emitter) sendAll(ctx context.Context, batch []Payload) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := range batch {
		p := batch[i]
		g.Go(func() error {
			e.send(gctx, p)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Emitter) send(ctx context.Context, p Payload) {
	_, err := e.breaker.Execute(func() (interface{}, error) {
		return nil, e.post(ctx, p)
	})
	if err == nil {
		e.metrics.IncAnalyticsSent()
		return
	}
	e.metrics.IncAnalyticsFailed()
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		e.logger.Debug("analytics collector unavailable, visit skipped", "path", p.Path)
		return
	}
	e.logger.Warn("failed to send visit", "error", err, "path", p.Path)
}

func (e *Emitter) post(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal visit: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", errCollectorStatus, resp.StatusCode)
	}
	return nil
}

// String implements fmt.Stringer for debug logging.
func (e *Emitter) String() string {
	if e == nil {
		return "disabled"
	}
	return fmt.Sprintf("Emitter(url=%s, workers=%d, flush=%s, buf=%d)",
		e.url, e.workers, e.flushInterval, e.bufferSize)
}
