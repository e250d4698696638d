// Package middleware implements the public HTTP surface of linkedge: the
// health probe and the redirect handler wrapping the dispatcher.
package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/linkedge/linkedge/internal/config"
	"github.com/linkedge/linkedge/internal/dispatch"
	"github.com/linkedge/linkedge/internal/observability"
	"github.com/linkedge/linkedge/internal/ratelimit"
)

// requestIDHeader is the canonical HTTP header for request correlation.
const requestIDHeader = "X-Request-Id"

// maxRequestIDLen is the maximum allowed length for a client-supplied X-Request-Id.
const maxRequestIDLen = 128

// maxFormBytes bounds the password form body.
const maxFormBytes = 4 << 10

// validRequestID checks that a client-supplied request ID is safe to propagate.
// Allowed characters: alphanumeric, hyphens, underscores, dots, colons.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// Chain serves redirect requests. Reload may be called concurrently with
// ServeHTTP.
type Chain struct {
	dispatcher *dispatch.Dispatcher
	attempts   *ratelimit.AttemptLimiter
	clientIP   atomic.Pointer[ratelimit.ClientIPStrategy]
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewChain builds the handler. attempts may be nil to disable password
// throttling.
func NewChain(
	cfg *config.Config,
	d *dispatch.Dispatcher,
	attempts *ratelimit.AttemptLimiter,
	logger *slog.Logger,
	metrics *observability.Metrics,
) (*Chain, error) {
	ips, err := ratelimit.NewClientIPStrategy(cfg.Server.TrustedProxies)
	if err != nil {
		return nil, err
	}
	c := &Chain{
		dispatcher: d,
		attempts:   attempts,
		metrics:    metrics,
		logger:     logger.With("component", "http"),
	}
	c.clientIP.Store(ips)
	return c, nil
}

// statusWriter captures the HTTP status code written by the handler.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// statusWriterPool amortizes statusWriter allocations on the hot path.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// ServeHTTP answers /health and dispatches every other path.
func (c *Chain) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("OK"))
		return
	}

	start := time.Now()
	sw := statusWriterPool.Get().(*statusWriter)
	sw.ResponseWriter = w
	sw.code = http.StatusOK
	sw.written = false

	// Client-supplied ids are validated to prevent CRLF injection and log
	// pollution.
	reqID := r.Header.Get(requestIDHeader)
	if !validRequestID(reqID) {
		reqID = uuid.NewString()
		r.Header.Set(requestIDHeader, reqID)
	}
	sw.Header().Set(requestIDHeader, reqID)

	outcome := c.serve(sw, r, reqID)

	c.metrics.ObserveRequest(outcome, time.Since(start).Seconds())
	c.logger.Debug("request served",
		"method", r.Method, "path", r.URL.Path, "status", sw.code,
		"outcome", outcome, "request_id", reqID)
	sw.ResponseWriter = nil
	statusWriterPool.Put(sw)
}

func (c *Chain) serve(w http.ResponseWriter, r *http.Request, reqID string) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodPost:
	default:
		w.Header().Set("Allow", "GET, HEAD, POST")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return observability.OutcomeNotFound
	}

	clientIP := c.clientIP.Load().Extract(r)
	throttled := false
	req := dispatch.Request{
		Path:      r.URL.Path,
		Header:    r.Header,
		ClientIP:  clientIP,
		URL:       r.URL,
		RequestID: reqID,
	}
	if r.Method == http.MethodPost {
		req.Password = func() (string, bool) {
			if !c.attempts.Allow(clientIP) {
				throttled = true
				return "", false
			}
			return readPassword(w, r)
		}
	}

	dec := c.dispatcher.Execute(r.Context(), req)

	if throttled {
		c.logger.Warn("password attempts throttled", "path", r.URL.Path, "client_ip", clientIP)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(c.attempts.RetryAfter().Seconds()))))
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return observability.OutcomeThrottled
	}

	switch dec.Outcome {
	case dispatch.Redirect:
		if dec.HSTS != "" {
			w.Header().Set("Strict-Transport-Security", dec.HSTS)
		}
		w.Header().Set("Location", dec.Destination)
		w.WriteHeader(dec.Code)
	case dispatch.PasswordRequired:
		renderPasswordForm(w, r, dec.PasswordError)
	default:
		http.NotFound(w, r)
	}
	return dec.Outcome.String()
}

// readPassword returns the password form field of a POST body.
func readPassword(w http.ResponseWriter, r *http.Request) (string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		return "", false
	}
	if !r.PostForm.Has("password") {
		return "", false
	}
	return r.PostForm.Get("password"), true
}

// Reload applies hot-reloadable settings: trusted proxies and the password
// attempt budget.
func (c *Chain) Reload(newCfg *config.Config) error {
	ips, err := ratelimit.NewClientIPStrategy(newCfg.Server.TrustedProxies)
	if err != nil {
		return err
	}
	c.clientIP.Store(ips)
	c.attempts.SetLimits(newCfg.Password.MaxAttempts,
		config.MustParseDuration(newCfg.Password.AttemptWindow, time.Minute))
	c.logger.Info("http chain reloaded",
		"trusted_proxies", strings.Join(newCfg.Server.TrustedProxies, ","),
		"password_max_attempts", newCfg.Password.MaxAttempts)
	return nil
}

// formAction is the path the password form posts back to.
func formAction(u *url.URL) string {
	if u.RawQuery == "" {
		return u.Path
	}
	return u.Path + "?" + u.RawQuery
}
