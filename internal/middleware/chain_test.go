package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkedge/linkedge/internal/config"
	"github.com/linkedge/linkedge/internal/dispatch"
	"github.com/linkedge/linkedge/internal/observability"
	"github.com/linkedge/linkedge/internal/ratelimit"
	"github.com/linkedge/linkedge/internal/routing"
	"github.com/linkedge/linkedge/internal/rule"
)

type testEnv struct {
	chain   *Chain
	table   *routing.Table
	metrics *observability.Metrics
}

func newTestEnv(t *testing.T, maxAttempts int, rules ...*rule.Rule) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := observability.NewMetrics(prometheus.NewRegistry())
	tbl := routing.New(64, logger)
	for _, r := range rules {
		require.NoError(t, r.Prepare())
		tbl.Upsert(r)
	}
	d := dispatch.New(tbl, nil, m, dispatch.WithRand(func() float64 { return 0 }))
	attempts := ratelimit.NewAttemptLimiter(maxAttempts, time.Minute)
	t.Cleanup(attempts.Close)

	cfg := config.Defaults()
	c, err := NewChain(cfg, d, attempts, logger, m)
	require.NoError(t, err)
	return &testEnv{chain: c, table: tbl, metrics: m}
}

func protected(path, password string) *rule.Rule {
	return &rule.Rule{
		ID: "p", Path: path, Destination: "https://secret.com",
		Password: &rule.PasswordProtection{Enabled: true, Password: password},
	}
}

func postPassword(path, password, remote string) *http.Request {
	form := url.Values{"password": {password}}
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = remote
	return req
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, 0)
	rr := httptest.NewRecorder()
	env.chain.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
}

func TestRedirect(t *testing.T) {
	env := newTestEnv(t, 0,
		&rule.Rule{ID: "a", Path: "/promo", Destination: "https://example.com/a", Code: 302},
		&rule.Rule{ID: "b", Path: "/secure", Destination: "https://example.com/b",
			HSTS: &rule.HSTS{Enabled: true, MaxAge: 31536000, IncludeSubDomains: true}},
	)

	t.Run("temporary", func(t *testing.T) {
		rr := httptest.NewRecorder()
		env.chain.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/promo", nil))
		assert.Equal(t, http.StatusFound, rr.Code)
		assert.Equal(t, "https://example.com/a", rr.Header().Get("Location"))
		assert.Empty(t, rr.Header().Get("Strict-Transport-Security"))
		assert.NotEmpty(t, rr.Header().Get(requestIDHeader))
	})

	t.Run("permanent with hsts", func(t *testing.T) {
		rr := httptest.NewRecorder()
		env.chain.ServeHTTP(rr, httptest.NewRequest(http.MethodHead, "/secure/", nil))
		assert.Equal(t, http.StatusMovedPermanently, rr.Code)
		assert.Equal(t, "max-age=31536000; includeSubDomains", rr.Header().Get("Strict-Transport-Security"))
	})

	assert.Equal(t, int64(2), env.metrics.Snapshot().Redirects)
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t, 0)
	rr := httptest.NewRecorder()
	env.chain.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, int64(1), env.metrics.Snapshot().NotFound)
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, 0, &rule.Rule{ID: "a", Path: "/a", Destination: "https://example.com"})
	rr := httptest.NewRecorder()
	env.chain.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/a", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, "GET, HEAD, POST", rr.Header().Get("Allow"))
}

func TestRequestIDPropagation(t *testing.T) {
	env := newTestEnv(t, 0)

	t.Run("valid id is echoed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set(requestIDHeader, "abc-123")
		rr := httptest.NewRecorder()
		env.chain.ServeHTTP(rr, req)
		assert.Equal(t, "abc-123", rr.Header().Get(requestIDHeader))
	})

	t.Run("invalid id is replaced", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set(requestIDHeader, "bad id\r\n")
		rr := httptest.NewRecorder()
		env.chain.ServeHTTP(rr, req)
		got := rr.Header().Get(requestIDHeader)
		assert.NotEqual(t, "bad id\r\n", got)
		assert.Len(t, got, 36)
	})
}

func TestPasswordFlow(t *testing.T) {
	env := newTestEnv(t, 0, protected("/locked", "hunter2"))

	t.Run("get shows form", func(t *testing.T) {
		rr := httptest.NewRecorder()
		env.chain.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/locked", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), "<form")
		assert.Contains(t, rr.Body.String(), `type="password"`)
		assert.Contains(t, rr.Body.String(), `action="/locked"`)
		assert.NotContains(t, rr.Body.String(), "Incorrect password")
		assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
	})

	t.Run("wrong password shows form with error", func(t *testing.T) {
		rr := httptest.NewRecorder()
		env.chain.ServeHTTP(rr, postPassword("/locked", "nope", "1.1.1.1:1"))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), "Incorrect password")
	})

	t.Run("post without field shows form", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/locked", strings.NewReader(""))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rr := httptest.NewRecorder()
		env.chain.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.NotContains(t, rr.Body.String(), "Incorrect password")
	})

	t.Run("correct password redirects", func(t *testing.T) {
		rr := httptest.NewRecorder()
		env.chain.ServeHTTP(rr, postPassword("/locked", "hunter2", "1.1.1.1:1"))
		assert.Equal(t, http.StatusMovedPermanently, rr.Code)
		assert.Equal(t, "https://secret.com", rr.Header().Get("Location"))
	})

	t.Run("password in query string is ignored", func(t *testing.T) {
		rr := httptest.NewRecorder()
		env.chain.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/locked?password=hunter2", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), `action="/locked?password=hunter2"`)
	})
}

func TestPasswordThrottling(t *testing.T) {
	env := newTestEnv(t, 2, protected("/locked", "hunter2"))

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		env.chain.ServeHTTP(rr, postPassword("/locked", "wrong", "9.9.9.9:1"))
		require.Equal(t, http.StatusOK, rr.Code)
	}

	rr := httptest.NewRecorder()
	env.chain.ServeHTTP(rr, postPassword("/locked", "hunter2", "9.9.9.9:1"))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "30", rr.Header().Get("Retry-After"))

	rr = httptest.NewRecorder()
	env.chain.ServeHTTP(rr, postPassword("/locked", "hunter2", "8.8.8.8:1"))
	assert.Equal(t, http.StatusMovedPermanently, rr.Code, "other clients keep their budget")

	assert.Equal(t, int64(1), env.metrics.Snapshot().Throttled)
}

func TestThrottlingIgnoresUnprotectedRules(t *testing.T) {
	env := newTestEnv(t, 1, &rule.Rule{ID: "a", Path: "/open", Destination: "https://example.com"})
	for i := 0; i < 5; i++ {
		rr := httptest.NewRecorder()
		env.chain.ServeHTTP(rr, postPassword("/open", "x", "9.9.9.9:1"))
		assert.Equal(t, http.StatusMovedPermanently, rr.Code)
	}
}

func TestReload(t *testing.T) {
	env := newTestEnv(t, 1, protected("/locked", "hunter2"))

	cfg := config.Defaults()
	cfg.Password.MaxAttempts = 0
	cfg.Server.TrustedProxies = []string{"10.0.0.0/8"}
	require.NoError(t, env.chain.Reload(cfg))

	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		env.chain.ServeHTTP(rr, postPassword("/locked", "wrong", "10.0.0.1:1"))
		assert.Equal(t, http.StatusOK, rr.Code)
	}

	cfg.Server.TrustedProxies = []string{"bogus"}
	assert.Error(t, env.chain.Reload(cfg))
}
