package main

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
)

// ---------------------------------------------------------------------------
// Test framework
// ---------------------------------------------------------------------------

type testResult struct {
	name   string
	passed bool
	detail string
}

type testCase struct {
	name string
	fn   func(s *suite) testResult
}

const (
	syncToken = "e2e-sync-token"
	ipSalt    = "e2e-salt"
	// maxAttempts is the password attempt budget given to the instance.
	maxAttempts = 3
)

var httpClient = &http.Client{Timeout: 5 * time.Second}

// noRedirect returns 3xx responses instead of following them.
var noRedirect = &http.Client{
	Timeout: 5 * time.Second,
	CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

// suite is the shared state of one run.
type suite struct {
	auth *authority
	inst *instance
}

// runAllTests starts the mock authority and one linkedge instance, runs every
// case in order and writes a report file.
func runAllTests() bool {
	runStart := time.Now()

	auth, err := startAuthority(syncToken)
	if err != nil {
		fatal("Cannot start mock authority: %v", err)
	}
	defer auth.stop()
	info("Mock authority listening on %s", auth.addr)

	inst, err := startInstance("linkedge", map[string]string{
		"ADMIN_SERVICE_URL":        auth.streamURL(),
		"SYNC_API_KEY":             syncToken,
		"STREAM_INITIAL_BACKOFF":   "100ms",
		"STREAM_MAX_BACKOFF":       "500ms",
		"ANALYTICS_SERVICE_URL":    auth.collectURL(),
		"ANALYTICS_FLUSH_INTERVAL": "50ms",
		"ANALYTICS_IP_SALT":        ipSalt,
		"PASSWORD_MAX_ATTEMPTS":    fmt.Sprint(maxAttempts),
		"PASSWORD_ATTEMPT_WINDOW":  "1m",
	})
	if err != nil {
		fatal("linkedge did not start: %v", err)
	}
	info("linkedge listening on %s (ops %s)", inst.base, inst.ops)

	s := &suite{auth: auth, inst: inst}
	cases := allTestCases()
	entries := make([]TestEntry, 0, len(cases))
	failCount := 0

	for i, tc := range cases {
		fmt.Printf("\n[%d/%d] %s\n", i+1, len(cases), tc.name)

		tStart := time.Now()
		r := tc.fn(s)
		elapsed := time.Since(tStart)

		entries = append(entries, TestEntry{
			Index:    i + 1,
			Area:     areaOf(tc.name),
			Name:     tc.name,
			ID:       r.name,
			Passed:   r.passed,
			Detail:   r.detail,
			Duration: elapsed,
		})

		mark := "✅ PASS"
		if !r.passed {
			failCount++
			mark = "❌ FAIL"
		}
		fmt.Printf("  %s: %s (%s)\n", mark, r.detail, elapsed.Round(time.Millisecond))
	}

	// Scrape before stopping; the counters die with the process.
	report := &Report{
		Started: runStart,
		Instance: InstanceInfo{
			Redirect:  inst.base,
			Ops:       inst.ops,
			Stream:    auth.streamURL(),
			Collector: auth.collectURL(),
		},
		Traffic: Traffic{
			StreamConnections: auth.connections(),
			VisitsCollected:   auth.visitCount(),
			Outcomes:          scrapeOutcomes(inst.ops),
		},
		Tests: entries,
		Areas: summarizeAreas(entries),
	}
	inst.stop()
	report.Duration = time.Since(runStart)
	if failCount > 0 {
		report.Logs = []InstanceLog{{Instance: inst.name, Logs: strings.TrimSpace(inst.logs.String())}}
	}

	fmt.Printf("\n%s\n", strings.Repeat("-", 60))
	fmt.Printf("Results: %d passed, %d failed, %d total\n", len(entries)-failCount, failCount, len(entries))
	for _, a := range report.Areas {
		fmt.Printf("  %-12s %d passed, %d failed\n", a.Area, a.Passed, a.Failed)
	}
	fmt.Printf("%s\n", strings.Repeat("-", 60))

	if reportPath := writeReport(report); reportPath != "" {
		fmt.Printf("\n📄 Report: %s\n", reportPath)
	}

	return failCount == 0
}

// ---------------------------------------------------------------------------
// Test definitions
// ---------------------------------------------------------------------------

func allTestCases() []testCase {
	return []testCase{
		{"Boot: stream connects and deep readiness passes", testBootAndSync},
		{"Redirect: 301 by default", testBasicRedirect},
		{"Redirect: 302 when configured", testTemporaryRedirect},
		{"Fast 404: unknown path", testFast404},
		{"Analytics: visit emitted with explicit referrer", testAnalyticsEmission},
		{"Privacy: client IP is salted and hashed", testPrivacy},
		{"Priority: targeting wins over A/B split", testPriority},
		{"A/B: traffic splits across variations", testABSplit},
		{"Targeting: language, device and country with fallback", testTargeting},
		{"Password: form, wrong and correct password", testPassword},
		{"Password: attempts are throttled per client", testPasswordThrottle},
		{"HSTS: header sent with redirect", testHSTS},
		{"Expiry: expired and exhausted rules are 404", testExpiry},
		{"Sync: update and delete apply live", testUpdateAndDelete},
		{"Sync: reconnect resyncs from snapshot", testReconnectSnapshot},
		{"Protocol: HTTP/2 (h2c)", testH2C},
		{"Concurrent burst: no 5xx under load", testConcurrentBurst},
		{"Metrics: outcome counters exposed", testMetrics},
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func pass(name, format string, args ...any) testResult {
	return testResult{name: name, passed: true, detail: fmt.Sprintf(format, args...)}
}

func fail(name, format string, args ...any) testResult {
	return testResult{name: name, passed: false, detail: fmt.Sprintf(format, args...)}
}

// request sends a request without following redirects and returns the
// status and Location.
func request(method, u string, headers map[string]string, body io.Reader) (int, string, string, error) {
	req, err := http.NewRequest(method, u, body)
	if err != nil {
		return 0, "", "", err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := noRedirect.Do(req)
	if err != nil {
		return 0, "", "", err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, resp.Header.Get("Location"), string(b), nil
}

func (s *suite) get(path string, headers map[string]string) (int, string) {
	code, loc, _, err := request(http.MethodGet, s.inst.base+path, headers, nil)
	if err != nil {
		return 0, err.Error()
	}
	return code, loc
}

// publish pushes rule and waits until linkedge serves it.
func (s *suite) publish(rule map[string]any) error {
	s.auth.upsert(rule)
	path := rule["path"].(string)
	return pollUntil(5*time.Second, "rule "+path+" served", func() bool {
		code, _ := s.get(path, nil)
		return code != http.StatusNotFound && code != 0
	})
}

func rule(id, path, destination string) map[string]any {
	return map[string]any{"id": id, "path": path, "destination": destination}
}

// ---------------------------------------------------------------------------
// Individual tests
// ---------------------------------------------------------------------------

func testBootAndSync(s *suite) testResult {
	err := pollUntil(10*time.Second, "deep readiness", func() bool {
		resp, err := httpClient.Get(s.inst.ops + "/readyz?deep=true")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})
	if err != nil {
		return fail("boot", "%v", err)
	}
	code, body := 0, ""
	if resp, err := httpClient.Get(s.inst.base + "/health"); err == nil {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		code, body = resp.StatusCode, string(b)
	}
	if code != http.StatusOK || body != "OK" {
		return fail("boot", "/health returned %d %q", code, body)
	}
	return pass("boot", "stream connected after %d connection(s), /health OK", s.auth.connections())
}

func testBasicRedirect(s *suite) testResult {
	if err := s.publish(rule("basic", "/basic", "https://example.com/basic")); err != nil {
		return fail("redirect-301", "%v", err)
	}
	code, loc := s.get("/basic", nil)
	if code != http.StatusMovedPermanently || loc != "https://example.com/basic" {
		return fail("redirect-301", "got %d → %q", code, loc)
	}
	code, loc = s.get("//basic/", nil)
	if code != http.StatusMovedPermanently {
		return fail("redirect-301", "non-canonical path got %d → %q", code, loc)
	}
	return pass("redirect-301", "301 → %s", loc)
}

func testTemporaryRedirect(s *suite) testResult {
	r := rule("temp", "/temp", "https://example.com/temp")
	r["code"] = 302
	if err := s.publish(r); err != nil {
		return fail("redirect-302", "%v", err)
	}
	if code, loc := s.get("/temp", nil); code != http.StatusFound {
		return fail("redirect-302", "got %d → %q", code, loc)
	}
	return pass("redirect-302", "302 as configured")
}

func testFast404(s *suite) testResult {
	start := time.Now()
	for i := 0; i < 100; i++ {
		if code, _ := s.get(fmt.Sprintf("/missing-%d", i), nil); code != http.StatusNotFound {
			return fail("fast-404", "/missing-%d returned %d", i, code)
		}
	}
	return pass("fast-404", "100 unknown paths → 404 in %s", time.Since(start).Round(time.Millisecond))
}

func testAnalyticsEmission(s *suite) testResult {
	if err := s.publish(rule("tracked", "/tracked", "https://example.com/tracked")); err != nil {
		return fail("analytics", "%v", err)
	}
	s.get("/tracked?utm_source=newsletter", map[string]string{"User-Agent": "e2e-agent"})

	var got visit
	err := pollUntil(5*time.Second, "visit for /tracked", func() bool {
		for _, v := range s.auth.visitsFor("/tracked") {
			if v.Referrer != nil && *v.Referrer == "newsletter" {
				got = v
				return true
			}
		}
		return false
	})
	if err != nil {
		return fail("analytics", "%v", err)
	}
	if got.ReferrerSource != "explicit" || got.Status != http.StatusMovedPermanently ||
		got.UserAgent == nil || *got.UserAgent != "e2e-agent" {
		return fail("analytics", "unexpected payload %+v", got)
	}
	return pass("analytics", "visit recorded: status=%d referrer_source=%s", got.Status, got.ReferrerSource)
}

func testPrivacy(s *suite) testResult {
	if err := s.publish(rule("private", "/private", "https://example.com/private")); err != nil {
		return fail("privacy", "%v", err)
	}
	s.get("/private", nil)

	sum := sha256.Sum256([]byte(ipSalt + "127.0.0.1"))
	want := hex.EncodeToString(sum[:])
	var got string
	err := pollUntil(5*time.Second, "visit for /private", func() bool {
		vs := s.auth.visitsFor("/private")
		if len(vs) == 0 {
			return false
		}
		got = vs[0].IP
		return true
	})
	if err != nil {
		return fail("privacy", "%v", err)
	}
	if got == "127.0.0.1" || got != want {
		return fail("privacy", "ip field %q, want salted hash %q", got, want)
	}
	return pass("privacy", "ip recorded as %s…", got[:12])
}

func testPriority(s *suite) testResult {
	r := rule("prio", "/prio", "https://example.com/default")
	r["targeting"] = map[string]any{"enabled": true, "rules": []map[string]any{
		{"id": "t1", "target": "language", "value": "de", "destination": "https://example.com/de"},
	}}
	r["ab_testing"] = map[string]any{"enabled": true, "variations": []map[string]any{
		{"id": "v1", "destination": "https://example.com/variant", "weight": 100},
	}}
	if err := s.publish(r); err != nil {
		return fail("priority", "%v", err)
	}
	if _, loc := s.get("/prio", map[string]string{"Accept-Language": "de-DE"}); loc != "https://example.com/de" {
		return fail("priority", "targeted request went to %q", loc)
	}
	if _, loc := s.get("/prio", nil); loc != "https://example.com/variant" {
		return fail("priority", "untargeted request went to %q", loc)
	}
	return pass("priority", "targeting first, then A/B")
}

func testABSplit(s *suite) testResult {
	r := rule("ab", "/ab", "https://example.com/control")
	r["ab_testing"] = map[string]any{"enabled": true, "variations": []map[string]any{
		{"id": "a", "destination": "https://example.com/a", "weight": 50},
		{"id": "b", "destination": "https://example.com/b", "weight": 50},
	}}
	if err := s.publish(r); err != nil {
		return fail("ab-split", "%v", err)
	}
	counts := map[string]int{}
	const n = 400
	for i := 0; i < n; i++ {
		_, loc := s.get("/ab", nil)
		counts[loc]++
	}
	a, b := counts["https://example.com/a"], counts["https://example.com/b"]
	if a+b != n || a < n/4 || b < n/4 {
		return fail("ab-split", "unbalanced split: %v", counts)
	}
	return pass("ab-split", "a=%d b=%d over %d requests", a, b, n)
}

func testTargeting(s *suite) testResult {
	r := rule("target", "/target", "https://example.com/en")
	r["code"] = 302
	r["targeting"] = map[string]any{"enabled": true, "rules": []map[string]any{
		{"id": "t1", "target": "language", "value": "fr", "destination": "https://example.com/fr"},
		{"id": "t2", "target": "device", "value": "mobile", "destination": "https://example.com/mobile"},
		{"id": "t3", "target": "country", "value": "JP", "destination": "https://example.com/jp"},
	}}
	if err := s.publish(r); err != nil {
		return fail("targeting", "%v", err)
	}

	iphone := "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
	cases := []struct {
		headers map[string]string
		want    string
	}{
		{nil, "https://example.com/en"},
		{map[string]string{"Accept-Language": "fr-FR,fr;q=0.9,en;q=0.8"}, "https://example.com/fr"},
		{map[string]string{"User-Agent": iphone}, "https://example.com/mobile"},
		{map[string]string{"CF-IPCountry": "jp"}, "https://example.com/jp"},
		{map[string]string{"Accept-Language": "es"}, "https://example.com/en"},
	}
	for _, c := range cases {
		if _, loc := s.get("/target", c.headers); loc != c.want {
			return fail("targeting", "headers %v → %q, want %q", c.headers, loc, c.want)
		}
	}
	return pass("targeting", "%d header combinations routed correctly", len(cases))
}

func testPassword(s *suite) testResult {
	r := rule("locked", "/locked", "https://secret.com")
	r["password_protection"] = map[string]any{"enabled": true, "password": "secret123"}
	s.auth.upsert(r)
	err := pollUntil(5*time.Second, "password form", func() bool {
		code, _, body, err := request(http.MethodGet, s.inst.base+"/locked", nil, nil)
		return err == nil && code == http.StatusOK && strings.Contains(body, `type="password"`)
	})
	if err != nil {
		return fail("password", "%v", err)
	}

	post := func(pw string) (int, string, string) {
		form := url.Values{"password": {pw}}.Encode()
		code, loc, body, err := request(http.MethodPost, s.inst.base+"/locked",
			map[string]string{"Content-Type": "application/x-www-form-urlencoded", "X-Forwarded-For": "198.51.100.1"},
			strings.NewReader(form))
		if err != nil {
			return 0, "", err.Error()
		}
		return code, loc, body
	}

	if code, _, body := post("wrong"); code != http.StatusOK || !strings.Contains(body, "<form") {
		return fail("password", "wrong password returned %d", code)
	}
	if code, loc, _ := post("secret123"); code != http.StatusMovedPermanently || loc != "https://secret.com" {
		return fail("password", "correct password returned %d → %q", code, loc)
	}
	return pass("password", "form shown, wrong rejected, correct redirected")
}

func testPasswordThrottle(s *suite) testResult {
	headers := map[string]string{
		"Content-Type":    "application/x-www-form-urlencoded",
		"X-Forwarded-For": "203.0.113.77",
	}
	form := url.Values{"password": {"guess"}}.Encode()

	var codes []int
	for i := 0; i < maxAttempts+1; i++ {
		code, _, _, err := request(http.MethodPost, s.inst.base+"/locked", headers, strings.NewReader(form))
		if err != nil {
			return fail("password-throttle", "%v", err)
		}
		codes = append(codes, code)
	}
	if codes[len(codes)-1] != http.StatusTooManyRequests {
		return fail("password-throttle", "status sequence %v, want 429 last", codes)
	}
	headers["X-Forwarded-For"] = "203.0.113.78"
	code, _, _, _ := request(http.MethodPost, s.inst.base+"/locked", headers, strings.NewReader(form))
	if code != http.StatusOK {
		return fail("password-throttle", "other client got %d", code)
	}
	return pass("password-throttle", "statuses %v, other client unaffected", codes)
}

func testHSTS(s *suite) testResult {
	r := rule("hsts", "/hsts", "https://example.com/secure")
	r["hsts"] = map[string]any{"enabled": true, "maxAge": 31536000, "includeSubDomains": true, "preload": true}
	if err := s.publish(r); err != nil {
		return fail("hsts", "%v", err)
	}
	resp, err := noRedirect.Get(s.inst.base + "/hsts")
	if err != nil {
		return fail("hsts", "%v", err)
	}
	resp.Body.Close()
	want := "max-age=31536000; includeSubDomains; preload"
	if got := resp.Header.Get("Strict-Transport-Security"); got != want {
		return fail("hsts", "header %q, want %q", got, want)
	}
	return pass("hsts", "Strict-Transport-Security: %s", want)
}

func testExpiry(s *suite) testResult {
	expired := rule("expired", "/expired", "https://example.com/old")
	expired["expiresAt"] = time.Now().Add(-time.Hour).UnixMilli()
	exhausted := rule("exhausted", "/exhausted", "https://example.com/old")
	exhausted["maxClicks"] = 5
	exhausted["clicks"] = 5
	live := rule("live", "/live", "https://example.com/live")
	live["expiresAt"] = time.Now().Add(time.Hour).UnixMilli()

	s.auth.upsert(expired)
	s.auth.upsert(exhausted)
	if err := s.publish(live); err != nil {
		return fail("expiry", "%v", err)
	}
	for _, p := range []string{"/expired", "/exhausted"} {
		if code, _ := s.get(p, nil); code != http.StatusNotFound {
			return fail("expiry", "%s returned %d", p, code)
		}
	}
	return pass("expiry", "expired and exhausted → 404, live rule redirects")
}

func testUpdateAndDelete(s *suite) testResult {
	if err := s.publish(rule("mut", "/mut", "https://example.com/v1")); err != nil {
		return fail("update-delete", "%v", err)
	}
	s.auth.upsert(rule("mut", "/mut", "https://example.com/v2"))
	err := pollUntil(5*time.Second, "update applied", func() bool {
		_, loc := s.get("/mut", nil)
		return loc == "https://example.com/v2"
	})
	if err != nil {
		return fail("update-delete", "%v", err)
	}
	s.auth.remove("mut")
	err = pollUntil(5*time.Second, "delete applied", func() bool {
		code, _ := s.get("/mut", nil)
		return code == http.StatusNotFound
	})
	if err != nil {
		return fail("update-delete", "%v", err)
	}
	return pass("update-delete", "update then delete applied")
}

func testReconnectSnapshot(s *suite) testResult {
	if err := s.publish(rule("stale", "/stale", "https://example.com/stale")); err != nil {
		return fail("reconnect", "%v", err)
	}
	before := s.auth.connections()

	// The rule disappears while linkedge is not listening; only the
	// snapshot sent on reconnect can remove it.
	s.auth.removeSilently("stale")
	s.auth.dropSubscribers()

	err := pollUntil(10*time.Second, "reconnect", func() bool { return s.auth.connections() > before })
	if err != nil {
		return fail("reconnect", "%v", err)
	}
	err = pollUntil(5*time.Second, "stale rule swept", func() bool {
		code, _ := s.get("/stale", nil)
		return code == http.StatusNotFound
	})
	if err != nil {
		return fail("reconnect", "%v", err)
	}
	if code, _ := s.get("/basic", nil); code != http.StatusMovedPermanently {
		return fail("reconnect", "surviving rule returned %d", code)
	}
	return pass("reconnect", "reconnected and resynced from snapshot")
}

func testH2C(s *suite) testResult {
	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err := client.Get(s.inst.base + "/basic")
	if err != nil {
		return fail("h2c", "%v", err)
	}
	resp.Body.Close()
	if resp.ProtoMajor != 2 || resp.StatusCode != http.StatusMovedPermanently {
		return fail("h2c", "proto=%s status=%d", resp.Proto, resp.StatusCode)
	}
	return pass("h2c", "%s %d", resp.Proto, resp.StatusCode)
}

func testConcurrentBurst(s *suite) testResult {
	var redirects, notFound, errs int64
	var wg sync.WaitGroup

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := "/basic"
			if i%2 == 1 {
				path = fmt.Sprintf("/nope-%d", i)
			}
			code, _ := s.get(path, nil)
			switch code {
			case http.StatusMovedPermanently:
				atomic.AddInt64(&redirects, 1)
			case http.StatusNotFound:
				atomic.AddInt64(&notFound, 1)
			default:
				atomic.AddInt64(&errs, 1)
			}
		}(i)
	}
	wg.Wait()

	if errs == 0 && redirects == 100 {
		return pass("concurrent", "200 concurrent: %d redirects, %d not found, 0 errors", redirects, notFound)
	}
	return fail("concurrent", "200 concurrent: %d redirects, %d not found, %d errors", redirects, notFound, errs)
}

func testMetrics(s *suite) testResult {
	resp, err := httpClient.Get(s.inst.ops + "/metrics")
	if err != nil {
		return fail("metrics", "%v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	body := string(b)
	for _, want := range []string{
		`linkedge_requests_total{outcome="redirect"}`,
		`linkedge_requests_total{outcome="not_found"}`,
		`linkedge_requests_total{outcome="throttled"}`,
		"linkedge_stream_connected 1",
	} {
		if !strings.Contains(body, want) {
			return fail("metrics", "missing %s", want)
		}
	}
	return pass("metrics", "request and stream metrics exposed")
}
