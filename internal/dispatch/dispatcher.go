// Package dispatch turns a request path into a redirect decision. The
// pipeline exits early at the first stage that settles the outcome: fast
// reject, authoritative lookup, expiry, password gate, targeting, A/B split.
package dispatch

import (
	"context"
	"crypto/subtle"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linkedge/linkedge/internal/analytics"
	"github.com/linkedge/linkedge/internal/observability"
	"github.com/linkedge/linkedge/internal/routing"
	"github.com/linkedge/linkedge/internal/rule"
	"github.com/linkedge/linkedge/internal/useragent"
)

// Outcome is the kind of decision returned by Execute.
type Outcome int

const (
	NotFound Outcome = iota
	Redirect
	PasswordRequired
)

func (o Outcome) String() string {
	switch o {
	case Redirect:
		return observability.OutcomeRedirect
	case PasswordRequired:
		return observability.OutcomePasswordRequired
	}
	return observability.OutcomeNotFound
}

// Decision is the result of dispatching one request.
type Decision struct {
	Outcome Outcome
	Rule    *rule.Rule

	// Set for Redirect.
	Destination string
	Code        int
	// HSTS is the Strict-Transport-Security value, empty when disabled.
	HSTS string

	// PasswordError is set for PasswordRequired when a wrong password was
	// submitted.
	PasswordError bool
}

// PasswordFunc returns the submitted password and whether one was supplied.
// It is only called for password-protected rules.
type PasswordFunc func() (string, bool)

// Request carries what the pipeline may inspect. Header and URL may be nil.
type Request struct {
	Path      string
	Header    http.Header
	ClientIP  string
	URL       *url.URL
	RequestID string
	Password  PasswordFunc
}

// Lookup is the read side of the routing table.
type Lookup interface {
	Lookup(path string) (*rule.Rule, routing.Result)
}

// Toucher records request hits for eviction ordering.
type Toucher interface {
	Touch(path string)
}

// Recorder accepts visits for asynchronous reporting.
type Recorder interface {
	Record(v analytics.Visit)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRand replaces the A/B draw source; fn returns a value in [0,1).
func WithRand(fn func() float64) Option {
	return func(d *Dispatcher) { d.rand = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithCountryHeaders sets the headers consulted for the edge country, in
// priority order.
func WithCountryHeaders(headers []string) Option {
	return func(d *Dispatcher) { d.countryHeaders = headers }
}

// WithToucher reports hits to an eviction tracker.
func WithToucher(t Toucher) Option {
	return func(d *Dispatcher) { d.toucher = t }
}

// WithRecorder reports redirects to an analytics sink.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// DefaultCountryHeaders are the edge geo headers checked when none are
// configured.
var DefaultCountryHeaders = []string{"CF-IPCountry", "X-Vercel-IP-Country", "X-Country-Code"}

// Dispatcher evaluates requests against the routing table. It is safe for
// concurrent use.
type Dispatcher struct {
	table      Lookup
	classifier *useragent.Classifier
	metrics    *observability.Metrics
	tracer     trace.Tracer

	toucher        Toucher
	recorder       Recorder
	countryHeaders []string
	rand           func() float64
	now            func() time.Time
}

// New returns a dispatcher reading from table.
func New(table Lookup, classifier *useragent.Classifier, metrics *observability.Metrics, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		table:          table,
		classifier:     classifier,
		metrics:        metrics,
		tracer:         observability.Tracer(),
		countryHeaders: DefaultCountryHeaders,
		rand:           rand.Float64,
		now:            time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Execute runs the pipeline for req.
func (d *Dispatcher) Execute(ctx context.Context, req Request) Decision {
	_, span := d.tracer.Start(ctx, "dispatch.Execute",
		trace.WithAttributes(attribute.String("linkedge.path", req.Path)))
	defer span.End()

	dec := d.execute(req)

	span.SetAttributes(attribute.String("linkedge.outcome", dec.Outcome.String()))
	if dec.Outcome == Redirect {
		span.SetAttributes(attribute.Int("http.response.status_code", dec.Code))
	}
	if dec.PasswordError {
		span.SetStatus(codes.Error, "password mismatch")
	}
	return dec
}

func (d *Dispatcher) execute(req Request) Decision {
	path := rule.CanonicalPath(req.Path)

	r, res := d.table.Lookup(path)
	switch res {
	case routing.Rejected:
		d.metrics.IncFilterReject()
		return Decision{Outcome: NotFound}
	case routing.FalsePositive:
		d.metrics.IncFalsePositive()
		return Decision{Outcome: NotFound}
	}
	if d.toucher != nil {
		d.toucher.Touch(path)
	}

	if r.Expired(d.now()) {
		return Decision{Outcome: NotFound, Rule: r}
	}

	if r.PasswordRequired() {
		if dec, ok := checkPassword(r, req.Password); !ok {
			return dec
		}
	}

	rc := requestContext{req: &req, classifier: d.classifier, countryHeaders: d.countryHeaders}
	destination, targeted := d.target(r, &rc)
	if !targeted {
		destination = d.split(r)
	}

	code := r.Code
	if code == 0 {
		code = rule.StatusMovedPermanently
	}
	dec := Decision{Outcome: Redirect, Rule: r, Destination: destination, Code: code}
	if r.HSTS != nil && r.HSTS.Enabled {
		dec.HSTS = r.HSTS.HeaderValue()
	}

	if d.recorder != nil {
		info := rc.device()
		d.recorder.Record(analytics.Visit{
			Path:        path,
			Destination: destination,
			Status:      code,
			ClientIP:    req.ClientIP,
			Header:      req.Header,
			URL:         req.URL,
			RequestID:   req.RequestID,
			Time:        d.now(),
			DeviceType:  info.DeviceType(),
			Browser:     info.Browser,
			OS:          info.OS,
		})
	}
	return dec
}

// checkPassword returns ok when the submitted password matches.
func checkPassword(r *rule.Rule, provide PasswordFunc) (Decision, bool) {
	if provide == nil {
		return Decision{Outcome: PasswordRequired, Rule: r}, false
	}
	given, supplied := provide()
	if !supplied {
		return Decision{Outcome: PasswordRequired, Rule: r}, false
	}
	if subtle.ConstantTimeCompare([]byte(given), []byte(r.Password.Password)) != 1 {
		return Decision{Outcome: PasswordRequired, Rule: r, PasswordError: true}, false
	}
	return Decision{}, true
}

// target returns the destination of the first matching targeting rule.
func (d *Dispatcher) target(r *rule.Rule, rc *requestContext) (string, bool) {
	if r.Targeting == nil || !r.Targeting.Enabled {
		return "", false
	}
	for _, tr := range r.Targeting.Rules {
		if rc.matches(tr.Predicate()) {
			return tr.Destination, true
		}
	}
	return "", false
}

// split draws a value in [0,100) and returns the first variation whose
// cumulative weight exceeds it, or the default destination.
func (d *Dispatcher) split(r *rule.Rule) string {
	if r.ABTesting == nil || !r.ABTesting.Enabled || len(r.ABTesting.Variations) == 0 {
		return r.Destination
	}
	draw := d.rand() * 100
	cumulative := 0.0
	for _, v := range r.ABTesting.Variations {
		cumulative += v.Weight
		if draw < cumulative {
			return v.Destination
		}
	}
	return r.Destination
}
