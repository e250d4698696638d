// Package rule defines the redirect rule model shared by the routing table,
// the sync coordinator and the request dispatcher, together with its wire
// decoding, validation and normalization.
package rule

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidRule is returned (wrapped) for payloads that decode but fail
// validation.
var ErrInvalidRule = errors.New("invalid rule")

// Redirect status codes accepted on rules.
const (
	StatusMovedPermanently = 301
	StatusFound            = 302
)

// Rule is a single redirect rule keyed by Path.
type Rule struct {
	ID          string              `json:"id"                            validate:"required"`
	Path        string              `json:"path"                          validate:"required"`
	Destination string              `json:"destination"                   validate:"required,redirect_url"`
	Code        int                 `json:"code,omitempty"                validate:"omitempty,oneof=301 302"`
	Targeting   *Targeting          `json:"targeting,omitempty"           validate:"omitempty"`
	ABTesting   *ABTesting          `json:"ab_testing,omitempty"          validate:"omitempty"`
	HSTS        *HSTS               `json:"hsts,omitempty"                validate:"omitempty"`
	Password    *PasswordProtection `json:"password_protection,omitempty" validate:"omitempty"`

	// ExpiresAt is an absolute deadline in epoch milliseconds.
	ExpiresAt *int64 `json:"expiresAt,omitempty" validate:"omitempty,gt=0"`
	MaxClicks *int64 `json:"maxClicks,omitempty" validate:"omitempty,gte=0"`
	// Clicks is maintained by the rule authority and only read here.
	Clicks int64 `json:"clicks,omitempty" validate:"gte=0"`
}

// Targeting holds ordered audience rules. The first match wins.
type Targeting struct {
	Enabled bool            `json:"enabled"`
	Rules   []TargetingRule `json:"rules" validate:"dive"`
}

// TargetingRule is the wire form of one targeting entry. Predicate is
// populated by Prepare.
type TargetingRule struct {
	ID          string `json:"id"`
	Target      string `json:"target"      validate:"required,oneof=language device country"`
	Value       string `json:"value"       validate:"required"`
	Destination string `json:"destination" validate:"required,redirect_url"`

	predicate Predicate
}

// Predicate returns the compiled predicate, or nil before Prepare.
func (tr TargetingRule) Predicate() Predicate { return tr.predicate }

// ABTesting splits traffic across weighted variations.
type ABTesting struct {
	Enabled    bool        `json:"enabled"`
	Variations []Variation `json:"variations" validate:"dive"`
}

// Variation is one A/B arm. Weight is a percentage in [0,100].
type Variation struct {
	ID          string  `json:"id"`
	Destination string  `json:"destination" validate:"required,redirect_url"`
	Weight      float64 `json:"weight"      validate:"gte=0,lte=100"`
}

// HSTS configures the Strict-Transport-Security header sent with redirects.
type HSTS struct {
	Enabled           bool  `json:"enabled"`
	MaxAge            int64 `json:"maxAge,omitempty"            validate:"gte=0"`
	IncludeSubDomains bool  `json:"includeSubDomains,omitempty"`
	Preload           bool  `json:"preload,omitempty"`
}

// HeaderValue renders the header, e.g. "max-age=31536000; includeSubDomains; preload".
func (h *HSTS) HeaderValue() string {
	var b strings.Builder
	b.WriteString("max-age=")
	b.WriteString(strconv.FormatInt(h.MaxAge, 10))
	if h.IncludeSubDomains {
		b.WriteString("; includeSubDomains")
	}
	if h.Preload {
		b.WriteString("; preload")
	}
	return b.String()
}

// PasswordProtection gates a rule behind a shared password.
type PasswordProtection struct {
	Enabled  bool   `json:"enabled"`
	Password string `json:"password"`
}

// Ref identifies a rule for deletion. Either field may be empty.
type Ref struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// Decode parses a rule payload. It does not validate.
func Decode(data []byte) (*Rule, error) {
	var r Rule
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding rule: %w", err)
	}
	return &r, nil
}

// DecodeRef parses a delete payload.
func DecodeRef(data []byte) (Ref, error) {
	var ref Ref
	if err := json.Unmarshal(data, &ref); err != nil {
		return Ref{}, fmt.Errorf("decoding rule reference: %w", err)
	}
	if ref.ID == "" && ref.Path == "" {
		return Ref{}, fmt.Errorf("%w: delete requires id or path", ErrInvalidRule)
	}
	if ref.Path != "" {
		ref.Path = CanonicalPath(ref.Path)
	}
	return ref, nil
}

// Prepare validates r and normalizes it in place. It is the single entry
// point used before a rule is published to the routing table.
func (r *Rule) Prepare() error {
	if r != nil {
		r.foldTargeting()
	}
	if err := Validate(r); err != nil {
		return err
	}
	r.normalize()
	return nil
}

// foldTargeting lowercases targeting keys and values so "Language" and
// "language" validate and compare the same.
func (r *Rule) foldTargeting() {
	if r.Targeting == nil {
		return
	}
	for i := range r.Targeting.Rules {
		tr := &r.Targeting.Rules[i]
		tr.Target = strings.ToLower(strings.TrimSpace(tr.Target))
		tr.Value = strings.ToLower(strings.TrimSpace(tr.Value))
	}
}

func (r *Rule) normalize() {
	r.Path = CanonicalPath(r.Path)
	if r.Code == 0 {
		r.Code = StatusMovedPermanently
	}
	if r.Targeting != nil {
		for i := range r.Targeting.Rules {
			tr := &r.Targeting.Rules[i]
			tr.predicate = compilePredicate(tr.Target, tr.Value)
		}
	}
}

// Expired reports whether the rule is past its deadline or click budget.
func (r *Rule) Expired(now time.Time) bool {
	if r.ExpiresAt != nil && now.UnixMilli() > *r.ExpiresAt {
		return true
	}
	if r.MaxClicks != nil && r.Clicks >= *r.MaxClicks {
		return true
	}
	return false
}

// PasswordRequired reports whether requests must present a password.
func (r *Rule) PasswordRequired() bool {
	return r.Password != nil && r.Password.Enabled
}

// CanonicalPath collapses empty segments and returns the path with a single
// leading slash and no trailing slash, so "a//b/" becomes "/a/b". The result
// matches how the path store addresses nodes.
func CanonicalPath(p string) string {
	if p == "/" {
		return p
	}
	parts := strings.Split(strings.TrimSpace(p), "/")
	kept := parts[:0]
	for _, seg := range parts {
		if seg != "" {
			kept = append(kept, seg)
		}
	}
	return "/" + strings.Join(kept, "/")
}
