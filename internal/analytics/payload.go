// Package analytics reports redirect visits to the collection service. Visits
// are anonymized before they leave the process and delivered asynchronously;
// the request path never waits on the collector.
package analytics

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"time"
)

// ReferrerSource records where a referrer value came from.
type ReferrerSource string

const (
	ReferrerExplicit ReferrerSource = "explicit"
	ReferrerImplicit ReferrerSource = "implicit"
	ReferrerNone     ReferrerSource = "none"
)

// explicitParams are checked in order before falling back to the Referer
// header.
var explicitParams = [...]string{"utm_source", "ref", "source"}

// timestampLayout is ISO-8601 in UTC with millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// Payload is the JSON body POSTed to {collector}/v1/collect.
type Payload struct {
	Path           string         `json:"path"`
	Destination    string         `json:"destination"`
	Timestamp      string         `json:"timestamp"`
	IP             string         `json:"ip"`
	UserAgent      *string        `json:"user_agent"`
	Referrer       *string        `json:"referrer"`
	ReferrerSource ReferrerSource `json:"referrer_source"`
	Status         int            `json:"status"`
	RequestID      string         `json:"request_id,omitempty"`
	DeviceType     string         `json:"device_type,omitempty"`
	Browser        string         `json:"browser,omitempty"`
	OS             string         `json:"os,omitempty"`
}

// Visit is the raw material for a payload. ClientIP is hashed by Build and
// never copied into the payload as-is.
type Visit struct {
	Path        string
	Destination string
	Status      int
	ClientIP    string
	Header      http.Header
	URL         *url.URL
	RequestID   string
	Time        time.Time

	DeviceType string
	Browser    string
	OS         string
}

// Build turns a visit into a payload, hashing the client IP with salt.
func Build(v Visit, salt string) Payload {
	ts := v.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	var query url.Values
	if v.URL != nil {
		query = v.URL.Query()
	}
	ref, src := ResolveReferrer(query, v.Header)

	p := Payload{
		Path:           v.Path,
		Destination:    v.Destination,
		Timestamp:      ts.UTC().Format(timestampLayout),
		IP:             HashIP(v.ClientIP, salt),
		ReferrerSource: src,
		Status:         v.Status,
		RequestID:      v.RequestID,
		DeviceType:     v.DeviceType,
		Browser:        v.Browser,
		OS:             v.OS,
	}
	if ua := v.Header.Get("User-Agent"); ua != "" {
		p.UserAgent = &ua
	}
	if src != ReferrerNone {
		p.Referrer = &ref
	}
	return p
}

// ResolveReferrer picks the first non-empty explicit query parameter, then the
// Referer header.
func ResolveReferrer(query url.Values, header http.Header) (string, ReferrerSource) {
	for _, name := range explicitParams {
		if v := query.Get(name); v != "" {
			return v, ReferrerExplicit
		}
	}
	if v := header.Get("Referer"); v != "" {
		return v, ReferrerImplicit
	}
	return "", ReferrerNone
}

// HashIP returns the lowercase hex SHA-256 of salt+ip.
func HashIP(ip, salt string) string {
	sum := sha256.Sum256([]byte(salt + ip))
	return hex.EncodeToString(sum[:])
}
