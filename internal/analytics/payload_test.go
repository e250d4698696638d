package analytics

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveReferrer(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		ref    string
		want   string
		source ReferrerSource
	}{
		{"utm_source wins", "utm_source=newsletter&ref=x&source=y", "https://a.example", "newsletter", ReferrerExplicit},
		{"ref before source", "ref=twitter&source=y", "", "twitter", ReferrerExplicit},
		{"source param", "source=qr", "", "qr", ReferrerExplicit},
		{"empty param skipped", "utm_source=&ref=hn", "", "hn", ReferrerExplicit},
		{"referer header", "", "https://news.example/item", "https://news.example/item", ReferrerImplicit},
		{"nothing", "", "", "", ReferrerNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			require.NoError(t, err)
			h := http.Header{}
			if tt.ref != "" {
				h.Set("Referer", tt.ref)
			}
			got, src := ResolveReferrer(q, h)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.source, src)
		})
	}
}

func TestHashIP(t *testing.T) {
	sum := sha256.Sum256([]byte("203.0.113.7"))
	assert.Equal(t, hex.EncodeToString(sum[:]), HashIP("203.0.113.7", ""))

	salted := HashIP("203.0.113.7", "pepper")
	assert.Len(t, salted, 64)
	assert.NotEqual(t, HashIP("203.0.113.7", ""), salted)
	assert.Equal(t, salted, HashIP("203.0.113.7", "pepper"))
}

func TestBuild(t *testing.T) {
	u, _ := url.Parse("https://sho.rt/promo?utm_source=mail")
	h := http.Header{}
	h.Set("User-Agent", "curl/8.0")
	ts := time.Date(2026, 3, 1, 12, 30, 45, 123_000_000, time.FixedZone("x", 3600))

	p := Build(Visit{
		Path:        "/promo",
		Destination: "https://example.com/landing",
		Status:      302,
		ClientIP:    "198.51.100.1",
		Header:      h,
		URL:         u,
		RequestID:   "req-1",
		Time:        ts,
		DeviceType:  "desktop",
	}, "")

	assert.Equal(t, "/promo", p.Path)
	assert.Equal(t, "https://example.com/landing", p.Destination)
	assert.Equal(t, "2026-03-01T11:30:45.123Z", p.Timestamp)
	assert.Equal(t, HashIP("198.51.100.1", ""), p.IP)
	require.NotNil(t, p.UserAgent)
	assert.Equal(t, "curl/8.0", *p.UserAgent)
	require.NotNil(t, p.Referrer)
	assert.Equal(t, "mail", *p.Referrer)
	assert.Equal(t, ReferrerExplicit, p.ReferrerSource)
	assert.Equal(t, 302, p.Status)
	assert.Equal(t, "desktop", p.DeviceType)
}

func TestBuildNeverLeaksRawIP(t *testing.T) {
	p := Build(Visit{Path: "/x", Destination: "https://e.com", Status: 301, ClientIP: "192.0.2.55"}, "salt")
	body, err := json.Marshal(p)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(body), "192.0.2.55"))
}

func TestBuildNullableFields(t *testing.T) {
	p := Build(Visit{Path: "/x", Destination: "https://e.com", Status: 301}, "")
	body, err := json.Marshal(p)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(body, &m))
	assert.Nil(t, m["user_agent"])
	assert.Nil(t, m["referrer"])
	assert.Equal(t, "none", m["referrer_source"])
	assert.NotContains(t, m, "device_type")
}
