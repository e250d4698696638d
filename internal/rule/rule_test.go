package rule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestDecodeAndPrepare(t *testing.T) {
	t.Run("full payload", func(t *testing.T) {
		raw := `{
			"id": "r1", "path": "promo/", "destination": "https://example.com", "code": 302,
			"targeting": {"enabled": true, "rules": [
				{"id": "t1", "target": "Language", "value": "FR", "destination": "https://fr.example.com"},
				{"id": "t2", "target": "device", "value": "iOS", "destination": "https://ios.example.com"},
				{"id": "t3", "target": "country", "value": "de", "destination": "https://de.example.com"}
			]},
			"ab_testing": {"enabled": true, "variations": [{"id": "a", "destination": "https://a.example.com", "weight": 50}]},
			"hsts": {"enabled": true, "maxAge": 31536000, "includeSubDomains": true, "preload": true},
			"password_protection": {"enabled": true, "password": "secret"},
			"expiresAt": 4102444800000, "maxClicks": 10, "clicks": 3
		}`
		r, err := Decode([]byte(raw))
		require.NoError(t, err)
		require.NoError(t, r.Prepare())

		assert.Equal(t, "/promo", r.Path)
		assert.Equal(t, 302, r.Code)
		require.Len(t, r.Targeting.Rules, 3)
		assert.Equal(t, LanguagePredicate{Tag: "fr"}, r.Targeting.Rules[0].Predicate())
		assert.Equal(t, DevicePredicate{Class: DeviceIOS}, r.Targeting.Rules[1].Predicate())
		assert.Equal(t, CountryPredicate{Code: "de"}, r.Targeting.Rules[2].Predicate())
		assert.True(t, r.PasswordRequired())
		assert.Equal(t, "max-age=31536000; includeSubDomains; preload", r.HSTS.HeaderValue())
	})

	t.Run("code defaults to 301", func(t *testing.T) {
		r := &Rule{ID: "1", Path: "/a", Destination: "https://x.example"}
		require.NoError(t, r.Prepare())
		assert.Equal(t, StatusMovedPermanently, r.Code)
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := Decode([]byte(`{"id":`))
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	base := func() *Rule {
		return &Rule{ID: "1", Path: "/a", Destination: "https://x.example"}
	}

	tests := []struct {
		name   string
		mutate func(r *Rule)
		errMsg string
	}{
		{"missing path", func(r *Rule) { r.Path = "" }, "Rule.Path is required"},
		{"missing id", func(r *Rule) { r.ID = "" }, "Rule.ID is required"},
		{"javascript destination", func(r *Rule) { r.Destination = "javascript:alert(1)" }, "absolute http or https URL"},
		{"relative destination", func(r *Rule) { r.Destination = "/elsewhere" }, "absolute http or https URL"},
		{"bad code", func(r *Rule) { r.Code = 307 }, "must be one of"},
		{"unknown target", func(r *Rule) {
			r.Targeting = &Targeting{Enabled: true, Rules: []TargetingRule{{Target: "city", Value: "x", Destination: "https://y.example"}}}
		}, "must be one of"},
		{"weight above 100", func(r *Rule) {
			r.ABTesting = &ABTesting{Enabled: true, Variations: []Variation{{Destination: "https://y.example", Weight: 120}}}
		}, "out of range"},
		{"negative hsts max age", func(r *Rule) { r.HSTS = &HSTS{Enabled: true, MaxAge: -1} }, "out of range"},
		{"negative max clicks", func(r *Rule) { r.MaxClicks = ptr(int64(-1)) }, "out of range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base()
			tt.mutate(r)
			err := Validate(r)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidRule)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	t.Run("nil rule", func(t *testing.T) {
		assert.ErrorIs(t, Validate(nil), ErrInvalidRule)
	})
}

func TestExpired(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)

	r := &Rule{}
	assert.False(t, r.Expired(now))

	r.ExpiresAt = ptr(now.Add(-time.Second).UnixMilli())
	assert.True(t, r.Expired(now))

	r.ExpiresAt = ptr(now.Add(time.Hour).UnixMilli())
	assert.False(t, r.Expired(now))

	r.MaxClicks = ptr(int64(5))
	r.Clicks = 4
	assert.False(t, r.Expired(now))
	r.Clicks = 5
	assert.True(t, r.Expired(now))
}

func TestZeroMaxClicksIsExhausted(t *testing.T) {
	r := &Rule{ID: "1", Path: "/a", Destination: "https://x.example", MaxClicks: ptr(int64(0))}
	require.NoError(t, r.Prepare())
	assert.True(t, r.Expired(time.Now()))
}

func TestPrepareFoldsTargetingCase(t *testing.T) {
	r := &Rule{ID: "1", Path: "/a", Destination: "https://x.example", Targeting: &Targeting{
		Enabled: true,
		Rules: []TargetingRule{
			{Target: " Device ", Value: "Android", Destination: "https://android.example"},
			{Target: "COUNTRY", Value: "JP", Destination: "https://jp.example"},
		},
	}}
	require.NoError(t, r.Prepare())
	assert.Equal(t, "device", r.Targeting.Rules[0].Target)
	assert.Equal(t, DevicePredicate{Class: DeviceAndroid}, r.Targeting.Rules[0].Predicate())
	assert.Equal(t, CountryPredicate{Code: "jp"}, r.Targeting.Rules[1].Predicate())
}

func TestHSTSHeaderValue(t *testing.T) {
	assert.Equal(t, "max-age=0", (&HSTS{}).HeaderValue())
	assert.Equal(t, "max-age=60; preload", (&HSTS{MaxAge: 60, Preload: true}).HeaderValue())
}

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"promo":   "/promo",
		"/promo/": "/promo",
		"/":       "/",
		"///":     "/",
		" /a/b ":  "/a/b",
		"a//b/":   "/a/b",
		"":        "/",
	}
	for in, want := range cases {
		assert.Equal(t, want, CanonicalPath(in), in)
	}
}

func TestDecodeRef(t *testing.T) {
	ref, err := DecodeRef([]byte(`{"id":"abc"}`))
	require.NoError(t, err)
	assert.Equal(t, Ref{ID: "abc"}, ref)

	ref, err = DecodeRef([]byte(`{"path":"x/"}`))
	require.NoError(t, err)
	assert.Equal(t, "/x", ref.Path)

	_, err = DecodeRef([]byte(`{}`))
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestDeviceClassKnown(t *testing.T) {
	assert.True(t, DeviceAndroid.Known())
	assert.False(t, DeviceClass("watch").Known())
}
