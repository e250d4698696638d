// Package useragent classifies User-Agent strings into the device and OS
// families used by targeting rules and visit reports.
package useragent

import (
	"strings"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/mileusna/useragent"

	"github.com/linkedge/linkedge/internal/rule"
)

// DefaultCacheSize is used when a non-positive size is configured.
const DefaultCacheSize = 1000

// Info is the classification of one User-Agent string.
type Info struct {
	// Device is mobile, tablet or desktop. Empty when the string carries no
	// usable hint.
	Device rule.DeviceClass
	// Platform is ios or android, empty otherwise.
	Platform rule.DeviceClass
	OS       string
	Browser  string
	Bot      bool
}

// Matches reports whether class names either the form factor or the platform.
func (i Info) Matches(class rule.DeviceClass) bool {
	if class == "" {
		return false
	}
	return i.Device == class || i.Platform == class
}

// DeviceType returns the form factor reported to analytics, "bot" for
// crawlers.
func (i Info) DeviceType() string {
	if i.Bot {
		return "bot"
	}
	return string(i.Device)
}

// Classifier parses User-Agent strings and memoizes the results in a bounded
// cache shared by all requests.
type Classifier struct {
	cache *ristretto.Cache[string, Info]
}

// NewClassifier returns a classifier caching up to size parsed strings.
func NewClassifier(size int) *Classifier {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, Info]{
		NumCounters: int64(size) * 10,
		MaxCost:     int64(size),
		BufferItems: 64,
		// Each entry costs 1, so MaxCost is an entry count.
		IgnoreInternalCost: true,
	})
	if err != nil {
		// Only fails with invalid config; the values above are always valid.
		panic("ristretto: " + err.Error())
	}
	return &Classifier{cache: cache}
}

// Classify returns the classification of ua.
func (c *Classifier) Classify(ua string) Info {
	if ua == "" {
		return Info{}
	}
	if info, ok := c.cache.Get(ua); ok {
		return info
	}
	info := Parse(ua)
	c.cache.Set(ua, info, 1)
	return info
}

// Close releases the cache. Safe to call multiple times.
func (c *Classifier) Close() {
	if c.cache != nil {
		c.cache.Close()
	}
}

// Parse classifies ua without caching.
func Parse(ua string) Info {
	p := useragent.Parse(ua)
	info := Info{
		OS:      p.OS,
		Browser: p.Name,
		Bot:     p.Bot,
	}
	switch {
	case p.Tablet:
		info.Device = rule.DeviceTablet
	case p.Mobile:
		info.Device = rule.DeviceMobile
	case p.Desktop:
		info.Device = rule.DeviceDesktop
	}
	switch {
	case p.OS == useragent.IOS, strings.Contains(ua, "iPad"):
		info.Platform = rule.DeviceIOS
	case p.OS == useragent.Android:
		info.Platform = rule.DeviceAndroid
	}
	return info
}
