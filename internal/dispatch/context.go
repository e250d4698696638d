package dispatch

import (
	"strings"

	"github.com/linkedge/linkedge/internal/rule"
	"github.com/linkedge/linkedge/internal/useragent"
)

// requestContext derives targeting inputs on first use so rules that never
// consult a dimension never pay for parsing it.
type requestContext struct {
	req            *Request
	classifier     *useragent.Classifier
	countryHeaders []string

	languages   []string
	langParsed  bool
	info        useragent.Info
	infoParsed  bool
	countryCode string
	countryRead bool
}

func (rc *requestContext) matches(p rule.Predicate) bool {
	switch p := p.(type) {
	case rule.LanguagePredicate:
		for _, tag := range rc.acceptLanguages() {
			if strings.HasPrefix(tag, p.Tag) {
				return true
			}
		}
	case rule.DevicePredicate:
		return p.Class.Known() && rc.device().Matches(p.Class)
	case rule.CountryPredicate:
		c := rc.country()
		return c != "" && c == p.Code
	}
	return false
}

// acceptLanguages returns the lowercase language tags of Accept-Language
// without quality values, in header order.
func (rc *requestContext) acceptLanguages() []string {
	if rc.langParsed {
		return rc.languages
	}
	rc.langParsed = true
	rc.languages = parseAcceptLanguage(rc.header("Accept-Language"))
	return rc.languages
}

func parseAcceptLanguage(h string) []string {
	if h == "" {
		return nil
	}
	parts := strings.Split(strings.ToLower(h), ",")
	tags := make([]string, 0, len(parts))
	for _, part := range parts {
		tag, _, _ := strings.Cut(part, ";")
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

func (rc *requestContext) device() useragent.Info {
	if rc.infoParsed {
		return rc.info
	}
	rc.infoParsed = true
	ua := rc.header("User-Agent")
	if rc.classifier != nil {
		rc.info = rc.classifier.Classify(ua)
	} else if ua != "" {
		rc.info = useragent.Parse(ua)
	}
	return rc.info
}

// country returns the first non-empty configured geo header, lowercased.
func (rc *requestContext) country() string {
	if rc.countryRead {
		return rc.countryCode
	}
	rc.countryRead = true
	for _, name := range rc.countryHeaders {
		if v := strings.TrimSpace(rc.header(name)); v != "" {
			rc.countryCode = strings.ToLower(v)
			break
		}
	}
	return rc.countryCode
}

func (rc *requestContext) header(name string) string {
	if rc.req.Header == nil {
		return ""
	}
	return rc.req.Header.Get(name)
}
