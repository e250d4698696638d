package rule

// Predicate is a compiled targeting condition. The set of implementations is
// closed: LanguagePredicate, DevicePredicate and CountryPredicate.
type Predicate interface {
	predicate()
}

// LanguagePredicate matches when any Accept-Language tag starts with Tag.
type LanguagePredicate struct {
	Tag string
}

// DeviceClass is a lowercase device or OS family.
type DeviceClass string

const (
	DeviceMobile  DeviceClass = "mobile"
	DeviceTablet  DeviceClass = "tablet"
	DeviceDesktop DeviceClass = "desktop"
	DeviceIOS     DeviceClass = "ios"
	DeviceAndroid DeviceClass = "android"
)

// Known reports whether the class is one the classifier can produce.
func (d DeviceClass) Known() bool {
	switch d {
	case DeviceMobile, DeviceTablet, DeviceDesktop, DeviceIOS, DeviceAndroid:
		return true
	}
	return false
}

// DevicePredicate matches on form factor or OS family. Unknown classes never
// match.
type DevicePredicate struct {
	Class DeviceClass
}

// CountryPredicate matches the edge-provided country code.
type CountryPredicate struct {
	Code string
}

func (LanguagePredicate) predicate() {}
func (DevicePredicate) predicate()   {}
func (CountryPredicate) predicate()  {}

// compilePredicate expects lowercased inputs.
func compilePredicate(target, value string) Predicate {
	switch target {
	case "language":
		return LanguagePredicate{Tag: value}
	case "device":
		return DevicePredicate{Class: DeviceClass(value)}
	case "country":
		return CountryPredicate{Code: value}
	}
	return nil
}
