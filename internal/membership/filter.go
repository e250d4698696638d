// Package membership provides the probabilistic fast-reject filter placed in
// front of the path store. Positives must always be confirmed against the
// store; negatives are definitive for items added and not removed.
package membership

import (
	cuckoo "github.com/seiflotfy/cuckoofilter"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 10000

// Filter is a cuckoo filter sized for a fixed capacity. It is not safe for
// concurrent mutation; concurrent Has calls are safe when no writer runs.
type Filter struct {
	cf       *cuckoo.Filter
	capacity uint
}

// New returns a filter able to hold roughly capacity items.
func New(capacity int) *Filter {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Filter{
		cf:       cuckoo.NewFilter(uint(capacity)),
		capacity: uint(capacity),
	}
}

// Add inserts item. It returns false when the table is saturated; the caller
// must then rebuild at a larger capacity.
func (f *Filter) Add(item string) bool {
	return f.cf.Insert([]byte(item))
}

// Remove deletes one occurrence of item's fingerprint. Removing an item that
// was never added may evict a colliding fingerprint, so callers only remove
// items they know were added.
func (f *Filter) Remove(item string) bool {
	return f.cf.Delete([]byte(item))
}

// Has reports whether item may be present.
func (f *Filter) Has(item string) bool {
	return f.cf.Lookup([]byte(item))
}

// Count returns the number of fingerprints stored.
func (f *Filter) Count() int { return int(f.cf.Count()) }

// Capacity returns the configured capacity.
func (f *Filter) Capacity() int { return int(f.capacity) }

// Rebuild replaces the table with an empty one of the given capacity and
// re-adds items. It returns false if items do not fit, leaving the filter
// partially populated.
func (f *Filter) Rebuild(capacity int, items []string) bool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	f.cf = cuckoo.NewFilter(uint(capacity))
	f.capacity = uint(capacity)
	for _, it := range items {
		if !f.cf.Insert([]byte(it)) {
			return false
		}
	}
	return true
}
