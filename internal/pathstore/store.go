// Package pathstore implements an exact-match segment trie keyed by URL path.
//
// Paths are split on "/" and empty segments are skipped, so "/a//b/" and
// "/a/b" address the same node and "/" addresses the root. Store is not safe
// for concurrent mutation; the routing table serializes access.
package pathstore

import (
	"strings"

	"github.com/linkedge/linkedge/internal/rule"
)

type node struct {
	children map[string]*node
	rule     *rule.Rule
}

// Store maps paths to rules.
type Store struct {
	root node
	size int
}

// New returns an empty store.
func New() *Store {
	return &Store{}
}

// Insert stores r at path, overwriting any previous rule. It reports whether
// a rule was already present.
func (s *Store) Insert(path string, r *rule.Rule) (replaced bool) {
	n := &s.root
	for seg := range segments(path) {
		child, ok := n.children[seg]
		if !ok {
			if n.children == nil {
				n.children = make(map[string]*node, 1)
			}
			child = &node{}
			n.children[seg] = child
		}
		n = child
	}
	replaced = n.rule != nil
	n.rule = r
	if !replaced {
		s.size++
	}
	return replaced
}

// Find returns the rule stored at exactly path.
func (s *Store) Find(path string) (*rule.Rule, bool) {
	n := &s.root
	for seg := range segments(path) {
		child, ok := n.children[seg]
		if !ok {
			return nil, false
		}
		n = child
	}
	if n.rule == nil {
		return nil, false
	}
	return n.rule, true
}

// Delete removes the rule at path and prunes ancestors left with neither a
// rule nor children. It returns the removed rule.
func (s *Store) Delete(path string) (*rule.Rule, bool) {
	type step struct {
		parent *node
		seg    string
	}
	var trail []step

	n := &s.root
	for seg := range segments(path) {
		child, ok := n.children[seg]
		if !ok {
			return nil, false
		}
		trail = append(trail, step{parent: n, seg: seg})
		n = child
	}
	if n.rule == nil {
		return nil, false
	}
	removed := n.rule
	n.rule = nil
	s.size--

	for i := len(trail) - 1; i >= 0; i-- {
		child := trail[i].parent.children[trail[i].seg]
		if child.rule != nil || len(child.children) > 0 {
			break
		}
		delete(trail[i].parent.children, trail[i].seg)
	}
	return removed, true
}

// Len returns the number of stored rules.
func (s *Store) Len() int { return s.size }

// Walk calls fn for every stored rule until fn returns false. Order is
// unspecified.
func (s *Store) Walk(fn func(path string, r *rule.Rule) bool) {
	walk(&s.root, "", fn)
}

func walk(n *node, prefix string, fn func(string, *rule.Rule) bool) bool {
	if n.rule != nil {
		p := prefix
		if p == "" {
			p = "/"
		}
		if !fn(p, n.rule) {
			return false
		}
	}
	for seg, child := range n.children {
		if !walk(child, prefix+"/"+seg, fn) {
			return false
		}
	}
	return true
}

// segments yields the non-empty segments of path without allocating a slice.
func segments(path string) func(yield func(string) bool) {
	return func(yield func(string) bool) {
		rest := path
		for rest != "" {
			var seg string
			seg, rest, _ = strings.Cut(rest, "/")
			if seg == "" {
				continue
			}
			if !yield(seg) {
				return
			}
		}
	}
}
