package pathstore

import (
	"fmt"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkedge/linkedge/internal/rule"
)

func newRule(id, path string) *rule.Rule {
	return &rule.Rule{ID: id, Path: path, Destination: "https://example.com/" + id}
}

func TestInsertFind(t *testing.T) {
	s := New()

	assert.False(t, s.Insert("/promo", newRule("1", "/promo")))
	assert.False(t, s.Insert("/promo/summer", newRule("2", "/promo/summer")))

	r, ok := s.Find("/promo")
	require.True(t, ok)
	assert.Equal(t, "1", r.ID)

	r, ok = s.Find("/promo/summer")
	require.True(t, ok)
	assert.Equal(t, "2", r.ID)

	t.Run("no prefix matching", func(t *testing.T) {
		_, ok := s.Find("/promo/summer/sale")
		assert.False(t, ok)
		_, ok = s.Find("/pro")
		assert.False(t, ok)
	})

	t.Run("intermediate node without rule", func(t *testing.T) {
		s.Insert("/x/y/z", newRule("3", "/x/y/z"))
		_, ok := s.Find("/x/y")
		assert.False(t, ok)
	})

	t.Run("empty segments are skipped", func(t *testing.T) {
		r, ok := s.Find("//promo//summer/")
		require.True(t, ok)
		assert.Equal(t, "2", r.ID)
	})

	assert.Equal(t, 3, s.Len())
}

func TestInsertReplaces(t *testing.T) {
	s := New()
	s.Insert("/a", newRule("old", "/a"))
	assert.True(t, s.Insert("/a", newRule("new", "/a")))

	r, ok := s.Find("/a")
	require.True(t, ok)
	assert.Equal(t, "new", r.ID)
	assert.Equal(t, 1, s.Len())
}

func TestRootPath(t *testing.T) {
	s := New()
	s.Insert("/", newRule("root", "/"))
	r, ok := s.Find("/")
	require.True(t, ok)
	assert.Equal(t, "root", r.ID)

	_, ok = s.Find("/anything")
	assert.False(t, ok)
}

func TestDelete(t *testing.T) {
	s := New()
	s.Insert("/a/b/c", newRule("abc", "/a/b/c"))
	s.Insert("/a", newRule("a", "/a"))

	removed, ok := s.Delete("/a/b/c")
	require.True(t, ok)
	assert.Equal(t, "abc", removed.ID)

	_, ok = s.Find("/a/b/c")
	assert.False(t, ok)
	_, ok = s.Find("/a")
	assert.True(t, ok, "sibling rule on ancestor must survive pruning")

	assert.Empty(t, s.root.children["a"].children, "empty branch should be pruned")

	_, ok = s.Delete("/a/b/c")
	assert.False(t, ok)
	_, ok = s.Delete("/missing")
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())
}

func TestDeleteKeepsDescendants(t *testing.T) {
	s := New()
	s.Insert("/a", newRule("a", "/a"))
	s.Insert("/a/b", newRule("ab", "/a/b"))

	_, ok := s.Delete("/a")
	require.True(t, ok)

	r, ok := s.Find("/a/b")
	require.True(t, ok)
	assert.Equal(t, "ab", r.ID)
}

func TestWalk(t *testing.T) {
	s := New()
	for _, p := range []string{"/", "/a", "/a/b", "/c"} {
		s.Insert(p, newRule(p, p))
	}

	var seen []string
	s.Walk(func(path string, r *rule.Rule) bool {
		seen = append(seen, path)
		return true
	})
	sort.Strings(seen)
	assert.Equal(t, []string{"/", "/a", "/a/b", "/c"}, seen)

	count := 0
	s.Walk(func(string, *rule.Rule) bool {
		count++
		return false
	})
	assert.Equal(t, 1, count)
}

func TestStore_Properties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("find after insert returns the last inserted rule", prop.ForAll(
		func(segs []string) bool {
			s := New()
			model := make(map[string]string)
			for i, seg := range segs {
				path := "/" + seg
				id := fmt.Sprintf("r%d", i)
				s.Insert(path, newRule(id, path))
				model[rule.CanonicalPath(path)] = id
			}
			for path, id := range model {
				r, ok := s.Find(path)
				if !ok || r.ID != id {
					return false
				}
			}
			return s.Len() == len(model)
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("delete removes only the targeted path", prop.ForAll(
		func(segs []string) bool {
			s := New()
			for _, seg := range segs {
				s.Insert("/k/"+seg, newRule(seg, "/k/"+seg))
			}
			if len(segs) == 0 {
				return true
			}
			victim := "/k/" + segs[0]
			s.Delete(victim)
			if _, ok := s.Find(victim); ok {
				return false
			}
			for _, seg := range segs {
				if "/k/"+seg == victim {
					continue
				}
				if _, ok := s.Find("/k/" + seg); !ok {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
