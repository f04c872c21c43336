// Package router maps request paths to caching strategies and stores.
package router

import (
	"net/http"
	"sort"

	"github.com/offcache/offcache/strategy"
)

// Mapping binds a path prefix to a strategy and a store.
type Mapping struct {
	Prefix   string
	Strategy strategy.Name
	Store    string
}

// Table is an immutable route table. Matching is longest-prefix-wins.
// Tables are only rebuilt when a new engine version is configured.
type Table struct {
	mappings []Mapping
	fallback Mapping
}

// New builds a table from the given mappings. Paths matching no mapping
// route to network-first against the default store.
func New(mappings []Mapping, defaultStore string) *Table {
	sorted := make([]Mapping, len(mappings))
	copy(sorted, mappings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	return &Table{
		mappings: sorted,
		fallback: Mapping{Strategy: strategy.NetworkFirst, Store: defaultStore},
	}
}

// Route returns the mapping for the given request path.
func (t *Table) Route(path string) Mapping {
	for _, m := range t.mappings {
		if hasPrefix(path, m.Prefix) {
			return m
		}
	}
	return t.fallback
}

// Routable reports whether a request method is eligible for caching
// strategies. Mutating methods always bypass the route table.
func Routable(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func hasPrefix(path, prefix string) bool {
	return len(path) >= len(prefix) && path[:len(prefix)] == prefix
}
