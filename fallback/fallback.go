// Package fallback supplies substitute responses for requests where both
// network and cache have failed. It keeps its own prefix table, separate
// from the route table: a path may be network-first for data yet still
// have a canned offline payload.
package fallback

import (
	"sort"
	"strings"

	"github.com/offcache/offcache/pkg/snapshot"
)

// Entry binds a path prefix to a canned response.
type Entry struct {
	Prefix   string
	Response *snapshot.Response
}

// Resolver is an immutable longest-prefix lookup over fallback entries.
type Resolver struct {
	entries []Entry
}

func New(entries []Entry) *Resolver {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	return &Resolver{entries: sorted}
}

// Resolve returns the fallback response for the given path, if any.
// Absence means the caller must surface an offline error to the consumer.
func (r *Resolver) Resolve(path string) (*snapshot.Response, bool) {
	for _, e := range r.entries {
		if strings.HasPrefix(path, e.Prefix) {
			return e.Response, true
		}
	}
	return nil, false
}
