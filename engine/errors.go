package engine

import (
	"fmt"

	"github.com/offcache/offcache/strategy"
)

// UnavailableError is the single top-level error surfaced to consumers
// when a strategy and every fallback are exhausted. It carries enough
// context for the host to offer a retry.
type UnavailableError struct {
	URL      string
	Strategy strategy.Name
	// Offline distinguishes total network failure from a genuine
	// application error response.
	Offline bool
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("resource unavailable: %s (strategy %s): %v", e.URL, e.Strategy, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}
