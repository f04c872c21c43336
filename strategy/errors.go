package strategy

import (
	"errors"
	"fmt"
)

// ErrCacheMiss is returned by the cache-only strategy when no entry exists.
var ErrCacheMiss = errors.New("no cached response")

// NetworkError wraps a failed or timed-out network fetch.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network fetch failed for %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
