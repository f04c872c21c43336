package cachekey

import (
	"fmt"
	"net/http"
	"strings"
)

var ErrMalformedKey = fmt.Errorf("malformed cache key")

const methodSeparator = ":"

// Key returns the cache key for a request.
// Keys are scoped to a single store, so the store name is not part of the key.
func Key(r *http.Request) string {
	return r.Method + methodSeparator + r.URL.RequestURI()
}

// RequestFromKey generates a caching-wise equal request to the request that
// resulted in the provided key. Used for revalidation and precache refresh.
func RequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found || method == "" || uri == "" {
		return nil, fmt.Errorf("%w: %s", ErrMalformedKey, key)
	}
	return http.NewRequest(method, uri, nil)
}

// URI returns the request URI part of a key, e.g. for cache listings.
func URI(key string) string {
	if _, uri, found := strings.Cut(key, methodSeparator); found {
		return uri
	}
	return key
}
