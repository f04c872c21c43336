package engine

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/offcache/offcache/pkg/snapshot"
)

// originFetcher performs the network leg of every strategy against the
// configured origin. Each completed attempt also reports connectivity,
// which is how the engine tracks online/offline transitions.
type originFetcher struct {
	client *http.Client
	origin *url.URL
	// observe is called with the outcome of every fetch attempt.
	observe func(online bool)
}

func (f *originFetcher) Fetch(ctx context.Context, r *http.Request) (*snapshot.Response, error) {
	uri := f.origin.String() + r.URL.RequestURI()
	var body io.Reader
	if r.Body != nil && r.ContentLength != 0 {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, uri, body)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, r.Header)
	req.Header.Del("Connection")
	res, err := f.client.Do(req)
	if err != nil {
		f.observe(false)
		return nil, err
	}
	f.observe(true)
	defer res.Body.Close()
	return snapshot.Capture(res)
}

func copyHeader(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}
