// Package strategy implements the interchangeable cache execution policies
// of the engine. Each strategy takes a request and a store and produces a
// response snapshot, failing over between cache and network as configured.
package strategy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/offcache/offcache/pkg/cachestatus"
	"github.com/offcache/offcache/pkg/snapshot"
	"github.com/offcache/offcache/store"
)

// Name identifies a caching strategy.
type Name string

const (
	CacheFirst           Name = "cache-first"
	NetworkFirst         Name = "network-first"
	StaleWhileRevalidate Name = "stale-while-revalidate"
	NetworkOnly          Name = "network-only"
	CacheOnly            Name = "cache-only"
)

// ParseName validates a strategy name, e.g. from a config file.
func ParseName(s string) (Name, error) {
	switch Name(s) {
	case CacheFirst, NetworkFirst, StaleWhileRevalidate, NetworkOnly, CacheOnly:
		return Name(s), nil
	}
	return "", fmt.Errorf("unknown strategy: %q", s)
}

// Fetcher performs the network leg of a strategy.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*snapshot.Response, error)
}

// DefaultNetworkTimeout bounds network fetches for the strategies that
// have a timeout (network-first, network-only).
const DefaultNetworkTimeout = 5 * time.Second

// Executor runs strategies against a fetcher and a store.
// A single executor is shared by all requests; the only cross-request
// state is the in-flight revalidation group.
type Executor struct {
	fetcher  Fetcher
	timeout  time.Duration
	inflight singleflight.Group
	log      zerolog.Logger
}

func NewExecutor(fetcher Fetcher, timeout time.Duration, logger zerolog.Logger) *Executor {
	if timeout <= 0 {
		timeout = DefaultNetworkTimeout
	}
	return &Executor{
		fetcher: fetcher,
		timeout: timeout,
		log:     logger,
	}
}

// Execute runs the named strategy for the request against the store.
// The returned status describes how the response was obtained.
func (e *Executor) Execute(ctx context.Context, name Name, req *http.Request, st *store.Store, key string) (*snapshot.Response, *cachestatus.Status, error) {
	status := &cachestatus.Status{}
	var res *snapshot.Response
	var err error
	switch name {
	case CacheFirst:
		res, err = e.cacheFirst(ctx, req, st, key, status)
	case NetworkFirst:
		res, err = e.networkFirst(ctx, req, st, key, status)
	case StaleWhileRevalidate:
		res, err = e.staleWhileRevalidate(ctx, req, st, key, status)
	case NetworkOnly:
		res, err = e.networkOnly(ctx, req, status)
	case CacheOnly:
		res, err = e.cacheOnly(st, key, status)
	default:
		err = fmt.Errorf("unknown strategy: %q", name)
	}
	return res, status, err
}

func (e *Executor) cacheFirst(ctx context.Context, req *http.Request, st *store.Store, key string, status *cachestatus.Status) (*snapshot.Response, error) {
	cached, ok, err := st.Get(key)
	if err != nil {
		e.log.Warn().Err(err).Str("key", key).Msg("Cache read failed")
	}
	if ok {
		status.Hit()
		return cached, nil
	}
	status.Forward(cachestatus.FwdMiss)
	res, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, &NetworkError{URL: req.URL.String(), Err: err}
	}
	e.maybeStore(st, key, res, status)
	return res, nil
}

func (e *Executor) networkFirst(ctx context.Context, req *http.Request, st *store.Store, key string, status *cachestatus.Status) (*snapshot.Response, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	res, err := e.fetcher.Fetch(fetchCtx, req)
	if err == nil && res.StatusCode < http.StatusInternalServerError {
		status.Forward(cachestatus.FwdMiss)
		e.maybeStore(st, key, res, status)
		return res, nil
	}
	if cached, ok, cacheErr := st.Get(key); cacheErr == nil && ok {
		status.Hit()
		status.Detail("network-failed")
		return cached, nil
	}
	if err != nil {
		return nil, &NetworkError{URL: req.URL.String(), Err: err}
	}
	// A 5xx with no cached fallback is a genuine application error and is
	// passed through unmodified.
	status.Forward(cachestatus.FwdMiss)
	return res, nil
}

func (e *Executor) staleWhileRevalidate(ctx context.Context, req *http.Request, st *store.Store, key string, status *cachestatus.Status) (*snapshot.Response, error) {
	cached, ok, err := st.Get(key)
	if err != nil {
		e.log.Warn().Err(err).Str("key", key).Msg("Cache read failed")
	}
	if ok {
		status.Hit()
		status.Detail("revalidating")
		e.revalidate(req, st, key)
		return cached, nil
	}
	status.Forward(cachestatus.FwdMiss)
	res, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, &NetworkError{URL: req.URL.String(), Err: err}
	}
	e.maybeStore(st, key, res, status)
	return res, nil
}

func (e *Executor) networkOnly(ctx context.Context, req *http.Request, status *cachestatus.Status) (*snapshot.Response, error) {
	status.Forward(cachestatus.FwdRequest)
	fetchCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	res, err := e.fetcher.Fetch(fetchCtx, req)
	if err != nil {
		return nil, &NetworkError{URL: req.URL.String(), Err: err}
	}
	return res, nil
}

func (e *Executor) cacheOnly(st *store.Store, key string, status *cachestatus.Status) (*snapshot.Response, error) {
	cached, ok, err := st.Get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		status.Forward(cachestatus.FwdMiss)
		return nil, fmt.Errorf("%w: %s", ErrCacheMiss, key)
	}
	status.Hit()
	return cached, nil
}

// revalidate refreshes the store in the background. Concurrent
// revalidations of the same store entry are coalesced into one fetch.
// The fetch is deliberately not tied to the request context: the caller
// already has its response, and the refresh benefits future requests.
func (e *Executor) revalidate(req *http.Request, st *store.Store, key string) {
	bgReq := req.Clone(context.Background())
	bgReq.Body = nil
	flightKey := st.Name() + "\x00" + key
	go func() {
		_, err, _ := e.inflight.Do(flightKey, func() (interface{}, error) {
			res, err := e.fetcher.Fetch(context.Background(), bgReq)
			if err != nil {
				return nil, err
			}
			if storable(res) {
				return nil, st.Put(key, res)
			}
			return nil, nil
		})
		if err != nil {
			e.log.Warn().Err(err).Str("key", key).Msg("Background revalidation failed")
		}
	}()
}

func (e *Executor) maybeStore(st *store.Store, key string, res *snapshot.Response, status *cachestatus.Status) {
	if !storable(res) {
		return
	}
	if err := st.Put(key, res); err != nil {
		e.log.Error().Err(err).Str("key", key).Msg("Could not write to cache")
		return
	}
	status.Stored()
}

// Only successful responses are cached.
func storable(res *snapshot.Response) bool {
	return res.StatusCode >= 200 && res.StatusCode < 300
}
