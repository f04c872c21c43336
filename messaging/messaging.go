// Package messaging is the request/response side channel between the host
// application and the engine. Every request carries a correlation ID and
// gets exactly one response, or a timeout error after a fixed bound.
package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/offcache/offcache/store"
)

// Kind enumerates the message types of the protocol. The set is closed:
// the engine handles kinds with an exhaustive switch, so adding a kind is
// a compile-time-checked change.
type Kind int

const (
	KindSkipWaiting Kind = iota
	KindCacheURLs
	KindClearCache
	KindCacheStats
)

func (k Kind) String() string {
	switch k {
	case KindSkipWaiting:
		return "SKIP_WAITING"
	case KindCacheURLs:
		return "CACHE_URLS"
	case KindClearCache:
		return "CLEAR_CACHE"
	case KindCacheStats:
		return "GET_CACHE_STATS"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// DefaultTimeout is the bound within which every request must be answered.
const DefaultTimeout = 5 * time.Second

// Request is a host-to-engine message.
type Request struct {
	// Correlation ID. Assigned on Send if empty.
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
	// URLs to warm, for CACHE_URLS.
	URLs []string `json:"urls,omitempty"`
	// Store to clear, for CLEAR_CACHE. Empty means all stores.
	CacheName string `json:"cacheName,omitempty"`
}

// Response carries the result for exactly one Request.
type Response struct {
	ID    string                 `json:"id"`
	Stats map[string]store.Stats `json:"stats,omitempty"`
	Err   string                 `json:"error,omitempty"`
}

// TimeoutError reports a request that got no response within the bound.
type TimeoutError struct {
	ID   string
	Kind Kind
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("message %s (%s) timed out", e.ID, e.Kind)
}

type envelope struct {
	req   Request
	reply chan Response
}

// Channel connects one sending host to one serving engine.
type Channel struct {
	requests chan envelope
	timeout  time.Duration
}

func NewChannel(timeout time.Duration) *Channel {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Channel{
		requests: make(chan envelope),
		timeout:  timeout,
	}
}

// Send delivers a request and waits for its response.
// If no response arrives within the channel's bound (including the case
// where nothing is serving), a TimeoutError is returned.
func (c *Channel) Send(ctx context.Context, req Request) (Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	env := envelope{req: req, reply: make(chan Response, 1)}
	deadline := time.NewTimer(c.timeout)
	defer deadline.Stop()
	select {
	case c.requests <- env:
	case <-deadline.C:
		return Response{}, &TimeoutError{ID: req.ID, Kind: req.Kind}
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
	select {
	case res := <-env.reply:
		return res, nil
	case <-deadline.C:
		return Response{}, &TimeoutError{ID: req.ID, Kind: req.Kind}
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Serve handles requests with the given function until the context is
// cancelled. Each request is answered exactly once, with the response
// carrying the request's correlation ID.
func (c *Channel) Serve(ctx context.Context, handle func(context.Context, Request) Response) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-c.requests:
			res := handle(ctx, env.req)
			res.ID = env.req.ID
			env.reply <- res
		}
	}
}
