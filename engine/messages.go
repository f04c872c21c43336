package engine

import (
	"context"
	"fmt"

	"github.com/offcache/offcache/messaging"
	"github.com/offcache/offcache/store"
)

// handleMessage answers one host message. The switch is exhaustive over
// the message kinds; every request gets exactly one response.
func (e *Engine) handleMessage(ctx context.Context, req messaging.Request) messaging.Response {
	e.log.Debug().Str("id", req.ID).Stringer("kind", req.Kind).Msg("Handling message")
	switch req.Kind {
	case messaging.KindSkipWaiting:
		e.SkipWaiting()
		return messaging.Response{}
	case messaging.KindCacheURLs:
		if err := e.CacheURLs(ctx, req.URLs); err != nil {
			return messaging.Response{Err: err.Error()}
		}
		return messaging.Response{}
	case messaging.KindClearCache:
		if err := e.ClearCache(req.CacheName); err != nil {
			return messaging.Response{Err: err.Error()}
		}
		return messaging.Response{}
	case messaging.KindCacheStats:
		stats, err := e.stores.Stats()
		if err != nil {
			return messaging.Response{Err: err.Error()}
		}
		return messaging.Response{Stats: stats}
	}
	return messaging.Response{Err: fmt.Sprintf("unhandled message kind %s", req.Kind)}
}

// CacheURLs warms the given paths into their routed stores on demand.
func (e *Engine) CacheURLs(ctx context.Context, urls []string) error {
	return e.warm(ctx, urls)
}

// ClearCache drops one logical store, or every store of the active
// version when no name is given.
func (e *Engine) ClearCache(name string) error {
	if name == "" {
		e.log.Info().Msg("Clearing all stores")
		return e.stores.ClearAll()
	}
	e.log.Info().Str("store", name).Msg("Clearing store")
	return e.stores.Clear(name)
}

// Stats reports size and stored URLs per logical store.
func (e *Engine) Stats() (map[string]store.Stats, error) {
	return e.stores.Stats()
}
