package engine

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/offcache/offcache/messaging"
)

// AdminHandler exposes the engine's control surface over HTTP. All
// control operations go through the messaging channel, so the admin
// surface and an embedding host observe identical semantics.
func (e *Engine) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Post("/skip-waiting", func(w http.ResponseWriter, req *http.Request) {
		e.adminSend(w, req, messaging.Request{Kind: messaging.KindSkipWaiting})
	})
	r.Post("/cache-urls", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			URLs []string `json:"urls"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		e.adminSend(w, req, messaging.Request{Kind: messaging.KindCacheURLs, URLs: body.URLs})
	})
	r.Post("/clear-cache", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			CacheName string `json:"cacheName"`
		}
		if req.ContentLength != 0 {
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		e.adminSend(w, req, messaging.Request{Kind: messaging.KindClearCache, CacheName: body.CacheName})
	})
	r.Get("/cache-stats", func(w http.ResponseWriter, req *http.Request) {
		e.adminSend(w, req, messaging.Request{Kind: messaging.KindCacheStats})
	})
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		pending, err := e.queue.Pending()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"version": e.version,
			"state":   e.State().String(),
			"online":  e.Online(),
			"queued":  len(pending),
		})
	})
	r.Post("/push", func(w http.ResponseWriter, req *http.Request) {
		body, err := readBody(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		e.push.OnPush(body)
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/connectivity", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Online bool `json:"online"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		e.SetOnline(body.Online)
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func (e *Engine) adminSend(w http.ResponseWriter, r *http.Request, req messaging.Request) {
	res, err := e.channel.Send(r.Context(), req)
	if err != nil {
		var timeout *messaging.TimeoutError
		if errors.As(err, &timeout) {
			http.Error(w, err.Error(), http.StatusGatewayTimeout)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if res.Err != "" {
		http.Error(w, res.Err, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}
