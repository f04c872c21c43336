// Package engine ties the caching components into a single request
// interceptor with an explicit lifecycle. A new engine installs and waits
// until no clients depend on its predecessor, then activates, claims the
// version's stores, and garbage-collects the rest.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/offcache/offcache/fallback"
	"github.com/offcache/offcache/messaging"
	"github.com/offcache/offcache/pkg/cachekey"
	"github.com/offcache/offcache/pkg/cachestatus"
	"github.com/offcache/offcache/push"
	"github.com/offcache/offcache/router"
	"github.com/offcache/offcache/store"
	"github.com/offcache/offcache/strategy"
	"github.com/offcache/offcache/syncqueue"
)

// State of the engine lifecycle. Transitions only move forward.
type State int32

const (
	StateInstalling State = iota
	StateInstalled
	StateActivating
	StateActivated
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// EventKind identifies an engine event delivered to the host.
type EventKind string

const (
	EventUpdateAvailable   EventKind = "update-available"
	EventOfflineMode       EventKind = "offline-mode"
	EventOnlineMode        EventKind = "online-mode"
	EventMutationAbandoned EventKind = "mutation-abandoned"
)

// Event is a notification for the host application.
type Event struct {
	Kind EventKind
	// Mutation is set for mutation-abandoned events.
	Mutation *syncqueue.Mutation
}

// Engine intercepts requests and serves them through the configured
// strategies, falling back to canned responses when offline.
type Engine struct {
	version   string
	origin    *url.URL
	stores    *store.Manager
	routes    *router.Table
	exec      *strategy.Executor
	fallbacks *fallback.Resolver
	queue     *syncqueue.Queue
	channel   *messaging.Channel
	push      *push.Dispatcher
	fetcher   strategy.Fetcher
	client    *http.Client
	precache  []string
	timeout   time.Duration

	state   atomic.Int32
	online  atomic.Bool
	clients atomic.Int32
	// successor is the installed engine waiting to take over.
	successor atomic.Pointer[Engine]
	events    chan Event
	log       zerolog.Logger
}

// New assembles an engine in the installing state. Call Install to
// precache and Activate (or SkipWaiting) to put it in charge.
func New(cfg Config) (*Engine, error) {
	if cfg.OriginURL == nil {
		return nil, fmt.Errorf("origin URL is required")
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	version := fmt.Sprintf("v%d", cfg.Version)
	logger = logger.With().Str("engine", version).Logger()

	provider := cfg.Provider
	if provider == nil {
		provider = store.NewMemoryProvider()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	queue, err := syncqueue.Open(cfg.QueueFile, client, cfg.MaxRetries, logger)
	if err != nil {
		return nil, fmt.Errorf("opening sync queue: %w", err)
	}

	e := &Engine{
		version:   version,
		origin:    cfg.OriginURL,
		stores:    store.NewManager(version, provider, cfg.Stores, logger),
		routes:    router.New(cfg.Routes, defaultStoreName(cfg.DefaultStore)),
		fallbacks: fallback.New(cfg.Fallbacks),
		queue:     queue,
		channel:   messaging.NewChannel(0),
		push:      push.NewDispatcher(cfg.Notifier, cfg.Navigator, logger),
		client:    client,
		precache:  cfg.Precache,
		timeout:   cfg.NetworkTimeout,
		events:    make(chan Event, 16),
		log:       logger,
	}
	e.online.Store(true)
	e.fetcher = &originFetcher{
		client:  client,
		origin:  cfg.OriginURL,
		observe: e.SetOnline,
	}
	e.exec = strategy.NewExecutor(e.fetcher, cfg.NetworkTimeout, logger)
	return e, nil
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

// Online reports the last observed connectivity.
func (e *Engine) Online() bool {
	return e.online.Load()
}

// Events delivers lifecycle and connectivity notifications to the host.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Channel is the messaging endpoint for this engine. The host sends on
// it; the engine serves it from Run.
func (e *Engine) Channel() *messaging.Channel {
	return e.channel
}

// Push exposes the notification dispatcher.
func (e *Engine) Push() *push.Dispatcher {
	return e.push
}

// Queue exposes the background sync queue.
func (e *Engine) Queue() *syncqueue.Queue {
	return e.queue
}

// Install precaches the configured paths and moves the engine to the
// installed state. A failed precache fetch fails the whole install: a
// partially provisioned version must not activate.
func (e *Engine) Install(ctx context.Context) error {
	if e.State() != StateInstalling {
		return fmt.Errorf("install from state %s", e.State())
	}
	if err := e.warm(ctx, e.precache); err != nil {
		return fmt.Errorf("precache: %w", err)
	}
	e.state.Store(int32(StateInstalled))
	e.log.Info().Int("precached", len(e.precache)).Msg("Installed")
	e.emit(Event{Kind: EventUpdateAvailable})
	return nil
}

// Activate claims the engine's stores, garbage-collects stores of other
// versions, and starts intercepting requests.
func (e *Engine) Activate(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(StateInstalled), int32(StateActivating)) {
		return fmt.Errorf("activate from state %s", e.State())
	}
	dropped, err := e.stores.Collect()
	if err != nil {
		e.log.Error().Err(err).Msg("Store collection failed")
	}
	e.state.Store(int32(StateActivated))
	e.log.Info().Strs("dropped", dropped).Msg("Activated")
	return nil
}

// SkipWaiting activates an installed engine immediately instead of
// waiting for the predecessor's clients to detach.
func (e *Engine) SkipWaiting() {
	if err := e.Activate(context.Background()); err != nil {
		e.log.Debug().Err(err).Msg("Skip waiting had no effect")
	}
}

// SetSuccessor registers an installed engine to take over once the last
// client of this engine detaches.
func (e *Engine) SetSuccessor(next *Engine) {
	e.successor.Store(next)
}

// ClientAttach records a client session served by this engine.
func (e *Engine) ClientAttach() {
	e.clients.Add(1)
}

// ClientDetach records the end of a client session. When the last client
// detaches and a successor is waiting, the successor activates.
func (e *Engine) ClientDetach() {
	if e.clients.Add(-1) > 0 {
		return
	}
	if next := e.successor.Load(); next != nil && next.State() == StateInstalled {
		e.log.Info().Msg("Last client detached, promoting successor")
		next.SkipWaiting()
	}
}

// SetOnline records observed connectivity. Transitions emit an event,
// and regained connectivity wakes the sync queue.
func (e *Engine) SetOnline(online bool) {
	if e.online.Swap(online) == online {
		return
	}
	if online {
		e.log.Info().Msg("Connectivity restored")
		e.emit(Event{Kind: EventOnlineMode})
		e.queue.Wake()
	} else {
		e.log.Warn().Msg("Connectivity lost")
		e.emit(Event{Kind: EventOfflineMode})
	}
}

// Run serves the messaging channel and drives the sync queue until the
// context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	go e.queue.Run(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case exhausted := <-e.queue.Events():
				m := exhausted.Mutation
				e.emit(Event{Kind: EventMutationAbandoned, Mutation: &m})
			}
		}
	}()
	e.channel.Serve(ctx, e.handleMessage)
}

// ServeHTTP intercepts a request. Cacheable methods run through the
// route table's strategy; mutating methods go straight to the network
// and are queued for replay if the network is unreachable.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if e.State() != StateActivated {
		e.proxy(w, r)
		return
	}
	if !router.Routable(r.Method) {
		e.serveMutation(w, r)
		return
	}
	mapping := e.routes.Route(r.URL.Path)
	st := e.stores.Open(mapping.Store)
	key := cachekey.Key(r)
	res, status, err := e.exec.Execute(r.Context(), mapping.Strategy, r, st, key)
	if err != nil {
		e.serveFallback(w, r, mapping.Strategy, status, err)
		return
	}
	w.Header().Set(cachestatus.HeaderName, status.String())
	if err := res.Write(w); err != nil {
		e.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Client write failed")
	}
}

// serveFallback resolves a canned response for a failed request, or
// surfaces the failure as a structured 503.
func (e *Engine) serveFallback(w http.ResponseWriter, r *http.Request, name strategy.Name, status *cachestatus.Status, cause error) {
	if res, ok := e.fallbacks.Resolve(r.URL.Path); ok {
		e.log.Debug().Err(cause).Str("url", r.URL.String()).Msg("Serving offline fallback")
		status.Detail("fallback")
		w.Header().Set(cachestatus.HeaderName, status.String())
		res.Write(w)
		return
	}
	var netErr *strategy.NetworkError
	unavailable := &UnavailableError{
		URL:      r.URL.String(),
		Strategy: name,
		Offline:  errors.As(cause, &netErr),
		Err:      cause,
	}
	e.log.Warn().Err(unavailable).Msg("Resource unavailable")
	w.Header().Set(cachestatus.HeaderName, status.String())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]any{
		"error":    "resource unavailable",
		"url":      unavailable.URL,
		"strategy": string(unavailable.Strategy),
		"offline":  unavailable.Offline,
		"reason":   cause.Error(),
	})
}

// serveMutation forwards a mutating request to the origin. If the origin
// is unreachable the mutation is persisted for replay and the client is
// told it was accepted.
func (e *Engine) serveMutation(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	uri := e.origin.String() + r.URL.RequestURI()
	res, err := e.forward(r, uri, body)
	if err == nil {
		defer res.Body.Close()
		status := &cachestatus.Status{}
		status.Forward(cachestatus.FwdMethod)
		copyHeader(w.Header(), res.Header)
		w.Header().Set(cachestatus.HeaderName, status.String())
		w.WriteHeader(res.StatusCode)
		io.Copy(w, res.Body)
		return
	}
	e.log.Debug().Err(err).Str("url", uri).Msg("Mutation failed, queueing")
	queued, qErr := e.enqueueMutation(r, uri, body)
	if qErr != nil {
		e.log.Error().Err(qErr).Str("url", uri).Msg("Could not queue mutation")
		http.Error(w, "mutation failed and could not be queued", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"queued": queued.ID})
}

func (e *Engine) forward(r *http.Request, uri string, body []byte) (*http.Response, error) {
	ctx := r.Context()
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, uri, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, r.Header)
	req.Header.Del("Connection")
	res, err := e.client.Do(req)
	e.SetOnline(err == nil)
	return res, err
}

func (e *Engine) enqueueMutation(r *http.Request, uri string, body []byte) (syncqueue.Mutation, error) {
	req, err := http.NewRequest(r.Method, uri, bytes.NewReader(body))
	if err != nil {
		return syncqueue.Mutation{}, err
	}
	copyHeader(req.Header, r.Header)
	req.Header.Del("Connection")
	return e.queue.Enqueue(req)
}

// proxy passes a request through untouched. Used before activation, when
// this engine is not yet in charge of the resource set.
func (e *Engine) proxy(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	uri := e.origin.String() + r.URL.RequestURI()
	res, err := e.forward(r, uri, body)
	if err != nil {
		http.Error(w, "origin unreachable", http.StatusBadGateway)
		return
	}
	defer res.Body.Close()
	status := &cachestatus.Status{}
	status.Forward(cachestatus.FwdBypass)
	copyHeader(w.Header(), res.Header)
	w.Header().Set(cachestatus.HeaderName, status.String())
	w.WriteHeader(res.StatusCode)
	io.Copy(w, res.Body)
}

// warm fetches the given paths through the route table and stores the
// successful responses, e.g. for precaching during install.
func (e *Engine) warm(ctx context.Context, paths []string) error {
	for _, path := range paths {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
		if err != nil {
			return fmt.Errorf("warming %s: %w", path, err)
		}
		mapping := e.routes.Route(req.URL.Path)
		st := e.stores.Open(mapping.Store)
		res, err := e.fetcher.Fetch(ctx, req)
		if err != nil {
			return fmt.Errorf("warming %s: %w", path, err)
		}
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			return fmt.Errorf("warming %s: origin returned %d", path, res.StatusCode)
		}
		if err := st.Put(cachekey.Key(req), res); err != nil {
			return fmt.Errorf("warming %s: %w", path, err)
		}
		e.log.Debug().Str("path", path).Str("store", mapping.Store).Msg("Precached")
	}
	return nil
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.log.Warn().Str("kind", string(ev.Kind)).Msg("Event channel full, event dropped")
	}
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
