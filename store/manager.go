// Package store owns the named, versioned cache stores of the engine.
// Each store is a partition of a durable Provider with its own capacity
// and age limits. Store names are qualified with the engine version so
// superseded versions can be garbage-collected wholesale.
package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/offcache/offcache/pkg/cachekey"
	"github.com/offcache/offcache/pkg/snapshot"
)

// Limits configure a single store.
// A zero MaxEntries or MaxAge means unlimited.
type Limits struct {
	MaxEntries int
	MaxAge     time.Duration
}

// Stats describe one logical store, as reported to the host.
type Stats struct {
	Size int      `json:"size"`
	URLs []string `json:"urls"`
}

const versionSeparator = "-"

// Manager hands out stores qualified with the active engine version
// and garbage-collects stores of superseded versions.
type Manager struct {
	version  string
	provider Provider
	limits   map[string]Limits
	log      zerolog.Logger
}

func NewManager(version string, provider Provider, limits map[string]Limits, logger zerolog.Logger) *Manager {
	if limits == nil {
		limits = make(map[string]Limits)
	}
	return &Manager{
		version:  version,
		provider: provider,
		limits:   limits,
		log:      logger.With().Str("version", version).Logger(),
	}
}

func (m *Manager) Version() string {
	return m.version
}

// Open returns the store with the given logical name for the active version.
// Stores are cheap handles; opening does not allocate storage.
func (m *Manager) Open(name string) *Store {
	return &Store{
		name:      name,
		qualified: m.version + versionSeparator + name,
		limits:    m.limits[name],
		provider:  m.provider,
		log:       m.log.With().Str("store", name).Logger(),
	}
}

// Collect deletes all stores whose name does not carry the active version
// prefix. It returns the names of the dropped stores.
func (m *Manager) Collect() ([]string, error) {
	names, err := m.provider.Stores()
	if err != nil {
		return nil, err
	}
	prefix := m.version + versionSeparator
	dropped := make([]string, 0)
	for _, name := range names {
		if strings.HasPrefix(name, prefix) {
			continue
		}
		if err := m.provider.Drop(name); err != nil {
			return dropped, fmt.Errorf("dropping store %s: %w", name, err)
		}
		m.log.Debug().Str("dropped", name).Msg("Collected superseded store")
		dropped = append(dropped, name)
	}
	return dropped, nil
}

// Stats reports size and stored URLs per logical store of the active version.
func (m *Manager) Stats() (map[string]Stats, error) {
	names, err := m.provider.Stores()
	if err != nil {
		return nil, err
	}
	prefix := m.version + versionSeparator
	stats := make(map[string]Stats)
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		keys, err := m.provider.Keys(name)
		if err != nil {
			return stats, err
		}
		urls := make([]string, 0, len(keys))
		for _, key := range keys {
			urls = append(urls, cachekey.URI(key))
		}
		stats[strings.TrimPrefix(name, prefix)] = Stats{Size: len(keys), URLs: urls}
	}
	return stats, nil
}

// Clear drops a single logical store of the active version.
func (m *Manager) Clear(name string) error {
	return m.provider.Drop(m.version + versionSeparator + name)
}

// ClearAll drops every store of the active version.
func (m *Manager) ClearAll() error {
	names, err := m.provider.Stores()
	if err != nil {
		return err
	}
	prefix := m.version + versionSeparator
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if err := m.provider.Drop(name); err != nil {
			return err
		}
	}
	return nil
}

// Store is a named partition of cached response snapshots.
type Store struct {
	name      string
	qualified string
	limits    Limits
	provider  Provider
	log       zerolog.Logger
}

func (s *Store) Name() string {
	return s.name
}

// Get returns the stored snapshot for the key.
// Entries older than the store's maximum age are treated as a miss;
// they are not swept here (lazy expiry).
func (s *Store) Get(key string) (*snapshot.Response, bool, error) {
	entry, ok, err := s.provider.Get(s.qualified, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if s.limits.MaxAge > 0 && time.Since(entry.StoredAt) > s.limits.MaxAge {
		s.log.Trace().Str("key", key).Time("storedAt", entry.StoredAt).Msg("Entry stale, treating as miss")
		return nil, false, nil
	}
	res, err := snapshot.Decode(entry.Blob)
	if err != nil {
		return nil, false, err
	}
	return res, true, nil
}

// Put stores the snapshot and enforces the store's entry limit,
// evicting oldest-inserted entries first until within budget.
func (s *Store) Put(key string, res *snapshot.Response) error {
	blob, err := snapshot.Encode(res)
	if err != nil {
		return err
	}
	if err := s.provider.Put(s.qualified, key, time.Now(), blob); err != nil {
		return err
	}
	s.log.Trace().Str("key", key).Msg("Cache write")
	return s.enforceLimits()
}

func (s *Store) Delete(key string) error {
	return s.provider.Delete(s.qualified, key)
}

// Keys returns the store's keys in insertion order.
func (s *Store) Keys() ([]string, error) {
	return s.provider.Keys(s.qualified)
}

func (s *Store) enforceLimits() error {
	if s.limits.MaxEntries <= 0 {
		return nil
	}
	for {
		count, err := s.provider.Count(s.qualified)
		if err != nil {
			return err
		}
		if count <= s.limits.MaxEntries {
			return nil
		}
		oldest, ok, err := s.provider.OldestKey(s.qualified)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := s.provider.Delete(s.qualified, oldest); err != nil {
			return err
		}
		s.log.Debug().Str("key", oldest).Msg("Evicted oldest entry")
	}
}
