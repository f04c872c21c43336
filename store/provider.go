package store

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Provider is a durable key-value blob store partitioned into named stores.
// It keeps entries in insertion order per store, which the manager relies on
// for FIFO eviction. Overwriting an existing key moves it to the tail.
//
// Implementations must be thread-safe!
type Provider interface {
	// Get returns the entry for the given key, if it exists.
	// Age-based expiry is not the provider's concern.
	Get(store, key string) (Entry, bool, error)
	// Put stores the blob under the given key, recording the storage time.
	Put(store, key string, storedAt time.Time, blob []byte) error
	// Delete removes the entry for the given key, if present.
	Delete(store, key string) error
	// Keys returns all keys of the store in insertion order.
	Keys(store string) ([]string, error)
	// Count returns the number of entries in the store.
	Count(store string) (int, error)
	// OldestKey returns the key of the oldest-inserted entry.
	// The boolean is false if the store is empty.
	OldestKey(store string) (string, bool, error)
	// Stores returns the names of all non-empty stores.
	Stores() ([]string, error)
	// Drop removes a store and all its entries wholesale.
	Drop(store string) error
}

// Entry is a stored blob together with its storage time.
type Entry struct {
	Key      string
	StoredAt time.Time
	Blob     []byte
}

type SQLiteProvider struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteProvider creates a provider with the given filename as the db.
// If the file name is empty, a new in-memory db is opened.
func NewSQLiteProvider(filename string) SQLiteProvider {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		store TEXT NOT NULL,
		key TEXT NOT NULL,
		stored_at INTEGER NOT NULL,
		blob BLOB NOT NULL,
		UNIQUE (store, key)
	)`)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("CREATE INDEX IF NOT EXISTS store_idx ON entries (store)")
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		panic(err)
	}
	return SQLiteProvider{
		db:         db,
		writeMutex: &sync.Mutex{},
	}
}

func (s SQLiteProvider) Get(store, key string) (Entry, bool, error) {
	var storedAt int64
	var blob []byte
	err := s.db.QueryRow(
		"SELECT stored_at, blob FROM entries WHERE store = ? AND key = ?",
		store, key,
	).Scan(&storedAt, &blob)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{Key: key, StoredAt: time.Unix(storedAt, 0), Blob: blob}, true, nil
}

// Put uses INSERT OR REPLACE, which assigns a fresh seq on overwrite.
// An overwritten entry therefore re-enters at the tail of the FIFO order.
func (s SQLiteProvider) Put(store, key string, storedAt time.Time, blob []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO entries (store, key, stored_at, blob) VALUES (?, ?, ?, ?)",
		store, key, storedAt.Unix(), blob,
	)
	return err
}

func (s SQLiteProvider) Delete(store, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM entries WHERE store = ? AND key = ?", store, key)
	return err
}

func (s SQLiteProvider) Keys(store string) ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM entries WHERE store = ? ORDER BY seq ASC", store)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s SQLiteProvider) Count(store string) (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM entries WHERE store = ?", store).Scan(&count)
	return count, err
}

func (s SQLiteProvider) OldestKey(store string) (string, bool, error) {
	var key string
	err := s.db.QueryRow(
		"SELECT key FROM entries WHERE store = ? ORDER BY seq ASC LIMIT 1",
		store,
	).Scan(&key)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return key, true, nil
}

func (s SQLiteProvider) Stores() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT store FROM entries")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stores := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return stores, err
		}
		stores = append(stores, name)
	}
	return stores, rows.Err()
}

func (s SQLiteProvider) Drop(store string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM entries WHERE store = ?", store)
	return err
}

type memEntry struct {
	storedAt time.Time
	blob     []byte
}

type memStore struct {
	entries map[string]memEntry
	order   []string
}

// MemoryProvider is an in-memory Provider for tests and ephemeral use.
// It does not survive process restarts.
type MemoryProvider struct {
	mutex  *sync.RWMutex
	stores map[string]*memStore
}

func NewMemoryProvider() MemoryProvider {
	return MemoryProvider{
		mutex:  &sync.RWMutex{},
		stores: make(map[string]*memStore),
	}
}

func (m MemoryProvider) store(name string) *memStore {
	st, ok := m.stores[name]
	if !ok {
		st = &memStore{entries: make(map[string]memEntry)}
		m.stores[name] = st
	}
	return st
}

func (m MemoryProvider) Get(store, key string) (Entry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	st, ok := m.stores[store]
	if !ok {
		return Entry{}, false, nil
	}
	entry, ok := st.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	return Entry{Key: key, StoredAt: entry.storedAt, Blob: entry.blob}, true, nil
}

func (m MemoryProvider) Put(store, key string, storedAt time.Time, blob []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	st := m.store(store)
	if _, exists := st.entries[key]; exists {
		st.removeFromOrder(key)
	}
	st.entries[key] = memEntry{storedAt: storedAt, blob: blob}
	st.order = append(st.order, key)
	return nil
}

func (m MemoryProvider) Delete(store, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	st, ok := m.stores[store]
	if !ok {
		return nil
	}
	delete(st.entries, key)
	st.removeFromOrder(key)
	return nil
}

func (m MemoryProvider) Keys(store string) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	st, ok := m.stores[store]
	if !ok {
		return []string{}, nil
	}
	keys := make([]string, len(st.order))
	copy(keys, st.order)
	return keys, nil
}

func (m MemoryProvider) Count(store string) (int, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	st, ok := m.stores[store]
	if !ok {
		return 0, nil
	}
	return len(st.entries), nil
}

func (m MemoryProvider) OldestKey(store string) (string, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	st, ok := m.stores[store]
	if !ok || len(st.order) == 0 {
		return "", false, nil
	}
	return st.order[0], true, nil
}

func (m MemoryProvider) Stores() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.stores))
	for name, st := range m.stores {
		if len(st.entries) > 0 {
			names = append(names, name)
		}
	}
	return names, nil
}

func (m MemoryProvider) Drop(store string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.stores, store)
	return nil
}

func (st *memStore) removeFromOrder(key string) {
	for i, k := range st.order {
		if k == key {
			st.order = append(st.order[:i], st.order[i+1:]...)
			return
		}
	}
}
