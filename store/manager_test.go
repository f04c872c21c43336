package store

import (
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/offcache/offcache/pkg/snapshot"
)

func testManager(t *testing.T, limits map[string]Limits) *Manager {
	t.Helper()
	return NewManager("v1", NewMemoryProvider(), limits, zerolog.Nop())
}

func body(s string) *snapshot.Response {
	return snapshot.New(http.StatusOK, "text/plain", []byte(s))
}

func TestPutThenGet(t *testing.T) {
	st := testManager(t, nil).Open("pages")

	if err := st.Put("GET:/a", body("aaa")); err != nil {
		t.Fatal(err)
	}
	res, ok, err := st.Get("GET:/a")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(res.Body) != "aaa" {
		t.Fatalf("Body is %s", res.Body)
	}
}

func TestGetMissesUnknownKey(t *testing.T) {
	st := testManager(t, nil).Open("pages")
	if _, ok, err := st.Get("GET:/nope"); ok || err != nil {
		t.Fatalf("Expected clean miss, got ok=%v err=%v", ok, err)
	}
}

func TestEvictsExactlyOldestInsertion(t *testing.T) {
	m := testManager(t, map[string]Limits{"pages": {MaxEntries: 2}})
	st := m.Open("pages")

	st.Put("GET:/a", body("a"))
	st.Put("GET:/b", body("b"))
	st.Put("GET:/c", body("c"))

	if _, ok, _ := st.Get("GET:/a"); ok {
		t.Fatal("Oldest entry survived eviction")
	}
	for _, key := range []string{"GET:/b", "GET:/c"} {
		if _, ok, _ := st.Get(key); !ok {
			t.Fatalf("Entry %s evicted, should have survived", key)
		}
	}
}

func TestOverwriteMovesEntryToTail(t *testing.T) {
	m := testManager(t, map[string]Limits{"pages": {MaxEntries: 2}})
	st := m.Open("pages")

	st.Put("GET:/a", body("a1"))
	st.Put("GET:/b", body("b"))
	// rewriting /a makes /b the oldest
	st.Put("GET:/a", body("a2"))
	st.Put("GET:/c", body("c"))

	if _, ok, _ := st.Get("GET:/b"); ok {
		t.Fatal("Entry /b survived, should have been evicted as oldest")
	}
	res, ok, _ := st.Get("GET:/a")
	if !ok || string(res.Body) != "a2" {
		t.Fatalf("Entry /a: ok=%v body=%s", ok, res.Body)
	}
}

func TestExpiredEntryIsAMiss(t *testing.T) {
	m := testManager(t, map[string]Limits{"pages": {MaxAge: time.Millisecond}})
	st := m.Open("pages")

	st.Put("GET:/a", body("a"))
	time.Sleep(5 * time.Millisecond)

	if _, ok, err := st.Get("GET:/a"); ok || err != nil {
		t.Fatalf("Expected expired miss, got ok=%v err=%v", ok, err)
	}
}

func TestCollectDropsSupersededVersions(t *testing.T) {
	provider := NewMemoryProvider()
	old := NewManager("v1", provider, nil, zerolog.Nop())
	old.Open("pages").Put("GET:/a", body("old"))
	current := NewManager("v2", provider, nil, zerolog.Nop())
	current.Open("pages").Put("GET:/a", body("new"))

	dropped, err := current.Collect()
	if err != nil {
		t.Fatal(err)
	}
	if len(dropped) != 1 || dropped[0] != "v1-pages" {
		t.Fatalf("Dropped %v", dropped)
	}
	res, ok, _ := current.Open("pages").Get("GET:/a")
	if !ok || string(res.Body) != "new" {
		t.Fatalf("Active store damaged: ok=%v body=%s", ok, res.Body)
	}
}

func TestStatsReportsLogicalStores(t *testing.T) {
	m := testManager(t, nil)
	m.Open("pages").Put("GET:/a", body("a"))
	m.Open("pages").Put("GET:/b?q=1", body("b"))
	m.Open("api").Put("GET:/api/items", body("items"))

	stats, err := m.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats["pages"].Size != 2 || stats["api"].Size != 1 {
		t.Fatalf("Stats are %+v", stats)
	}
	if stats["pages"].URLs[1] != "/b?q=1" {
		t.Fatalf("URLs are %v", stats["pages"].URLs)
	}
}

func TestClear(t *testing.T) {
	m := testManager(t, nil)
	m.Open("pages").Put("GET:/a", body("a"))
	m.Open("api").Put("GET:/b", body("b"))

	if err := m.Clear("pages"); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := m.Open("pages").Get("GET:/a"); ok {
		t.Fatal("Cleared store still has entries")
	}
	if _, ok, _ := m.Open("api").Get("GET:/b"); !ok {
		t.Fatal("Clear touched another store")
	}
}

func TestClearAll(t *testing.T) {
	m := testManager(t, nil)
	m.Open("pages").Put("GET:/a", body("a"))
	m.Open("api").Put("GET:/b", body("b"))

	if err := m.ClearAll(); err != nil {
		t.Fatal(err)
	}

	stats, _ := m.Stats()
	if len(stats) != 0 {
		t.Fatalf("Stats after ClearAll: %+v", stats)
	}
}

func TestSQLiteProviderKeepsInsertionOrder(t *testing.T) {
	p := NewSQLiteProvider("")
	defer p.Drop("t-s")

	p.Put("t-s", "k1", time.Now(), []byte("1"))
	p.Put("t-s", "k2", time.Now(), []byte("2"))
	p.Put("t-s", "k1", time.Now(), []byte("1b"))

	keys, err := p.Keys("t-s")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "k2" || keys[1] != "k1" {
		t.Fatalf("Keys are %v", keys)
	}
	oldest, ok, err := p.OldestKey("t-s")
	if err != nil || !ok || oldest != "k2" {
		t.Fatalf("OldestKey is %s (ok=%v err=%v)", oldest, ok, err)
	}
}
