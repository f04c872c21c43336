package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/offcache/offcache/pkg/snapshot"
	"github.com/offcache/offcache/store"
)

// countingFetcher serves canned responses and counts fetches.
type countingFetcher struct {
	mutex   sync.Mutex
	count   int
	status  int
	body    string
	err     error
	fetched chan struct{}
}

func (f *countingFetcher) Fetch(ctx context.Context, req *http.Request) (*snapshot.Response, error) {
	f.mutex.Lock()
	f.count++
	status, body, err := f.status, f.body, f.err
	f.mutex.Unlock()
	if f.fetched != nil {
		f.fetched <- struct{}{}
	}
	if err != nil {
		return nil, err
	}
	if status == 0 {
		status = http.StatusOK
	}
	return snapshot.New(status, "text/plain", []byte(body)), nil
}

func (f *countingFetcher) calls() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.count
}

func (f *countingFetcher) set(status int, body string, err error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.status, f.body, f.err = status, body, err
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	return store.NewManager("v1", store.NewMemoryProvider(), nil, zerolog.Nop()).Open("test")
}

func execute(t *testing.T, e *Executor, name Name, st *store.Store) (*snapshot.Response, error) {
	t.Helper()
	req, _ := http.NewRequest("GET", "/resource", nil)
	res, _, err := e.Execute(context.Background(), name, req, st, "GET:/resource")
	return res, err
}

func TestCacheFirstFetchesOnceThenServesFromCache(t *testing.T) {
	fetcher := &countingFetcher{body: "fresh"}
	e := NewExecutor(fetcher, 0, zerolog.Nop())
	st := testStore(t)

	if _, err := execute(t, e, CacheFirst, st); err != nil {
		t.Fatal(err)
	}
	res, err := execute(t, e, CacheFirst, st)
	if err != nil {
		t.Fatal(err)
	}

	if fetcher.calls() != 1 {
		t.Fatalf("Fetcher called %d times", fetcher.calls())
	}
	if string(res.Body) != "fresh" {
		t.Fatalf("Body is %s", res.Body)
	}
}

func TestCacheFirstMissWithNetworkDownFails(t *testing.T) {
	fetcher := &countingFetcher{err: fmt.Errorf("connection refused")}
	e := NewExecutor(fetcher, 0, zerolog.Nop())

	_, err := execute(t, e, CacheFirst, testStore(t))

	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("Expected NetworkError, got %v", err)
	}
}

func TestNetworkFirstFallsBackToCache(t *testing.T) {
	fetcher := &countingFetcher{body: "from network"}
	e := NewExecutor(fetcher, 0, zerolog.Nop())
	st := testStore(t)

	if _, err := execute(t, e, NetworkFirst, st); err != nil {
		t.Fatal(err)
	}
	fetcher.set(0, "", fmt.Errorf("connection refused"))
	res, err := execute(t, e, NetworkFirst, st)
	if err != nil {
		t.Fatal(err)
	}

	if string(res.Body) != "from network" {
		t.Fatalf("Body is %s", res.Body)
	}
}

func TestNetworkFirstTreatsServerErrorAsFailure(t *testing.T) {
	fetcher := &countingFetcher{body: "good"}
	e := NewExecutor(fetcher, 0, zerolog.Nop())
	st := testStore(t)

	execute(t, e, NetworkFirst, st)
	fetcher.set(http.StatusBadGateway, "bad", nil)
	res, err := execute(t, e, NetworkFirst, st)
	if err != nil {
		t.Fatal(err)
	}

	if res.StatusCode != http.StatusOK || string(res.Body) != "good" {
		t.Fatalf("Got %d %s, expected cached response", res.StatusCode, res.Body)
	}
}

func TestNetworkFirstPassesServerErrorThroughOnEmptyCache(t *testing.T) {
	fetcher := &countingFetcher{status: http.StatusBadGateway, body: "bad"}
	e := NewExecutor(fetcher, 0, zerolog.Nop())

	res, err := execute(t, e, NetworkFirst, testStore(t))
	if err != nil {
		t.Fatal(err)
	}

	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("Status is %d", res.StatusCode)
	}
}

func TestNetworkFirstDoesNotCacheErrors(t *testing.T) {
	fetcher := &countingFetcher{status: http.StatusNotFound, body: "missing"}
	e := NewExecutor(fetcher, 0, zerolog.Nop())
	st := testStore(t)

	execute(t, e, NetworkFirst, st)

	if _, ok, _ := st.Get("GET:/resource"); ok {
		t.Fatal("Error response was cached")
	}
}

func TestStaleWhileRevalidateServesStaleAndRefreshes(t *testing.T) {
	fetcher := &countingFetcher{body: "v1", fetched: make(chan struct{}, 2)}
	e := NewExecutor(fetcher, 0, zerolog.Nop())
	st := testStore(t)

	execute(t, e, StaleWhileRevalidate, st)
	<-fetcher.fetched
	fetcher.set(0, "v2", nil)

	res, err := execute(t, e, StaleWhileRevalidate, st)
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Body) != "v1" {
		t.Fatalf("Body is %s, expected the stale copy", res.Body)
	}

	// wait for the background refresh to land
	<-fetcher.fetched
	deadline := time.After(time.Second)
	for {
		cached, ok, _ := st.Get("GET:/resource")
		if ok && string(cached.Body) == "v2" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Cache never refreshed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStaleWhileRevalidateCoalescesRefreshes(t *testing.T) {
	block := make(chan struct{})
	var mutex sync.Mutex
	count := 0
	fetcher := fetcherFunc(func(ctx context.Context, req *http.Request) (*snapshot.Response, error) {
		mutex.Lock()
		count++
		first := count == 1
		mutex.Unlock()
		if !first {
			<-block
		}
		return snapshot.New(http.StatusOK, "text/plain", []byte("x")), nil
	})
	e := NewExecutor(fetcher, 0, zerolog.Nop())
	st := testStore(t)

	execute(t, e, StaleWhileRevalidate, st)

	// both hits see a cached entry and trigger revalidation; the
	// in-flight group must collapse them into at most one fetch
	execute(t, e, StaleWhileRevalidate, st)
	execute(t, e, StaleWhileRevalidate, st)
	time.Sleep(50 * time.Millisecond)
	close(block)
	time.Sleep(50 * time.Millisecond)

	// one miss fetch plus at most one coalesced refresh
	mutex.Lock()
	defer mutex.Unlock()
	if count > 2 {
		t.Fatalf("Fetcher called %d times", count)
	}
}

type fetcherFunc func(ctx context.Context, req *http.Request) (*snapshot.Response, error)

func (f fetcherFunc) Fetch(ctx context.Context, req *http.Request) (*snapshot.Response, error) {
	return f(ctx, req)
}

func TestNetworkOnlyNeverTouchesCache(t *testing.T) {
	fetcher := &countingFetcher{body: "live"}
	e := NewExecutor(fetcher, 0, zerolog.Nop())
	st := testStore(t)

	execute(t, e, NetworkOnly, st)
	execute(t, e, NetworkOnly, st)

	if fetcher.calls() != 2 {
		t.Fatalf("Fetcher called %d times", fetcher.calls())
	}
	if _, ok, _ := st.Get("GET:/resource"); ok {
		t.Fatal("Network-only stored a response")
	}
}

func TestCacheOnlyMiss(t *testing.T) {
	fetcher := &countingFetcher{body: "never"}
	e := NewExecutor(fetcher, 0, zerolog.Nop())

	_, err := execute(t, e, CacheOnly, testStore(t))

	if !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Expected cache miss error, got %v", err)
	}
	if fetcher.calls() != 0 {
		t.Fatal("Cache-only touched the network")
	}
}

func TestCacheOnlyHit(t *testing.T) {
	fetcher := &countingFetcher{body: "seed"}
	e := NewExecutor(fetcher, 0, zerolog.Nop())
	st := testStore(t)

	execute(t, e, CacheFirst, st)
	res, err := execute(t, e, CacheOnly, st)
	if err != nil {
		t.Fatal(err)
	}

	if string(res.Body) != "seed" {
		t.Fatalf("Body is %s", res.Body)
	}
}

func TestParseName(t *testing.T) {
	if _, err := ParseName("cache-first"); err != nil {
		t.Fatal(err)
	}
	if _, err := ParseName("cache-last"); err == nil {
		t.Fatal("Expected error for unknown strategy")
	}
}
