package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/offcache/offcache/store"
)

func TestSendReceivesCorrelatedResponse(t *testing.T) {
	c := NewChannel(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Serve(ctx, func(ctx context.Context, req Request) Response {
		if req.Kind != KindCacheStats {
			t.Errorf("Kind is %s", req.Kind)
		}
		return Response{Stats: map[string]store.Stats{"pages": {Size: 3}}}
	})

	res, err := c.Send(context.Background(), Request{Kind: KindCacheStats})
	if err != nil {
		t.Fatal(err)
	}

	if res.ID == "" {
		t.Fatal("Response carries no correlation ID")
	}
	if res.Stats["pages"].Size != 3 {
		t.Fatalf("Stats are %+v", res.Stats)
	}
}

func TestSendKeepsCallerID(t *testing.T) {
	c := NewChannel(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Serve(ctx, func(ctx context.Context, req Request) Response {
		return Response{}
	})

	res, err := c.Send(context.Background(), Request{ID: "my-id", Kind: KindSkipWaiting})
	if err != nil {
		t.Fatal(err)
	}
	if res.ID != "my-id" {
		t.Fatalf("Response ID is %s", res.ID)
	}
}

func TestSendTimesOutWhenUnserved(t *testing.T) {
	c := NewChannel(20 * time.Millisecond)

	_, err := c.Send(context.Background(), Request{Kind: KindSkipWaiting})

	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("Expected timeout error, got %v", err)
	}
	if timeout.Kind != KindSkipWaiting {
		t.Fatalf("Timeout for kind %s", timeout.Kind)
	}
}

func TestSendTimesOutOnSlowHandler(t *testing.T) {
	c := NewChannel(20 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Serve(ctx, func(ctx context.Context, req Request) Response {
		time.Sleep(200 * time.Millisecond)
		return Response{}
	})

	_, err := c.Send(context.Background(), Request{Kind: KindCacheStats})

	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("Expected timeout error, got %v", err)
	}
}

func TestSendHonorsContext(t *testing.T) {
	c := NewChannel(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Send(ctx, Request{Kind: KindSkipWaiting}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context error, got %v", err)
	}
}

func TestKindStrings(t *testing.T) {
	for kind, want := range map[Kind]string{
		KindSkipWaiting: "SKIP_WAITING",
		KindCacheURLs:   "CACHE_URLS",
		KindClearCache:  "CLEAR_CACHE",
		KindCacheStats:  "GET_CACHE_STATS",
	} {
		if kind.String() != want {
			t.Fatalf("%d stringifies to %s", int(kind), kind)
		}
	}
}
