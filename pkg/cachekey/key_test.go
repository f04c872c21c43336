package cachekey

import (
	"errors"
	"net/http"
	"testing"
)

func TestKeyIncludesMethodAndQuery(t *testing.T) {
	req, _ := http.NewRequest("GET", "/api/items?page=2", nil)
	if key := Key(req); key != "GET:/api/items?page=2" {
		t.Fatalf("Key is %s", key)
	}
}

func TestKeysDifferByMethod(t *testing.T) {
	get, _ := http.NewRequest("GET", "/api/items", nil)
	head, _ := http.NewRequest("HEAD", "/api/items", nil)
	if Key(get) == Key(head) {
		t.Fatal("GET and HEAD keys collide")
	}
}

func TestRequestFromKeyRoundTrip(t *testing.T) {
	orig, _ := http.NewRequest("GET", "/assets/app.css?v=3", nil)
	req, err := RequestFromKey(Key(orig))
	if err != nil {
		t.Fatal(err)
	}
	if req.Method != "GET" || req.URL.RequestURI() != "/assets/app.css?v=3" {
		t.Fatalf("Got %s %s", req.Method, req.URL.RequestURI())
	}
}

func TestRequestFromKeyRejectsMalformed(t *testing.T) {
	for _, key := range []string{"", "GET", "no-separator-here:", ":/path"} {
		if _, err := RequestFromKey(key); !errors.Is(err, ErrMalformedKey) {
			t.Fatalf("Expected malformed key error for %q, got %v", key, err)
		}
	}
}

func TestURI(t *testing.T) {
	if uri := URI("GET:/index.html"); uri != "/index.html" {
		t.Fatalf("URI is %s", uri)
	}
}
