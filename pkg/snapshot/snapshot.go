package snapshot

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// Response is an immutable snapshot of an HTTP response, suitable for
// storing in a cache and for serving to any number of clients later.
// The body is fully buffered.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Capture reads a response received from the network into a snapshot.
// The response body is consumed and replaced with a replayable copy,
// so the original response can still be written to a client.
func Capture(res *http.Response) (*Response, error) {
	var body []byte
	if res.Body != nil {
		var err error
		body, err = io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return nil, err
		}
		res.Body = io.NopCloser(bytes.NewReader(body))
	}
	return &Response{
		StatusCode: res.StatusCode,
		Header:     res.Header.Clone(),
		Body:       body,
	}, nil
}

// New creates a snapshot from scratch, e.g. for canned offline fallbacks.
func New(statusCode int, contentType string, body []byte) *Response {
	header := make(http.Header)
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	return &Response{
		StatusCode: statusCode,
		Header:     header,
		Body:       body,
	}
}

// Encode converts a snapshot to its HTTP/1.1 wire representation.
func Encode(s *Response) ([]byte, error) {
	res := http.Response{
		StatusCode:    s.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        s.Header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
	}
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a snapshot from its HTTP/1.1 wire representation.
func Decode(b []byte) (*Response, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return nil, fmt.Errorf("malformed stored response: %w", err)
	}
	return Capture(res)
}

// Write sends the snapshot to a client.
func (s *Response) Write(w http.ResponseWriter) error {
	for name, values := range s.Header {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.WriteHeader(s.StatusCode)
	_, err := w.Write(s.Body)
	return err
}
