// Package cachestatus builds Cache-Status response headers in the style of
// RFC 9211, so clients and tests can see how the engine handled a request.
package cachestatus

import "fmt"

// HeaderName is the response header the status is written to.
const HeaderName = "Cache-Status"

type FwdReason string

const (
	// The engine was configured to not handle this request.
	FwdBypass FwdReason = "bypass"

	// The request method's semantics require the request to be forwarded.
	FwdMethod FwdReason = "method"

	// The store did not contain a response for the request key.
	FwdMiss FwdReason = "miss"

	// The store contained a response, but it was older than the
	// store's maximum age.
	FwdStale FwdReason = "stale"

	// The strategy never consults the store.
	FwdRequest FwdReason = "request"
)

type Status struct {
	hit       bool
	fwdReason FwdReason
	stored    bool
	detail    string
}

// Hit records that the response was served from the store.
func (s *Status) Hit() {
	s.hit = true
	s.fwdReason = ""
}

// Forward records that the request was (or had to be) forwarded to the network.
func (s *Status) Forward(reason FwdReason) {
	s.hit = false
	s.fwdReason = reason
}

// Stored records that the network response was written to the store.
func (s *Status) Stored() {
	s.stored = true
}

func (s *Status) Detail(detail string) {
	s.detail = detail
}

// IsHit reports whether the response came from the store.
func (s *Status) IsHit() bool {
	return s.hit
}

func (s *Status) String() string {
	status := "Offcache"
	if s.hit {
		status += "; hit"
	} else if s.fwdReason != "" {
		status = fmt.Sprintf("%s; fwd=%s", status, s.fwdReason)
	}
	if s.stored {
		status += "; stored"
	}
	if s.detail != "" {
		status += "; detail=" + s.detail
	}
	return status
}
