package assetcache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Entry is one stored request/response pair inside a generation.
type Entry struct {
	Method   string      `msgpack:"m"`
	URL      string      `msgpack:"u"`
	Status   int         `msgpack:"s"`
	Header   http.Header `msgpack:"h"`
	Body     []byte      `msgpack:"b"`
	StoredAt int64       `msgpack:"t"` // unix seconds
}

// Key returns the lookup key the entry is stored under.
func (e Entry) Key() string { return e.Method + " " + e.URL }

// Response builds a fresh *http.Response backed by a private reader over the
// stored body, so every caller can consume it independently.
func (e Entry) Response(req *http.Request) *http.Response {
	h := cloneHeader(e.Header)
	h.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// Outcome says how a request was answered.
type Outcome string

const (
	OutcomeHit          Outcome = "hit"
	OutcomeMiss         Outcome = "miss"
	OutcomeBypass       Outcome = "bypass"
	OutcomePassthrough  Outcome = "passthrough"
	OutcomeUncontrolled Outcome = "uncontrolled"
	OutcomeUncacheable  Outcome = "uncacheable"
)

// State is the lifecycle state of a worker.
type State int32

const (
	StateInstalling State = iota
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
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
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// requestKey normalizes a request into its entry key. Fragments never reach
// the network and are ignored.
func requestKey(req *http.Request) string {
	return req.Method + " " + requestURL(req)
}

func requestURL(req *http.Request) string {
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

// storable reports whether a network response may be written as an entry.
// Partial content and Vary: * responses cannot be replayed for a later request.
func storable(status int, h http.Header) bool {
	if status == http.StatusPartialContent {
		return false
	}
	for _, v := range h.Values("Vary") {
		for _, part := range strings.Split(v, ",") {
			if strings.TrimSpace(part) == "*" {
				return false
			}
		}
	}
	return true
}
