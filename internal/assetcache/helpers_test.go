package assetcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"
)

// fakeNetwork is an in-memory http.RoundTripper that counts calls per
// "METHOD URL" and can be told to fail or answer with a given status.
// Range requests get a 206 with the first two bytes of the body.
type fakeNetwork struct {
	mu     sync.Mutex
	calls  map[string]int
	down   map[string]bool
	status map[string]int
	header map[string]http.Header

	// hold, when set, blocks every round trip until closed.
	hold    chan struct{}
	started chan struct{}
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		calls:  map[string]int{},
		down:   map[string]bool{},
		status: map[string]int{},
		header: map[string]http.Header{},
	}
}

func (n *fakeNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	u := req.URL.String()
	n.mu.Lock()
	n.calls[req.Method+" "+u]++
	count := n.calls[req.Method+" "+u]
	down := n.down[u]
	status := n.status[u]
	extra := n.header[u]
	hold, started := n.hold, n.started
	n.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if hold != nil {
		<-hold
	}
	if down {
		return nil, errors.New("network unreachable: " + u)
	}
	if status == 0 {
		status = http.StatusOK
	}
	body := fmt.Sprintf("%s %s #%d", req.Method, u, count)
	h := http.Header{"Content-Type": {"text/plain"}}
	if req.Header.Get("Range") != "" {
		status = http.StatusPartialContent
		h.Set("Content-Range", fmt.Sprintf("bytes 0-1/%d", len(body)))
		body = body[:2]
	}
	for k, vs := range extra {
		h[k] = append([]string(nil), vs...)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}

func (n *fakeNetwork) Calls(method, u string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method+" "+u]
}

func (n *fakeNetwork) TotalCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, c := range n.calls {
		total += c
	}
	return total
}

func (n *fakeNetwork) SetDown(u string, down bool) {
	n.mu.Lock()
	n.down[u] = down
	n.mu.Unlock()
}

func (n *fakeNetwork) SetStatus(u string, status int) {
	n.mu.Lock()
	n.status[u] = status
	n.mu.Unlock()
}

func (n *fakeNetwork) SetHeader(u, k, v string) {
	n.mu.Lock()
	if n.header[u] == nil {
		n.header[u] = http.Header{}
	}
	n.header[u].Set(k, v)
	n.mu.Unlock()
}

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewMemLevelStore()
	if err != nil {
		t.Fatalf("NewMemLevelStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

const testScope = "https://app.example.com/"

func newTestRegistration(t *testing.T, store Store, net http.RoundTripper) *Registration {
	t.Helper()
	reg, err := NewRegistration(RegistrationConfig{
		Scope:     testScope,
		Store:     store,
		Transport: net,
		Logger:    zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("NewRegistration: %v", err)
	}
	return reg
}

// get issues a GET as if made by a page loaded from the scope.
func get(t *testing.T, reg *Registration, u string) (*http.Response, Outcome, string) {
	t.Helper()
	return do(t, reg, http.MethodGet, u)
}

func do(t *testing.T, reg *Registration, method, u string) (*http.Response, Outcome, string) {
	t.Helper()
	if !strings.Contains(u, "://") {
		u = strings.TrimSuffix(testScope, "/") + u
	}
	req, err := http.NewRequestWithContext(context.Background(), method, u, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Referer", testScope+"index.html")
	resp, outcome, err := reg.Fetch(req)
	if err != nil {
		t.Fatalf("Fetch %s %s: %v", method, u, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, outcome, string(b)
}

func mustCount(t *testing.T, s Store, gen string) int {
	t.Helper()
	n, err := s.Count(context.Background(), gen)
	if err != nil {
		t.Fatalf("Count(%q): %v", gen, err)
	}
	return n
}
