package assetcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrInstallFailed wraps every failure that aborts an install.
var ErrInstallFailed = errors.New("install failed")

// Options configure one worker version.
type Options struct {
	// Generation names the generation this version owns. It must change
	// whenever the manifest or the caching logic changes.
	Generation string
	// Manifest lists URLs fetched and stored at install time. Relative URLs
	// resolve against the registration scope. nil means lazy install.
	Manifest []string
	// BypassHosts are never read from or written to the cache.
	BypassHosts []string
	// SkipWaiting activates the worker as soon as it is installed.
	SkipWaiting bool
	// InstallConcurrency bounds parallel manifest fetches (default 8).
	InstallConcurrency int
}

// Worker is one installed version of the cache proxy.
type Worker struct {
	opts   Options
	scope  *url.URL
	store  Store
	base   http.RoundTripper
	bypass BypassRules

	log      *zap.Logger
	storeLog *rateLimitedLogger

	state  atomic.Int32
	flight singleflight.Group
}

func newWorker(opts Options, scope *url.URL, store Store, base http.RoundTripper, log *zap.Logger) *Worker {
	if opts.InstallConcurrency <= 0 {
		opts.InstallConcurrency = 8
	}
	log = log.With(zap.String("generation", opts.Generation))
	w := &Worker{
		opts:     opts,
		scope:    scope,
		store:    store,
		base:     base,
		bypass:   NewBypassRules(opts.BypassHosts),
		log:      log,
		storeLog: newRateLimitedLogger(log, time.Minute),
	}
	w.setState(StateInstalling)
	return w
}

func (w *Worker) Generation() string { return w.opts.Generation }

func (w *Worker) State() State { return State(w.state.Load()) }

func (w *Worker) setState(s State) { w.state.Store(int32(s)) }

// install creates the generation and, in eager mode, stores every manifest
// URL. Any failure leaves the worker redundant and deletes the generation if
// this install created it; a generation that already existed may be serving
// another registration on the same store.
func (w *Worker) install(ctx context.Context) error {
	gen := w.opts.Generation
	created, err := w.store.Open(ctx, gen)
	if err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("%w: open generation %q: %v", ErrInstallFailed, gen, err)
	}
	if w.opts.Manifest == nil {
		w.log.Info("installed", zap.String("mode", "lazy"))
		w.setState(StateInstalled)
		return nil
	}

	ents, err := w.fetchManifest(ctx)
	if err == nil {
		err = w.store.PutAll(ctx, gen, ents)
	}
	if err != nil {
		w.setState(StateRedundant)
		if created {
			if _, derr := w.store.Delete(context.WithoutCancel(ctx), gen); derr != nil {
				w.log.Warn("delete failed generation", zap.Error(derr))
			}
		}
		return fmt.Errorf("%w: %q: %v", ErrInstallFailed, gen, err)
	}
	w.log.Info("installed", zap.String("mode", "eager"), zap.Int("entries", len(ents)))
	w.setState(StateInstalled)
	return nil
}

func (w *Worker) fetchManifest(ctx context.Context) ([]Entry, error) {
	urls := make([]string, 0, len(w.opts.Manifest))
	seen := map[string]struct{}{}
	for _, raw := range w.opts.Manifest {
		u, err := resolveURL(w.scope, raw)
		if err != nil {
			return nil, fmt.Errorf("manifest url %q: %w", raw, err)
		}
		if w.bypass.Match(u.Hostname()) {
			w.log.Debug("manifest url bypassed", zap.String("url", u.String()))
			continue
		}
		if _, ok := seen[u.String()]; ok {
			continue
		}
		seen[u.String()] = struct{}{}
		urls = append(urls, u.String())
	}

	client := &http.Client{Transport: w.base}
	ents := make([]Entry, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.InstallConcurrency)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			ent, err := fetchManifestEntry(gctx, client, u)
			if err != nil {
				return err
			}
			ents[i] = ent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ents, nil
}

func fetchManifestEntry(ctx context.Context, client *http.Client, u string) (Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Entry{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return Entry{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Entry{}, fmt.Errorf("fetch %s: unexpected status %d", u, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, fmt.Errorf("fetch %s: %w", u, err)
	}
	return newEntry(req, resp, body), nil
}

func newEntry(req *http.Request, resp *http.Response, body []byte) Entry {
	h := cloneHeader(resp.Header)
	h.Del("Content-Length")
	return Entry{
		Method:   req.Method,
		URL:      requestURL(req),
		Status:   resp.StatusCode,
		Header:   h,
		Body:     body,
		StoredAt: time.Now().Unix(),
	}
}

// activate deletes every generation but this worker's own. Claiming clients is
// done by the registration once this returns.
func (w *Worker) activate(ctx context.Context) error {
	w.setState(StateActivating)
	gens, err := w.store.Generations(ctx)
	if err != nil {
		w.setState(StateInstalled)
		return fmt.Errorf("list generations: %w", err)
	}
	for _, g := range gens {
		if g == w.opts.Generation {
			continue
		}
		if _, err := w.store.Delete(ctx, g); err != nil {
			w.setState(StateInstalled)
			return fmt.Errorf("delete generation %q: %w", g, err)
		}
		w.log.Info("deleted stale generation", zap.String("stale", g))
	}
	w.setState(StateActivated)
	return nil
}

type fetched struct {
	ent     Entry
	outcome Outcome
}

// Fetch answers one intercepted request. The response comes from exactly one
// of the cache or the network; network failures are returned as is.
func (w *Worker) Fetch(req *http.Request) (*http.Response, Outcome, error) {
	if req.Method != http.MethodGet {
		resp, err := w.base.RoundTrip(req)
		return resp, OutcomePassthrough, err
	}
	if w.bypass.Match(req.URL.Hostname()) {
		resp, err := w.base.RoundTrip(req)
		return resp, OutcomeBypass, err
	}

	key := requestKey(req)
	ent, ok, err := w.store.Match(req.Context(), w.opts.Generation, key)
	if err != nil {
		w.storeLog.Warn("cache match failed", zap.String("key", key), zap.Error(err))
	}
	if ok {
		return ent.Response(req), OutcomeHit, nil
	}

	// A range response is partial; it is fetched on its own and never shared.
	if req.Header.Get("Range") != "" {
		return w.fetchOwn(req, key)
	}

	// The shared fetch outlives the caller that started it; each caller waits
	// on its own context.
	ctx := req.Context()
	led := false
	ch := w.flight.DoChan(key, func() (any, error) {
		led = true
		return w.fetchAndStore(req.Clone(context.WithoutCancel(ctx)), key)
	})
	select {
	case <-ctx.Done():
		return nil, OutcomeMiss, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, OutcomeMiss, res.Err
		}
		f := res.Val.(fetched)
		if f.outcome == OutcomeUncacheable && !led {
			return w.fetchOwn(req, key)
		}
		return f.ent.Response(req), f.outcome, nil
	}
}

func (w *Worker) fetchOwn(req *http.Request, key string) (*http.Response, Outcome, error) {
	f, err := w.fetchAndStore(req, key)
	if err != nil {
		return nil, OutcomeMiss, err
	}
	return f.ent.Response(req), f.outcome, nil
}

func (w *Worker) fetchAndStore(req *http.Request, key string) (fetched, error) {
	resp, err := w.base.RoundTrip(req)
	if err != nil {
		return fetched{}, err
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return fetched{}, err
	}
	ent := newEntry(req, resp, buf.Bytes())

	if !storable(resp.StatusCode, resp.Header) {
		return fetched{ent: ent, outcome: OutcomeUncacheable}, nil
	}
	if err := w.store.Put(req.Context(), w.opts.Generation, key, ent); err != nil {
		w.storeLog.Warn("cache put failed", zap.String("key", key), zap.Error(err))
	}
	return fetched{ent: ent, outcome: OutcomeMiss}, nil
}

func resolveURL(base *url.URL, raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if !u.IsAbs() {
		return nil, errors.New("not an absolute url")
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}
