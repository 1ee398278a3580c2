package assetcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrGenerationInUse is returned when registering a version whose
	// generation name equals the active one; the name must change to roll over.
	ErrGenerationInUse = errors.New("generation already active")
	// ErrNoWaitingWorker is returned by ActivateWaiting when nothing is waiting.
	ErrNoWaitingWorker = errors.New("no waiting worker")
)

// RegistrationConfig wires a Registration.
type RegistrationConfig struct {
	// Scope is an absolute URL prefix. Only clients whose URL starts with it
	// are controlled.
	Scope string
	Store Store
	// Transport reaches the network. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
	Logger    *zap.Logger
}

// Registration binds workers to a scope. It owns the active (current) worker
// and at most one installed worker waiting to be activated.
type Registration struct {
	scope *url.URL
	store Store
	base  http.RoundTripper
	log   *zap.Logger
	stats *statsCollector

	// lifecycle serializes install and activate.
	lifecycle sync.Mutex

	mu      sync.RWMutex
	active  *Worker
	waiting *Worker
}

func NewRegistration(cfg RegistrationConfig) (*Registration, error) {
	if cfg.Store == nil {
		return nil, errors.New("registration: store is required")
	}
	scope, err := url.Parse(cfg.Scope)
	if err != nil {
		return nil, fmt.Errorf("registration: scope: %w", err)
	}
	if !scope.IsAbs() || scope.Host == "" {
		return nil, fmt.Errorf("registration: scope %q must be an absolute url", cfg.Scope)
	}
	if scope.Path == "" {
		scope.Path = "/"
	}
	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Registration{
		scope: scope,
		store: cfg.Store,
		base:  base,
		log:   log.With(zap.String("scope", scope.String())),
	}, nil
}

func (r *Registration) Scope() string { return r.scope.String() }

// Active returns the worker currently controlling clients, or nil.
func (r *Registration) Active() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Waiting returns the installed worker waiting for activation, or nil.
func (r *Registration) Waiting() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

// Register installs a new worker version. On install failure the previously
// active worker stays current and the error wraps ErrInstallFailed. With
// SkipWaiting the new worker is activated immediately.
func (r *Registration) Register(ctx context.Context, opts Options) (*Worker, error) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if opts.Generation == "" {
		return nil, errors.New("register: empty generation")
	}
	if cur := r.Active(); cur != nil && cur.Generation() == opts.Generation {
		return nil, fmt.Errorf("register %q: %w", opts.Generation, ErrGenerationInUse)
	}

	if prev := r.Waiting(); prev != nil {
		prev.setState(StateRedundant)
		r.mu.Lock()
		r.waiting = nil
		r.mu.Unlock()
	}

	w := newWorker(opts, r.scope, r.store, r.base, r.log)
	if err := w.install(ctx); err != nil {
		r.log.Error("install failed", zap.String("generation", opts.Generation), zap.Error(err))
		return nil, err
	}

	r.mu.Lock()
	r.waiting = w
	r.mu.Unlock()

	if opts.SkipWaiting {
		if err := r.activateLocked(ctx); err != nil {
			return w, err
		}
	}
	return w, nil
}

// ActivateWaiting promotes the waiting worker.
func (r *Registration) ActivateWaiting(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	return r.activateLocked(ctx)
}

func (r *Registration) activateLocked(ctx context.Context) error {
	w := r.Waiting()
	if w == nil {
		return ErrNoWaitingWorker
	}
	if err := w.activate(ctx); err != nil {
		return fmt.Errorf("activate %q: %w", w.Generation(), err)
	}

	r.mu.Lock()
	prev := r.active
	r.active = w
	r.waiting = nil
	r.mu.Unlock()

	if prev != nil {
		prev.setState(StateRedundant)
	}
	r.log.Info("activated", zap.String("generation", w.Generation()))
	return nil
}

// Controls reports whether a client at clientURL falls inside the scope.
func (r *Registration) Controls(clientURL *url.URL) bool {
	if clientURL == nil {
		return false
	}
	if !strings.EqualFold(clientURL.Scheme, r.scope.Scheme) || !strings.EqualFold(clientURL.Host, r.scope.Host) {
		return false
	}
	p := clientURL.Path
	if p == "" {
		p = "/"
	}
	return strings.HasPrefix(p, r.scope.Path)
}

// clientOf returns the URL of the client that issued req: the Referer when
// present, the request URL itself for navigations.
func clientOf(req *http.Request) *url.URL {
	if ref := req.Header.Get("Referer"); ref != "" {
		if u, err := url.Parse(ref); err == nil && u.IsAbs() {
			return u
		}
	}
	return req.URL
}

// Fetch routes req through the active worker when its client is controlled
// and straight to the network otherwise.
func (r *Registration) Fetch(req *http.Request) (*http.Response, Outcome, error) {
	w := r.Active()
	if w == nil || !r.Controls(clientOf(req)) {
		resp, err := r.base.RoundTrip(req)
		r.stats.ObserveOutcome(OutcomeUncontrolled, err)
		return resp, OutcomeUncontrolled, err
	}
	resp, outcome, err := w.Fetch(req)
	r.stats.ObserveOutcome(outcome, err)
	if err != nil {
		r.log.Debug("fetch failed", zap.String("url", req.URL.String()), zap.String("outcome", string(outcome)), zap.Error(err))
	}
	return resp, outcome, err
}

// RoundTrip lets a Registration serve as an http.Client transport.
func (r *Registration) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, _, err := r.Fetch(req)
	return resp, err
}

// EntryCount returns the number of entries in the active generation.
func (r *Registration) EntryCount(ctx context.Context) (int, error) {
	w := r.Active()
	if w == nil {
		return 0, nil
	}
	return r.store.Count(ctx, w.Generation())
}
