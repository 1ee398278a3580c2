package assetcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	statusPath   = "/_assetcache/status"
	activatePath = "/_assetcache/activate"
)

type Service struct {
	cfg Config
	log *zap.Logger

	store     Store
	reg       *Registration
	transport http.RoundTripper

	stats *statsCollector

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService opens the configured store and deploys the configured version.
func NewService(ctx context.Context, cfg Config, log *zap.Logger) (*Service, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	s, err := newService(ctx, cfg, store, transport, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return s, nil
}

func openStore(cfg Config) (Store, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Storage.Backend {
	case BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		store = NewRedisStore(rdb, cfg.Storage.Redis.Prefix)
	default:
		store, err = OpenLevelStore(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
	}
	tiered, err := NewRAMTier(store, cfg.ramMaxBytes)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return tiered, nil
}

func newService(ctx context.Context, cfg Config, store Store, transport http.RoundTripper, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	reg, err := NewRegistration(RegistrationConfig{
		Scope:     cfg.ScopeURL(),
		Store:     store,
		Transport: transport,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:       cfg,
		log:       log,
		store:     store,
		reg:       reg,
		transport: transport,
		stopCh:    make(chan struct{}),
	}
	if cfg.logStatsEveryDur > 0 {
		s.stats = newStatsCollector()
		reg.stats = s.stats
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.logStatsEveryDur)
		}()
	}

	if err := s.Deploy(ctx, cfg); err != nil {
		s.stop()
		return nil, err
	}
	return s, nil
}

func (s *Service) stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Service) Close() {
	s.stop()
	if err := s.store.Close(); err != nil {
		s.log.Warn("close store", zap.Error(err))
	}
}

func (s *Service) Registration() *Registration { return s.reg }

// Deploy installs the version described by cfg.Cache. Deploying the generation
// that is already active is a no-op.
func (s *Service) Deploy(ctx context.Context, cfg Config) error {
	opts := cfg.WorkerOptions()
	if len(cfg.Cache.Sitemaps) > 0 {
		client := &http.Client{Transport: s.transport, Timeout: 2 * time.Minute}
		discovered, err := discoverManifest(ctx, client, s.reg.scope, cfg.Cache.Sitemaps)
		if err != nil {
			return fmt.Errorf("%w: manifest discovery: %v", ErrInstallFailed, err)
		}
		s.log.Info("manifest discovered", zap.Int("urls", len(discovered)))
		opts.Manifest = append(append([]string{}, opts.Manifest...), discovered...)
	}

	_, err := s.reg.Register(ctx, opts)
	if errors.Is(err, ErrGenerationInUse) {
		s.log.Info("generation unchanged", zap.String("generation", opts.Generation))
		return nil
	}
	return err
}

func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	if !r.URL.IsAbs() {
		switch r.URL.Path {
		case statusPath:
			s.handleStatus(w, r)
			return
		case activatePath:
			s.handleActivate(w, r)
			return
		}
	}
	if r.Method == http.MethodConnect {
		http.Error(w, "CONNECT not supported", http.StatusMethodNotAllowed)
		return
	}

	out, err := s.outboundRequest(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	resp, outcome, err := s.reg.Fetch(out)
	if err != nil {
		s.log.Debug("upstream error", zap.String("url", out.URL.String()), zap.Error(err))
		setCacheHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	writeResponse(w, resp, outcome, s.stats)
}

// outboundRequest turns an incoming request into the request seen by the
// registration: absolute-form requests keep their target, everything else
// resolves against the origin.
func (s *Service) outboundRequest(r *http.Request) (*http.Request, error) {
	target := r.URL.String()
	if !r.URL.IsAbs() {
		target = s.cfg.Server.Origin + r.URL.RequestURI()
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = r.ContentLength
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	if ref := req.Header.Get("Referer"); ref != "" {
		if ru, err := url.Parse(ref); err == nil && strings.EqualFold(ru.Host, r.Host) {
			ru.Scheme, ru.Host = s.cfg.originURL.Scheme, s.cfg.originURL.Host
			req.Header.Set("Referer", ru.String())
		}
	}
	return req, nil
}

var hopByHopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive",
	"Proxy-Authenticate", "Proxy-Authorization", "TE",
	"Trailer", "Transfer-Encoding", "Upgrade",
}

func stripHopByHop(h http.Header) {
	if conn := h.Get("Connection"); conn != "" {
		for _, token := range strings.Split(conn, ",") {
			if token = strings.TrimSpace(token); token != "" {
				h.Del(token)
			}
		}
	}
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	stripHopByHop(dst)
}

func writeResponse(w http.ResponseWriter, resp *http.Response, outcome Outcome, stats *statsCollector) {
	h := w.Header()
	for k, vs := range resp.Header {
		if strings.EqualFold(k, "X-Assetcache") {
			continue
		}
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	stripHopByHop(h)
	setCacheHeaders(h, string(outcome))
	w.WriteHeader(resp.StatusCode)
	n, _ := io.Copy(w, resp.Body)
	switch outcome {
	case OutcomeHit, OutcomeMiss:
		stats.Observe(int(n))
	}
}

func setCacheHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set("X-Assetcache", outcome)
	}
	// Custom headers are hidden from cross-origin JS unless exposed.
	ensureExposedHeader(h, "X-Assetcache")
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

type statusReport struct {
	Scope             string `json:"scope"`
	State             string `json:"state"`
	ActiveGeneration  string `json:"activeGeneration,omitempty"`
	WaitingGeneration string `json:"waitingGeneration,omitempty"`
	Entries           int    `json:"entries"`
}

func (s *Service) status(ctx context.Context) (statusReport, error) {
	rep := statusReport{Scope: s.reg.Scope(), State: "unregistered"}
	if w := s.reg.Waiting(); w != nil {
		rep.WaitingGeneration = w.Generation()
		rep.State = w.State().String()
	}
	if w := s.reg.Active(); w != nil {
		rep.ActiveGeneration = w.Generation()
		rep.State = w.State().String()
	}
	n, err := s.reg.EntryCount(ctx)
	if err != nil {
		return rep, err
	}
	rep.Entries = n
	return rep, nil
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rep, err := s.status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rep)
}

func (s *Service) handleActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	err := s.reg.ActivateWaiting(r.Context())
	switch {
	case errors.Is(err, ErrNoWaitingWorker):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			fields := []zap.Field{
				zap.Uint64("hits", ss.Hits),
				zap.Uint64("misses", ss.Misses),
				zap.Uint64("bypassed", ss.Bypassed),
				zap.Uint64("passthrough", ss.Passed),
				zap.Uint64("uncontrolled", ss.Uncontrolled),
				zap.Uint64("uncacheable", ss.Uncacheable),
				zap.Uint64("failures", ss.Failures),
				zap.String("respMin", formatBytes(ss.MinRespBytes)),
				zap.String("respAvg", formatBytes(ss.AvgRespBytes)),
				zap.String("respMax", formatBytes(ss.MaxRespBytes)),
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if n, err := s.reg.EntryCount(ctx); err == nil {
				fields = append(fields, zap.Int("entries", n))
			}
			cancel()
			if rss, ok := processRSSBytes(); ok {
				fields = append(fields, zap.String("rss", formatBytes(rss)))
			}
			s.log.Info("cache stats", fields...)
		}
	}
}
