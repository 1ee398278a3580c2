package assetcache

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
server:
  port: 9090
  origin: https://app.example.com/
scope: /editor/
cache:
  generation: onedrive-text-editor-cache-v25
  skipWaiting: false
  manifest:
    - index.html
    - style.css
  bypassHosts: [graph.microsoft.com]
storage:
  path: /tmp/assetcache
  ram:
    max: 64mb
logging:
  level: debug
  logStatsEvery: 30s
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9090 || cfg.Server.Origin != "https://app.example.com" {
		t.Fatalf("server=%+v", cfg.Server)
	}
	if got := cfg.ScopeURL(); got != "https://app.example.com/editor/" {
		t.Fatalf("scope=%q", got)
	}
	if cfg.originURL == nil || cfg.originURL.Scheme != "https" || cfg.originURL.Host != "app.example.com" {
		t.Fatalf("origin url=%v", cfg.originURL)
	}
	if cfg.Storage.Backend != BackendLevelDB || cfg.ramMaxBytes != 64<<20 {
		t.Fatalf("storage backend=%q ram=%d", cfg.Storage.Backend, cfg.ramMaxBytes)
	}
	if cfg.logStatsEveryDur != 30*time.Second {
		t.Fatalf("logStatsEvery=%s", cfg.logStatsEveryDur)
	}

	opts := cfg.WorkerOptions()
	if opts.Generation != "onedrive-text-editor-cache-v25" || opts.SkipWaiting {
		t.Fatalf("opts=%+v", opts)
	}
	if len(opts.Manifest) != 2 || len(opts.BypassHosts) != 1 {
		t.Fatalf("manifest=%v bypass=%v", opts.Manifest, opts.BypassHosts)
	}
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("server:\n  origin: \"http://origin:3000\"\ncache:\n  generation: v1\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("port=%d", cfg.Server.Port)
	}
	if cfg.ScopeURL() != "http://origin:3000/" {
		t.Fatalf("scope=%q", cfg.ScopeURL())
	}
	opts := cfg.WorkerOptions()
	if !opts.SkipWaiting {
		t.Fatal("skipWaiting should default to true")
	}
	if opts.Manifest != nil {
		t.Fatal("absent manifest means lazy install")
	}
	if strings.Join(opts.BypassHosts, ",") != "graph.microsoft.com,esm.sh" {
		t.Fatalf("bypass=%v", opts.BypassHosts)
	}
	if cfg.Storage.Path != "./data/leveldb" {
		t.Fatalf("path=%q", cfg.Storage.Path)
	}
}

func TestParseConfigEmptyBypassListIsKept(t *testing.T) {
	cfg, err := ParseConfig([]byte("server: {origin: \"http://o\"}\ncache: {generation: v1, bypassHosts: []}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Cache.BypassHosts) != 0 {
		t.Fatalf("bypass=%v want empty", cfg.Cache.BypassHosts)
	}
}

func TestParseConfigEnvOverrides(t *testing.T) {
	t.Setenv("ASSETCACHE_PORT", "7000")
	t.Setenv("ASSETCACHE_ORIGIN", "https://other.example.com")
	t.Setenv("ASSETCACHE_GENERATION", "v99")

	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 7000 || cfg.Server.Origin != "https://other.example.com" || cfg.Cache.Generation != "v99" {
		t.Fatalf("overrides not applied: port=%d origin=%q gen=%q", cfg.Server.Port, cfg.Server.Origin, cfg.Cache.Generation)
	}
	if cfg.ScopeURL() != "https://other.example.com/editor/" {
		t.Fatalf("scope=%q", cfg.ScopeURL())
	}
}

func TestParseConfigErrors(t *testing.T) {
	cases := map[string]string{
		"missing origin":     "cache: {generation: v1}",
		"relative origin":    "server: {origin: /app}\ncache: {generation: v1}",
		"missing generation": "server: {origin: \"http://o\"}",
		"unknown backend":    "server: {origin: \"http://o\"}\ncache: {generation: v1}\nstorage: {backend: s3}",
		"redis without addr": "server: {origin: \"http://o\"}\ncache: {generation: v1}\nstorage: {backend: redis}",
		"bad ram size":       "server: {origin: \"http://o\"}\ncache: {generation: v1}\nstorage: {ram: {max: lots}}",
		"bad stats interval": "server: {origin: \"http://o\"}\ncache: {generation: v1}\nlogging: {logStatsEvery: often}",
	}
	for name, in := range cases {
		if _, err := ParseConfig([]byte(in)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assetcache.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Cache.Generation != "onedrive-text-editor-cache-v25" {
		t.Fatalf("generation=%q", cfg.Cache.Generation)
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
