package assetcache

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	// Scope is resolved against server.origin when relative.
	Scope string `yaml:"scope"`

	Cache struct {
		Generation  string   `yaml:"generation"`
		SkipWaiting *bool    `yaml:"skipWaiting"`
		Manifest    []string `yaml:"manifest"`
		Sitemaps    []string `yaml:"sitemaps"`
		BypassHosts []string `yaml:"bypassHosts"`
		Concurrency int      `yaml:"installConcurrency"`
	} `yaml:"cache"`

	Storage struct {
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
		RAM     struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"storage"`

	Logging struct {
		Level         string `yaml:"level"`
		LogStatsEvery string `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	// compiled
	originURL        *url.URL
	scopeURL         *url.URL
	ramMaxBytes      int64
	logStatsEveryDur time.Duration
}

// envOverrides are applied on top of the YAML file.
type envOverrides struct {
	Port       int    `env:"ASSETCACHE_PORT"`
	Origin     string `env:"ASSETCACHE_ORIGIN"`
	Generation string `env:"ASSETCACHE_GENERATION"`
	RedisAddr  string `env:"ASSETCACHE_REDIS_ADDR"`
	LogLevel   string `env:"ASSETCACHE_LOG_LEVEL"`
}

const (
	BackendLevelDB = "leveldb"
	BackendRedis   = "redis"
)

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, applies environment overrides and validates.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if ov.Port != 0 {
		cfg.Server.Port = ov.Port
	}
	if ov.Origin != "" {
		cfg.Server.Origin = ov.Origin
	}
	if ov.Generation != "" {
		cfg.Cache.Generation = ov.Generation
	}
	if ov.RedisAddr != "" {
		cfg.Storage.Redis.Addr = ov.RedisAddr
	}
	if ov.LogLevel != "" {
		cfg.Logging.Level = ov.LogLevel
	}

	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return errors.New("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil || !origin.IsAbs() || origin.Host == "" {
		return fmt.Errorf("server.origin %q must be an absolute url", cfg.Server.Origin)
	}
	cfg.originURL = origin

	if cfg.Scope == "" {
		cfg.Scope = "/"
	}
	scope, err := resolveURL(origin, cfg.Scope)
	if err != nil {
		return fmt.Errorf("scope: %w", err)
	}
	cfg.scopeURL = scope

	if strings.TrimSpace(cfg.Cache.Generation) == "" {
		return errors.New("cache.generation is required")
	}
	if cfg.Cache.BypassHosts == nil {
		cfg.Cache.BypassHosts = append([]string(nil), DefaultBypassHosts...)
	}
	if cfg.Cache.SkipWaiting == nil {
		t := true
		cfg.Cache.SkipWaiting = &t
	}

	switch cfg.Storage.Backend {
	case "":
		cfg.Storage.Backend = BackendLevelDB
	case BackendLevelDB, BackendRedis:
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", cfg.Storage.Backend)
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Storage.Backend == BackendRedis && cfg.Storage.Redis.Addr == "" {
		return errors.New("storage.redis.addr is required for the redis backend")
	}
	if cfg.Storage.RAM.Max != "" {
		n, err := parseBytes(cfg.Storage.RAM.Max)
		if err != nil {
			return fmt.Errorf("storage.ram.max: %w", err)
		}
		cfg.ramMaxBytes = n
	}

	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		cfg.logStatsEveryDur = d
	}
	return nil
}

// WorkerOptions returns the worker options described by the cache section.
// Sitemap discovery is applied separately by the service.
func (cfg Config) WorkerOptions() Options {
	return Options{
		Generation:         cfg.Cache.Generation,
		Manifest:           cfg.Cache.Manifest,
		BypassHosts:        cfg.Cache.BypassHosts,
		SkipWaiting:        cfg.Cache.SkipWaiting != nil && *cfg.Cache.SkipWaiting,
		InstallConcurrency: cfg.Cache.Concurrency,
	}
}

// ScopeURL returns the absolute scope.
func (cfg Config) ScopeURL() string {
	if cfg.scopeURL == nil {
		return ""
	}
	return cfg.scopeURL.String()
}
