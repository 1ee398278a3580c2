package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"

	"assetcache/internal/assetcache"
)

type flagDefaults struct {
	ConfigPath string `env:"ASSETCACHE_CONFIG" envDefault:"/assetcache.yaml"`
}

func main() {
	var defs flagDefaults
	if err := env.Parse(&defs); err != nil {
		log.Fatalf("parse env: %v", err)
	}

	var configPath string
	flag.StringVar(&configPath, "config", defs.ConfigPath, "path to assetcache.yaml")
	flag.Parse()

	cfg, err := assetcache.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := assetcache.NewLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := assetcache.NewService(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("init service", zap.Error(err))
	}
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("listen", zap.String("addr", addr), zap.Error(err))
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("assetcache listening",
			zap.String("addr", addr),
			zap.String("origin", cfg.Server.Origin),
			zap.String("scope", cfg.ScopeURL()),
		)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

loop:
	for {
		select {
		case <-hup:
			reload(ctx, svc, configPath, logger)
		case <-ctx.Done():
			break loop
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// reload deploys the generation named in the current config file. Server and
// storage settings only take effect on restart.
func reload(ctx context.Context, svc *assetcache.Service, configPath string, logger *zap.Logger) {
	cfg, err := assetcache.LoadConfig(configPath)
	if err != nil {
		logger.Error("reload config", zap.Error(err))
		return
	}
	if err := svc.Deploy(ctx, cfg); err != nil {
		logger.Error("deploy", zap.String("generation", cfg.Cache.Generation), zap.Error(err))
		return
	}
	logger.Info("deployed", zap.String("generation", cfg.Cache.Generation))
}
