// Command sentrywall runs the WAF reverse proxy in front of a single
// protected origin server.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/sentrywall/sentrywall/pkg/acl"
	"github.com/sentrywall/sentrywall/pkg/ban"
	"github.com/sentrywall/sentrywall/pkg/config"
	"github.com/sentrywall/sentrywall/pkg/event"
	"github.com/sentrywall/sentrywall/pkg/geo"
	"github.com/sentrywall/sentrywall/pkg/profile"
	"github.com/sentrywall/sentrywall/pkg/signature"
	"github.com/sentrywall/sentrywall/pkg/tunnel"
	"github.com/sentrywall/sentrywall/pkg/waf"
)

func main() {
	configPath := flag.String("config", "config.yml", "path to the configuration file")
	debug := flag.Bool("debug", false, "enable development logging")
	flag.Parse()

	logger := buildLogger(*debug)
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("configuration rejected", zap.Error(err))
	}

	locator, err := geo.Open(cfg.Geo.DBPath, logger)
	if err != nil {
		logger.Warn("continuing without geolocation data")
	}
	defer locator.Close()

	profiles, err := profile.Open(cfg.Profiles.DBPath, logger)
	if err != nil {
		logger.Fatal("profile store unavailable", zap.Error(err))
	}
	defer func() { _ = profiles.Close() }()

	services := waf.Services{
		Signatures: signature.Load(cfg.Signatures.Dir, logger),
		ACL:        acl.NewList(),
		Geo:        locator,
		Bans:       ban.NewStore(logger),
		Profiles:   profiles,
		Events:     event.NewManager(logger),
	}
	if cfg.Tunnel.Enabled {
		services.Tunnel = tunnel.New(cfg.Tunnel.Endpoint, logger)
	}

	engine, err := waf.New(cfg, services, logger)
	if err != nil {
		logger.Fatal("engine construction failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Deploy(); err != nil {
		logger.Fatal("deploy failed", zap.Error(err))
	}
	if err := engine.Work(ctx); err != nil {
		logger.Error("work loop ended", zap.Error(err))
	}
	if err := engine.Close(); err != nil {
		logger.Error("close failed", zap.Error(err))
	}
}

func buildLogger(debug bool) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		os.Exit(1)
	}
	return logger
}
