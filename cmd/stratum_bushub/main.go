// Command stratum_bushub runs the central QUIC relay that carries
// coordination traffic between Stratum contexts in different processes.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/stratum-db/stratum/config/certs"
	"github.com/stratum-db/stratum/pkg/bus/quicbus"
	"github.com/stratum-db/stratum/pkg/config"
	"github.com/stratum-db/stratum/pkg/logger"
	"github.com/stratum-db/stratum/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "bushub.yaml", "path to the configuration file")
	genCerts := flag.Bool("gen-certs", false, "generate certificates into the configured cert_dir and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	if *genCerts {
		if err := certs.Generate(cfg.Bus.CertDir); err != nil {
			zlog.Fatal("certificate generation failed", zap.Error(err))
		}
		zlog.Info("certificates generated", zap.String("dir", cfg.Bus.CertDir))
		return
	}

	_, telemetryShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlog.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		if err := telemetryShutdown(context.Background()); err != nil {
			zlog.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	if err := certs.EnsureDir(cfg.Bus.CertDir); err != nil {
		zlog.Fatal("failed to provision certificates", zap.Error(err))
	}
	tlsConf, err := certs.LoadServerTLSConfig(cfg.Bus.CertDir)
	if err != nil {
		zlog.Fatal("failed to load server TLS config", zap.Error(err))
	}

	hub, err := quicbus.NewHub(quicbus.HubConfig{
		Addr:          cfg.Bus.Listen,
		TLS:           tlsConf,
		MaxFrameBytes: cfg.Bus.MaxFrameBytes,
	}, zlog)
	if err != nil {
		zlog.Fatal("failed to start hub", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		s := <-sig
		zlog.Info("shutting down", zap.String("signal", s.String()))
		cancel()
		_ = hub.Close()
	}()

	if err := hub.Serve(ctx); err != nil {
		zlog.Fatal("hub serve failed", zap.Error(err))
	}
	zlog.Info("bus hub stopped")
}
