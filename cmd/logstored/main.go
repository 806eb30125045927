package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/downfa11-org/go-logstore/pkg/config"
	"github.com/downfa11-org/go-logstore/pkg/engine"
	"github.com/downfa11-org/go-logstore/pkg/metrics"
	"github.com/downfa11-org/go-logstore/util"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}
	util.SetLevel(cfg.LogLevel)

	fmt.Printf("🚀 Starting logstore (cluster %q, backend %s)\n", cfg.ClusterName, cfg.Backend)

	e, err := engine.Open(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to open storage engine: %v", err)
	}
	defer func() {
		if err := e.Close(); err != nil {
			util.Error("Failed to close storage engine: %v", err)
		}
	}()

	if cfg.EnableExporter {
		metrics.StartMetricsServer(cfg.ExporterPort)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	util.Info("Received %s, shutting down", sig)
}
