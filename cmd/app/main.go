package main

import (
	"flag"
	"log"
	"os"

	"LeapsEngine/internal/di"
	"LeapsEngine/pkg/config"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "config file path")
	flag.Parse()

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	log.Printf("env=%s providers=%d finnhub=%t ml=%t kafka=%t clickhouse=%t",
		cfg.Environment, len(cfg.Providers), cfg.Finnhub.Enabled, cfg.MLService.Enabled,
		cfg.Kafka.Enabled, cfg.ClickHouse.Enabled)

	app, err := di.InitializeApp(cfg)
	if err != nil {
		log.Fatalf("app initialization failed: %v", err)
	}

	// Blocks until SIGINT or SIGTERM.
	if err := app.Run(); err != nil {
		log.Printf("app error: %v", err)
		os.Exit(1)
	}
}
