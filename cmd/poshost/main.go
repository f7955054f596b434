package main

import (
	"context"
	"log"
	"os"

	"github.com/neogan74/poshost/internal/app"
	"github.com/neogan74/poshost/internal/config"
	"github.com/neogan74/poshost/internal/hosterr"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = ""

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if version != "" {
		cfg.Host.Version = version
	}

	ctx := context.Background()
	host, err := app.NewBuilder(cfg).Build(ctx)
	if err != nil {
		if hosterr.Is(err, hosterr.LockConflict) {
			log.Printf("POS host is already running for %s: %v", cfg.Host.DataRoot, err)
			os.Exit(2)
		}
		log.Fatalf("Failed to build host: %v", err)
	}

	if err := host.Run(ctx); err != nil {
		log.Fatalf("Host exited with error: %v", err)
	}
}
