// Command shopscout serves behavior-driven shopping recommendations backed
// by a headless browser scrape pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/jwkim-dev/shopscout/internal/config"
	"github.com/jwkim-dev/shopscout/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional, env vars apply either way)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	app, err := server.Build(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build service: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "run service: %v\n", err)
		os.Exit(1)
	}
}
