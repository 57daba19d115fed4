package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/outmoded/postmile-web/internal"
	"github.com/outmoded/postmile-web/internal/config"
	"github.com/outmoded/postmile-web/internal/log"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.json", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.LogError("Failed to load config: %v", err)
		os.Exit(1)
	}

	ctx := context.Background()
	app, err := internal.NewPostmileWeb(ctx, cfg)
	if err != nil {
		log.LogError("Failed to start: %v", err)
		os.Exit(1)
	}

	log.LogInfoWithFields("app", "Starting postmile web front-end", map[string]any{
		"version": version,
		"addr":    cfg.Server.Web.Addr,
	})

	if err := app.Run(ctx); err != nil {
		log.LogError("Server error: %v", err)
		os.Exit(1)
	}
}
