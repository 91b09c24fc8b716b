package main

import (
	"context"
	"log"

	"github.com/joho/godotenv"

	"chatd/internal/app"
	"chatd/pkg/config"
	"chatd/pkg/logger"
	"chatd/pkg/shutdown"
)

// build metadata - set via ldflags during build/release
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	_ = godotenv.Load(".env")

	flags := config.ParseConfigFlags()
	fileCfg, fileExists, err := config.ParseConfigFile(flags)
	if err != nil {
		log.Fatalf("failed to load config file: %v", err)
	}
	envCfg, envRes := config.ParseConfigEnvs()

	eff, err := config.LoadEffectiveConfig(flags, fileCfg, fileExists, envCfg, envRes)
	if err != nil {
		log.Fatalf("failed to resolve config: %v", err)
	}

	level := ""
	if eff.Config != nil {
		level = eff.Config.Logging.Level
	}
	logger.InitWithLevel(level)
	defer logger.Sync()

	a, err := app.New(eff, version, commit, buildDate)
	if err != nil {
		shutdown.Abort("startup_failed", err, eff.DBPath, 0)
	}

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	if err := a.Run(ctx); err != nil {
		shutdown.Abort("server_failed", err, eff.DBPath, 0)
	}
}
