package main

import (
	"go.uber.org/zap"

	"github.com/saltfish/freqsearch/go-evolver/internal/config"
)

// initLogger initializes the zap logger based on configuration.
func initLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapCfg zap.Config

	if cfg.Logging.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	switch cfg.Logging.Level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	if cfg.Logging.OutputPath != "" {
		zapCfg.OutputPaths = []string{cfg.Logging.OutputPath}
	}

	return zapCfg.Build(zap.Fields(zap.String("service", "evolver")))
}
