package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"riskwatch/internal/config"
	"riskwatch/internal/dashboard"
	"riskwatch/internal/logger"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		logger.Init("info")
		logger.Logger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger.Init(cfg.LogLevel)
	log := logger.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := dashboard.New(cfg)
	if err := svc.Run(ctx); err != nil {
		log.Error().Err(err).Msg("dashboard exited")
		os.Exit(1)
	}
	log.Info().Msg("exited")
}
