package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"iot-gateway/internal/config"
	"iot-gateway/internal/gateway"
	"iot-gateway/internal/logging"
)

func main() {
	var cfgPath, seedPath string
	flag.StringVar(&cfgPath, "config", "config/gateway.yaml", "path to YAML config")
	flag.StringVar(&seedPath, "seed", "", "optional YAML inventory loaded into an empty database")
	flag.Parse()

	cfg, problems, err := config.Load(cfgPath)
	log := logging.New(cfg.Service, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfgPath).Msg("load config")
	}
	for _, p := range problems {
		log.Warn().Str("field", p.Field).Str("problem", p.Message).Msg("config value replaced by default")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle SIGINT/SIGTERM for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		log.Info().Str("signal", s.String()).Msg("shutting down")
		cancel()
	}()

	gw, err := gateway.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build gateway")
	}
	if seedPath != "" {
		seed, err := gateway.LoadSeed(seedPath)
		if err != nil {
			log.Fatal().Err(err).Msg("load seed")
		}
		applied, err := gateway.ApplySeed(ctx, gw.Store(), seed)
		if err != nil {
			log.Fatal().Err(err).Msg("apply seed")
		}
		log.Info().Bool("applied", applied).Str("path", seedPath).Msg("seed processed")
	}

	if err := gw.Run(ctx); err != nil {
		log.Error().Err(err).Msg("gateway exited with error")
		os.Exit(1)
	}
}
