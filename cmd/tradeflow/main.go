package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"tradeflow/internal/app"
	"tradeflow/internal/logger"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration file")
	flag.Parse()

	a, err := app.New(*cfgPath)
	if err != nil {
		logger.Errorf("startup failed: %v", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logger.Errorf("run failed: %v", err)
		os.Exit(1)
	}
	logger.Infof("shutdown complete")
}
