// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/modbusgw/gateway/internal/config"
	"github.com/modbusgw/gateway/internal/gateway"
	"github.com/modbusgw/gateway/internal/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, v, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	if err := logger.Init(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	log := logger.Get()
	defer logger.Sync()

	log.Info("starting modbus gateway")

	gw, err := gateway.New(cfg, log)
	if err != nil {
		log.Error("failed to build gateway", zap.Error(err))
		return 1
	}

	config.WatchReloadable(v, cfg, func(msg string) {
		log.Warn(msg)
	}, gw.ApplyReloadable)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", zap.Stringer("signal", sig))
		cancel()
	}()

	if err := gw.Start(ctx); err != nil {
		log.Error("gateway exited with error", zap.Error(err))
		return 1
	}

	log.Info("gateway stopped cleanly")
	return 0
}
