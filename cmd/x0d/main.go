// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main is the x0d entry point: parse flags, compile the Flow
// handler, start the worker loops and listener, serve until interrupted.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/etalazz/x0d/internal/x0d/config"
	"github.com/etalazz/x0d/internal/x0d/metrics"
	"github.com/etalazz/x0d/internal/x0d/xlog"
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	cfg, err := config.Parse(args[0], args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, err := xlog.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		return 2
	}
	defer logger.Sync()

	srv, err := newServer(cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return 1
	}

	if cfg.MetricsAddr != "" {
		metrics.Serve(cfg.MetricsAddr)
		logger.Info("metrics endpoint up", zap.String("addr", cfg.MetricsAddr))
	}

	if err := srv.Start(); err != nil {
		logger.Error("bind failed", zap.Error(err))
		return 1
	}
	logger.Info("listening",
		zap.String("addr", srv.Addr().String()),
		zap.Int("workers", cfg.Workers))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	srv.Close()
	return 0
}
