// Slippy Tile Proxy Server
// Copyright 2026 cyberang3l
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cyberang3l/slippy-tile-proxy-server

// Package main is the entry point for the slippy-map tile proxy server.
//
// The server initializes components in the following order:
//
//  1. Configuration: load map definitions and runtime tunables (koanf: env,
//     YAML file, defaults)
//  2. Logging: configure the global zerolog logger from the loaded config
//  3. Shared cache state: the tile store and namespace lock registry
//  4. Downloaders: one SimpleDownloader shared by every simple map and one
//     WMSCoalescingDownloader shared by every WMS map, both sharing the
//     cache state above
//  5. HTTP server: the Chi router, with graceful shutdown on SIGINT/SIGTERM
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cyberang3l/slippy-tile-proxy-server/internal/api"
	"github.com/cyberang3l/slippy-tile-proxy-server/internal/config"
	"github.com/cyberang3l/slippy-tile-proxy-server/internal/downloader"
	"github.com/cyberang3l/slippy-tile-proxy-server/internal/downloader/simple"
	"github.com/cyberang3l/slippy-tile-proxy-server/internal/downloader/wms"
	"github.com/cyberang3l/slippy-tile-proxy-server/internal/logging"
	"github.com/cyberang3l/slippy-tile-proxy-server/internal/nslock"
	"github.com/cyberang3l/slippy-tile-proxy-server/internal/tilestore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Runtime.LogLevel,
		Format: cfg.Runtime.LogFormat,
	})

	logging.Info().
		Int("maps", len(cfg.Maps)).
		Str("cache_dir", cfg.Runtime.CacheDir).
		Msg("starting tile proxy")

	store, err := tilestore.New(cfg.Runtime.CacheDir, nslock.New(), cfg.Runtime.FileLockWarnAfterSec)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to initialize tile cache")
	}

	blockLocks := nslock.New()
	downloaders, err := buildDownloaders(cfg, store, blockLocks)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to build downloaders from map configuration")
	}

	router := api.New(downloaders, cfg.Runtime, blockLocks)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Runtime.BindAddr, cfg.Runtime.BindPort),
		Handler:      router.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logging.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			logging.Error().Err(err).Msg("HTTP server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("graceful shutdown failed")
	}

	logging.Info().Msg("tile proxy stopped")
}

// buildDownloaders constructs at most one downloader per downloader kind and
// maps every configured map ID to the one of its kind, sharing a single
// TileStore and block-lock registry across all of them.
func buildDownloaders(cfg *config.Config, store *tilestore.TileStore, blockLocks *nslock.NamespaceLock) (map[string]downloader.Downloader, error) {
	downloaders := make(map[string]downloader.Downloader, len(cfg.Maps))

	simpleTileSets := config.MainConfig{}
	wmsTileSets := config.MainConfig{}
	for mapID, tileSet := range cfg.Maps {
		switch tileSet.Downloader {
		case config.DownloaderSimple:
			simpleTileSets[mapID] = tileSet
		case config.DownloaderWMSCoalescing:
			wmsTileSets[mapID] = tileSet
		default:
			return nil, fmt.Errorf("map %q: unknown downloader %q", mapID, tileSet.Downloader)
		}
	}

	if len(simpleTileSets) > 0 {
		d := simple.New(store, simpleTileSets, cfg.Runtime.DownloadTimeout, simple.WithWorkers(cfg.Runtime.DownloadWorkers))
		for mapID := range simpleTileSets {
			downloaders[mapID] = d
		}
	}
	if len(wmsTileSets) > 0 {
		d := wms.New(store, blockLocks, wmsTileSets, cfg.Runtime.ConcurrentGeonorgeLargeTileDownloads, cfg.Runtime.WMSDownloadTimeout)
		for mapID := range wmsTileSets {
			downloaders[mapID] = d
		}
	}

	return downloaders, nil
}
