// Slippy Tile Proxy Server
// Copyright 2026 cyberang3l
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cyberang3l/slippy-tile-proxy-server

// Package config loads the tile proxy's map definitions and runtime tunables
// from a layered source: built-in defaults, an optional YAML map-definition
// file, then environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the map-definition file location.
const ConfigPathEnvVar = "TILEPROXY_CONFIG_PATH"

// DefaultConfigPaths are searched in order when ConfigPathEnvVar is unset.
var DefaultConfigPaths = []string{
	"maps.yaml",
	"maps.yml",
	"/etc/tileproxy/maps.yaml",
	"/etc/tileproxy/maps.yml",
}

// UrlStrategyKind selects which closed URL-building variant a tile server
// uses. There is no runtime code evaluation: every variant is a fixed Go
// function keyed off this tag.
type UrlStrategyKind string

const (
	// StrategySlippyTemplate substitutes {z}/{x}/{y} into URLFmt and prefixes
	// it with protocol://server/, server being a random pick from Servers.
	StrategySlippyTemplate UrlStrategyKind = "slippy_template"
	// StrategyArcgisExport builds an ArcGIS REST MapServer/export request.
	StrategyArcgisExport UrlStrategyKind = "arcgis_export"
	// StrategyGeonorgeWMS builds a Geonorge WMS GetMap request for a block
	// of tiles at once.
	StrategyGeonorgeWMS UrlStrategyKind = "geonorge_wms"
)

// UrlStrategy is a closed, serializable description of how to build an
// upstream request URL. Exactly one of the Kind-specific fields is
// meaningful for a given Kind.
type UrlStrategy struct {
	Kind UrlStrategyKind `koanf:"kind"`

	// Geonorge holds the well-known dataset/layer parameters used by
	// StrategyGeonorgeWMS.
	Geonorge GeonorgeCustomConfig `koanf:"geonorge"`
}

// Well-known Geonorge WMS datasets. These are the only datasets the
// coalescing downloader has been validated against; other datasets may be
// configured but are not guaranteed to honor the same tiling/DPI contract.
const (
	GeonorgeDatasetKartdata          = "wms.kartdata"
	GeonorgeDatasetKartdata3Graatone = "wms.kartdata3graatone"
	GeonorgeDatasetFjellskygge       = "wms.fjellskygge"
)

// GeonorgeCustomConfig names a single WMS layer within a Geonorge dataset,
// plus the rendering parameters the coalescing downloader requires to be
// uniform across every layer in a map.
type GeonorgeCustomConfig struct {
	Dataset   string `koanf:"dataset"`
	LayerName string `koanf:"layer_name"`
	DPI       int    `koanf:"dpi"`
	SizePx    int    `koanf:"size_px"`
}

// TileServerConfig is one upstream layer within a TileSetConfig.
type TileServerConfig struct {
	Servers             []string          `koanf:"servers"`
	URLFmt              string            `koanf:"url_fmt"`
	Protocol            string            `koanf:"protocol"`
	EnableTileCache     bool              `koanf:"enable_tile_cache"`
	TileCacheTimeoutSec int               `koanf:"tile_cache_timeout_sec"`
	Headers             map[string]string `koanf:"headers"`
	UrlStrategy         UrlStrategy       `koanf:"url_strategy"`
}

// Downloader selects which downloader implementation serves a map.
type Downloader string

const (
	DownloaderSimple        Downloader = "simple"
	DownloaderWMSCoalescing Downloader = "wms_coalescing"
)

// TileSetConfig describes one servable map: its layer stack and which
// downloader composites them.
type TileSetConfig struct {
	TileServers []TileServerConfig `koanf:"tile_servers"`
	Filetype    string             `koanf:"filetype"`
	Downloader  Downloader         `koanf:"downloader"`
}

// MainConfig maps a map ID (the first path segment of a tile request) to its
// definition.
type MainConfig map[string]TileSetConfig

// RuntimeConfig holds process-wide tunables that apply across all maps.
type RuntimeConfig struct {
	BindAddr                             string        `koanf:"bind_addr"`
	BindPort                             int           `koanf:"bind_port"`
	ConcurrentGeonorgeLargeTileDownloads int           `koanf:"concurrent_geonorge_large_tile_downloads"`
	CacheDir                             string        `koanf:"cache_dir"`
	DownloadWorkers                      int           `koanf:"download_workers"`
	DownloadTimeout                      time.Duration `koanf:"download_timeout"`
	WMSDownloadTimeout                   time.Duration `koanf:"wms_download_timeout"`
	FileLockWarnAfterSec                 int           `koanf:"file_lock_warn_after_sec"`
	LogLevel                             string        `koanf:"log_level"`
	LogFormat                            string        `koanf:"log_format"`
}

// Config is the fully loaded, validated configuration.
type Config struct {
	Runtime RuntimeConfig `koanf:"runtime"`
	Maps    MainConfig    `koanf:"maps"`
}

func defaultConfig() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			BindAddr:                             "0.0.0.0",
			BindPort:                             8080,
			ConcurrentGeonorgeLargeTileDownloads: 1,
			CacheDir:                             "/var/cache/tileproxy",
			DownloadWorkers:                      16,
			DownloadTimeout:                      3 * time.Second,
			WMSDownloadTimeout:                   20 * time.Second,
			FileLockWarnAfterSec:                 10,
			LogLevel:                             "info",
			LogFormat:                            "json",
		},
		Maps: MainConfig{},
	}
}

// Load builds the configuration in three layers: defaults, then an optional
// YAML map-definition file, then environment variables (highest priority).
func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load map config %s: %w", path, err)
		}
	}

	envProvider := env.Provider("TILEPROXY_", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	// BIND_ADDR, BIND_PORT, and CONCURRENT_GEONORGE_LARGE_TILE_DOWNLOADS are
	// carried over unprefixed, matching the names the original proxy reads.
	if v := os.Getenv("BIND_ADDR"); v != "" {
		k.Set("runtime.bind_addr", v)
	}
	if v := os.Getenv("BIND_PORT"); v != "" {
		k.Set("runtime.bind_port", v)
	}
	if v := os.Getenv("CONCURRENT_GEONORGE_LARGE_TILE_DOWNLOADS"); v != "" {
		k.Set("runtime.concurrent_geonorge_large_tile_downloads", v)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// runtimeEnvMappings maps TILEPROXY_-prefixed environment variable names
// (already lower-cased by envTransformFunc) to their koanf config path.
var runtimeEnvMappings = map[string]string{
	"bind_addr":                                "runtime.bind_addr",
	"bind_port":                                "runtime.bind_port",
	"concurrent_geonorge_large_tile_downloads": "runtime.concurrent_geonorge_large_tile_downloads",
	"cache_dir":                                "runtime.cache_dir",
	"download_workers":                         "runtime.download_workers",
	"download_timeout":                         "runtime.download_timeout",
	"wms_download_timeout":                     "runtime.wms_download_timeout",
	"file_lock_warn_after_sec":                 "runtime.file_lock_warn_after_sec",
	"log_level":                                "runtime.log_level",
	"log_format":                               "runtime.log_format",
}

// envTransformFunc maps a TILEPROXY_-prefixed environment variable name to
// its koanf config path, e.g. TILEPROXY_BIND_PORT -> runtime.bind_port.
func envTransformFunc(key string) string {
	key = strings.TrimPrefix(strings.ToLower(key), "tileproxy_")
	if path, ok := runtimeEnvMappings[key]; ok {
		return path
	}
	return strings.ReplaceAll(key, "_", ".")
}

// Validate rejects configurations that would fail later in a confusing way
// rather than a clear one: an unknown downloader kind, or a Geonorge layer
// missing its dataset.
func (c *Config) Validate() error {
	if c.Runtime.ConcurrentGeonorgeLargeTileDownloads < 1 {
		return fmt.Errorf("runtime.concurrent_geonorge_large_tile_downloads must be >= 1")
	}
	if c.Runtime.DownloadWorkers < 1 {
		return fmt.Errorf("runtime.download_workers must be >= 1")
	}
	for mapID, set := range c.Maps {
		switch set.Downloader {
		case DownloaderSimple, DownloaderWMSCoalescing:
		default:
			return fmt.Errorf("map %q: unknown downloader %q", mapID, set.Downloader)
		}
		for i, ts := range set.TileServers {
			if ts.UrlStrategy.Kind == StrategyGeonorgeWMS && ts.UrlStrategy.Geonorge.Dataset == "" {
				return fmt.Errorf("map %q layer %d: geonorge_wms strategy requires a dataset", mapID, i)
			}
		}
	}
	return nil
}
