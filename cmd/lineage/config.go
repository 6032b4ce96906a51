// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianLineage/pkg/logging"
	"github.com/AleutianAI/AleutianLineage/services/lineage"
	"github.com/AleutianAI/AleutianLineage/services/lineage/telemetry"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	RateLimit       float64       `yaml:"rate_limit"`
	RateBurst       int           `yaml:"rate_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects the badger directory. An empty path keeps the
// graph in memory only.
type StorageConfig struct {
	Path       string `yaml:"path"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// DefinitionsConfig points at a YAML definition file.
type DefinitionsConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// AppConfig is the lineage.yaml file.
//
// Example:
//
//	server:
//	  addr: ":8090"
//	  rate_limit: 50
//	storage:
//	  path: /var/lib/lineage
//	definitions:
//	  path: /etc/lineage/pipelines.yaml
//	  watch: true
//	engine:
//	  cache_ttl: 30m
//	  indirect_depth: 4
type AppConfig struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Definitions DefinitionsConfig `yaml:"definitions"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   telemetry.Config  `yaml:"telemetry"`
	Engine      lineage.Config    `yaml:"engine"`
}

// DefaultAppConfig returns the configuration used without a file.
func DefaultAppConfig() AppConfig {
	return AppConfig{
		Server: ServerConfig{
			Addr:            ":8090",
			RateLimit:       100,
			RateBurst:       200,
			ShutdownTimeout: 15 * time.Second,
		},
		Storage:   StorageConfig{SyncWrites: true},
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: telemetry.DefaultConfig(),
		Engine:    lineage.DefaultConfig(),
	}
}

// LoadAppConfig reads path over the defaults, then applies LINEAGE_*
// environment overrides. An empty path skips the file.
func LoadAppConfig(path string) (AppConfig, error) {
	cfg := DefaultAppConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides cfg from the environment:
//
//	LINEAGE_ADDR, LINEAGE_DATA_DIR, LINEAGE_DEFINITIONS, LINEAGE_WATCH,
//	LINEAGE_LOG_LEVEL, LINEAGE_LOG_DIR, LINEAGE_LOG_JSON,
//	LINEAGE_RATE_LIMIT, LINEAGE_CACHE_TTL
func applyEnv(cfg *AppConfig) error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setString("LINEAGE_ADDR", &cfg.Server.Addr)
	setString("LINEAGE_DATA_DIR", &cfg.Storage.Path)
	setString("LINEAGE_DEFINITIONS", &cfg.Definitions.Path)
	setString("LINEAGE_LOG_LEVEL", &cfg.Logging.Level)
	setString("LINEAGE_LOG_DIR", &cfg.Logging.Dir)

	var errs []error
	if v, ok := os.LookupEnv("LINEAGE_WATCH"); ok {
		b, err := strconv.ParseBool(v)
		errs = append(errs, envErr("LINEAGE_WATCH", err))
		cfg.Definitions.Watch = b
	}
	if v, ok := os.LookupEnv("LINEAGE_LOG_JSON"); ok {
		b, err := strconv.ParseBool(v)
		errs = append(errs, envErr("LINEAGE_LOG_JSON", err))
		cfg.Logging.JSON = b
	}
	if v, ok := os.LookupEnv("LINEAGE_RATE_LIMIT"); ok {
		f, err := strconv.ParseFloat(v, 64)
		errs = append(errs, envErr("LINEAGE_RATE_LIMIT", err))
		cfg.Server.RateLimit = f
	}
	if v, ok := os.LookupEnv("LINEAGE_CACHE_TTL"); ok {
		d, err := time.ParseDuration(v)
		errs = append(errs, envErr("LINEAGE_CACHE_TTL", err))
		cfg.Engine.CacheTTL = d
	}
	return errors.Join(errs...)
}

func envErr(key string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", key, err)
}

// newLogger builds the process logger and installs it as slog's default.
func newLogger(cfg LoggingConfig, quiet bool) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Dir,
		Service: "lineage",
		JSON:    cfg.JSON,
		Quiet:   quiet,
	})
	slog.SetDefault(logger.Slog())
	return logger, nil
}
