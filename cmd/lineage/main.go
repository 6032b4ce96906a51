// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command lineage runs the data lineage engine as an HTTP service and
// answers one-off lineage queries from the command line.
//
// Usage:
//
//	lineage serve --config lineage.yaml
//	lineage trace meter_readings --direction downstream --depth 3
//	lineage impact meter_readings --change-type schema_change
//	lineage visualize daily_agg --format mermaid
//	lineage import pipelines.yaml --data-dir /var/lib/lineage
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianLineage/pkg/logging"
	"github.com/AleutianAI/AleutianLineage/services/lineage"
	"github.com/AleutianAI/AleutianLineage/services/lineage/loader"
	storage "github.com/AleutianAI/AleutianLineage/services/lineage/storage/badger"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath  string
	dataDir     string
	definitions string
	logLevel    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "lineage",
		Short: "Data lineage and impact analysis engine",
		Long: `Track how data flows between sources, processes, storage and outputs,
and estimate the downstream impact of changing any of them.

Definitions come from a badger data directory (--data-dir), a YAML
definition file (--definitions), or both. Query commands load them into
a private in-memory engine; serve keeps them live and persists changes.`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "Path to a lineage.yaml config file")
	pf.StringVar(&opts.dataDir, "data-dir", "", "Badger data directory (overrides storage.path)")
	pf.StringVarP(&opts.definitions, "definitions", "d", "", "YAML definition file (overrides definitions.path)")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newTraceCmd(opts),
		newImpactCmd(opts),
		newVisualizeCmd(opts),
		newHealthCmd(opts),
		newStatsCmd(opts),
		newImportCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// load resolves the configuration: file, then environment, then flags.
func (o *rootOptions) load() (AppConfig, error) {
	cfg, err := LoadAppConfig(o.configPath)
	if err != nil {
		return cfg, err
	}
	if o.dataDir != "" {
		cfg.Storage.Path = o.dataDir
	}
	if o.definitions != "" {
		cfg.Definitions.Path = o.definitions
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	return cfg, nil
}

// runtime is an engine plus the storage it was loaded from.
type runtime struct {
	engine  *lineage.Engine
	db      *storage.DB
	archive *storage.ChangeArchive
	logger  *logging.Logger
}

// Close releases the database and flushes the log file.
func (r *runtime) Close() error {
	var errs []error
	if r.db != nil {
		errs = append(errs, r.db.Close())
	}
	if r.logger != nil {
		errs = append(errs, r.logger.Close())
	}
	return errors.Join(errs...)
}

// openRuntime builds an engine from cfg.
//
// Description:
//
//	When persist is true, engine mutations are written back to the data
//	directory, recorded changes are archived, and the definition file is
//	applied through the engine so it is persisted too. Otherwise the
//	definitions are only bootstrapped into memory.
func openRuntime(ctx context.Context, cfg AppConfig, persist, quiet bool) (*runtime, error) {
	logger, err := newLogger(cfg.Logging, quiet)
	if err != nil {
		return nil, err
	}
	rt := &runtime{logger: logger}

	engineOpts := []lineage.Option{lineage.WithLogger(logger.Slog())}
	var defs *storage.DefinitionStore
	if cfg.Storage.Path != "" {
		dbCfg := storage.DefaultConfig()
		dbCfg.Path = cfg.Storage.Path
		dbCfg.SyncWrites = cfg.Storage.SyncWrites
		dbCfg.Logger = logger.Slog()
		db, err := storage.Open(dbCfg)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		rt.db = db
		rt.archive = storage.NewChangeArchive(db)
		defs = storage.NewDefinitionStore(db)
		if persist {
			engineOpts = append(engineOpts,
				lineage.WithDefinitionWriter(defs),
				lineage.WithChangeSink(rt.archive),
			)
		}
	}

	engine, err := lineage.New(cfg.Engine, engineOpts...)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.engine = engine

	if defs != nil {
		nodes, rels, err := defs.Load(ctx)
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("load definitions: %w", err)
		}
		if _, err := engine.Bootstrap(ctx, nodes, rels); err != nil {
			_ = rt.Close()
			return nil, err
		}
	}

	if cfg.Definitions.Path != "" {
		f, err := loader.LoadFile(cfg.Definitions.Path)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		if err := applyDefinitions(ctx, engine, f, persist); err != nil {
			_ = rt.Close()
			return nil, err
		}
	}

	st := engine.GetStatus()
	slog.Debug("engine ready", "nodes", st.NodeCount, "relationships", st.RelationshipCount)
	return rt, nil
}

func applyDefinitions(ctx context.Context, engine *lineage.Engine, f *loader.File, persist bool) error {
	if persist {
		_, err := loader.Apply(ctx, engine, f)
		return err
	}
	nodes, err := f.GraphNodes()
	if err != nil {
		return err
	}
	rels, err := f.GraphRelationships()
	if err != nil {
		return err
	}
	_, err = engine.Bootstrap(ctx, nodes, rels)
	return err
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "lineage %s\n", lineage.ServiceVersion)
		},
	}
}
