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
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
	"github.com/AleutianAI/AleutianLineage/services/lineage/loader"
	storage "github.com/AleutianAI/AleutianLineage/services/lineage/storage/badger"
)

func newImportCmd(root *rootOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "import <definitions.yaml>",
		Short: "Import a YAML definition file into the data directory",
		Long: `Validate a YAML definition file and write every node and relationship
to the badger data directory in one batch. Existing definitions with the
same ids are replaced.

Use --dry-run to validate only.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			f, err := loader.LoadFile(args[0])
			if err != nil {
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
			out := cmd.OutOrStdout()
			if dryRun {
				fmt.Fprintf(out, "valid: %d nodes, %d relationships\n", len(nodes), len(rels))
				return nil
			}
			if cfg.Storage.Path == "" {
				return fmt.Errorf("no data directory: set --data-dir or storage.path")
			}
			if err := importDefinitions(cmd.Context(), cfg.Storage, nodes, rels); err != nil {
				return err
			}
			fmt.Fprintf(out, "imported %d nodes, %d relationships into %s\n", len(nodes), len(rels), cfg.Storage.Path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate the file without writing")
	return cmd
}

func importDefinitions(ctx context.Context, sc StorageConfig, nodes []graph.DataNode, rels []graph.Relationship) error {
	dbCfg := storage.DefaultConfig()
	dbCfg.Path = sc.Path
	dbCfg.SyncWrites = sc.SyncWrites
	db, err := storage.Open(dbCfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return storage.NewDefinitionStore(db).SaveAll(ctx, nodes, rels)
}
