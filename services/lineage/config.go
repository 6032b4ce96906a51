// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lineage

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianLineage/services/lineage/cache"
	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
	"github.com/AleutianAI/AleutianLineage/services/lineage/health"
	"github.com/AleutianAI/AleutianLineage/services/lineage/traversal"
)

// Scheduled task names.
const (
	TaskHealthCheck       = "health_check"
	TaskCacheSweep        = "cache_sweep"
	TaskStatisticsRefresh = "statistics_refresh"
)

var configValidate = validator.New(validator.WithRequiredStructEnabled())

// Config controls the engine.
//
// All fields have defaults via DefaultConfig(). Zero limits on the store
// mean unlimited.
type Config struct {
	// CacheTTL is the freshness window of impact analyses.
	// Default: 1h
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl" validate:"gt=0"`

	// CacheMaxEntries bounds the impact cache (LRU).
	// Default: 10,000
	CacheMaxEntries int `yaml:"cache_max_entries" json:"cache_max_entries" validate:"gt=0"`

	// DefaultMaxDepth is used by callers that do not pass a depth.
	// Default: 5
	DefaultMaxDepth int `yaml:"default_max_depth" json:"default_max_depth" validate:"gte=0,ltefield=MaxDepthLimit"`

	// MaxDepthLimit is the largest accepted traversal depth.
	// Default: 25
	MaxDepthLimit int `yaml:"max_depth_limit" json:"max_depth_limit" validate:"gt=0"`

	// BranchBudget caps the branches of one traversal tree. Zero disables it.
	// Default: 100,000
	BranchBudget int `yaml:"branch_budget" json:"branch_budget" validate:"gte=0"`

	// IndirectDepth is the downstream depth explored by impact analysis.
	// Default: 5
	IndirectDepth int `yaml:"indirect_depth" json:"indirect_depth" validate:"gte=1,ltefield=MaxDepthLimit"`

	// HealthCheckInterval between graph health checks.
	// Default: 10m
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval" validate:"gt=0"`

	// CacheSweepInterval between sweeps of expired analyses.
	// Default: 30m
	CacheSweepInterval time.Duration `yaml:"cache_sweep_interval" json:"cache_sweep_interval" validate:"gt=0"`

	// StatisticsRefreshInterval between flow statistics refreshes.
	// Default: 1h
	StatisticsRefreshInterval time.Duration `yaml:"statistics_refresh_interval" json:"statistics_refresh_interval" validate:"gt=0"`

	// TaskTimeout bounds a single background task run. Zero means none.
	// Default: 5m
	TaskTimeout time.Duration `yaml:"task_timeout" json:"task_timeout" validate:"gte=0"`

	// EventBufferSize is the number of recent events kept.
	// Default: 100
	EventBufferSize int `yaml:"event_buffer_size" json:"event_buffer_size" validate:"gt=0"`

	// HealthHistorySize is the number of health reports kept.
	// Default: 48
	HealthHistorySize int `yaml:"health_history_size" json:"health_history_size" validate:"gt=0"`

	// MaxNodes and MaxRelationships cap the store. Zero means unlimited.
	MaxNodes         int `yaml:"max_nodes" json:"max_nodes" validate:"gte=0"`
	MaxRelationships int `yaml:"max_relationships" json:"max_relationships" validate:"gte=0"`
}

// DefaultConfig returns the standard engine configuration.
func DefaultConfig() Config {
	return Config{
		CacheTTL:                  cache.DefaultTTL,
		CacheMaxEntries:           cache.DefaultMaxEntries,
		DefaultMaxDepth:           traversal.DefaultMaxDepth,
		MaxDepthLimit:             traversal.DefaultMaxDepthLimit,
		BranchBudget:              traversal.DefaultBranchBudget,
		IndirectDepth:             5,
		HealthCheckInterval:       10 * time.Minute,
		CacheSweepInterval:        30 * time.Minute,
		StatisticsRefreshInterval: time.Hour,
		TaskTimeout:               5 * time.Minute,
		EventBufferSize:           100,
		HealthHistorySize:         health.DefaultHistorySize,
		MaxNodes:                  graph.DefaultMaxNodes,
		MaxRelationships:          graph.DefaultMaxRelationships,
	}
}

// Validate checks every field against its constraints.
//
// Errors:
//
//	graph.ErrInvalidArgument - One error per failing field, joined.
func (c Config) Validate() error {
	err := configValidate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		reason := fmt.Sprintf("must satisfy %s", fe.Tag())
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		errs = append(errs, graph.NewInvalidArgument("config."+fe.Field(), fmt.Sprint(fe.Value()), reason))
	}
	return errors.Join(errs...)
}
