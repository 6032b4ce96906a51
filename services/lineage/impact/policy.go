// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package impact

import (
	"maps"
	"slices"

	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
)

// Mitigation strategies, in the order they are proposed.
const (
	MitigationStagedRollout = "Staged rollout: apply the change to a subset of downstream consumers first"
	MitigationBackup        = "Backup verification: confirm restorable backups of affected datasets before the change"
	MitigationParallelTest  = "Parallel testing: run the old and new flow side by side and compare outputs"
	MitigationMonitoring    = "Monitoring enhancement: add quality and freshness alerts on affected flows"
)

// DefaultRollbackPlan is the rollback checklist attached to every analysis.
var DefaultRollbackPlan = []string{
	"Stop the affected data flow",
	"Restore the previous data state from backup",
	"Restart dependent services",
	"Verify data integrity downstream",
	"Resume monitoring",
}

// Policy holds every weight and threshold used to score an analysis.
type Policy struct {
	// CriticalityWeights scores a relationship by its criticality.
	CriticalityWeights map[graph.Criticality]float64

	// QualityWeights scores a relationship by its data quality impact.
	QualityWeights map[graph.QualityImpact]float64

	// IndirectDiscount multiplies the indirect weight sum.
	IndirectDiscount float64

	// IndirectDepth is the downstream depth explored. Values below 1 are
	// treated as 1.
	IndirectDepth int

	// A change is high risk when score > HighScore or nodes > HighNodes,
	// otherwise medium when score ≥ MediumScore or nodes > MediumNodes.
	HighScore   float64
	HighNodes   int
	MediumScore float64
	MediumNodes int

	// ParallelTestingNodes triggers parallel testing when more nodes than
	// this are affected.
	ParallelTestingNodes int

	// RollbackPlan is the ordered rollback checklist.
	RollbackPlan []string
}

// DefaultPolicy returns the standard weights and thresholds.
func DefaultPolicy() Policy {
	return Policy{
		CriticalityWeights: map[graph.Criticality]float64{
			graph.CriticalityCritical: 10,
			graph.CriticalityHigh:     7,
			graph.CriticalityMedium:   4,
			graph.CriticalityLow:      1,
		},
		QualityWeights: map[graph.QualityImpact]float64{
			graph.QualityImpactHigh:   5,
			graph.QualityImpactMedium: 3,
			graph.QualityImpactLow:    1,
		},
		IndirectDiscount:     0.5,
		IndirectDepth:        5,
		HighScore:            50,
		HighNodes:            10,
		MediumScore:          20,
		MediumNodes:          5,
		ParallelTestingNodes: 5,
		RollbackPlan:         slices.Clone(DefaultRollbackPlan),
	}
}

// Clone returns a deep copy of the policy.
func (p Policy) Clone() Policy {
	out := p
	out.CriticalityWeights = maps.Clone(p.CriticalityWeights)
	out.QualityWeights = maps.Clone(p.QualityWeights)
	out.RollbackPlan = slices.Clone(p.RollbackPlan)
	return out
}

// Weight returns the score contribution of one relationship. Unknown enum
// values contribute zero.
func (p Policy) Weight(rel *graph.Relationship) float64 {
	return p.CriticalityWeights[rel.Criticality] + p.QualityWeights[rel.QualityImpact]
}

// Level classifies an overall score and affected node count.
func (p Policy) Level(score float64, nodes int) Level {
	switch {
	case score > p.HighScore || nodes > p.HighNodes:
		return LevelHigh
	case score >= p.MediumScore || nodes > p.MediumNodes:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Mitigations returns the ordered mitigation strategies for a result.
func (p Policy) Mitigations(level Level, nodes int) []string {
	var out []string
	if level == LevelHigh {
		out = append(out, MitigationStagedRollout, MitigationBackup)
	}
	if nodes > p.ParallelTestingNodes {
		out = append(out, MitigationParallelTest)
	}
	return append(out, MitigationMonitoring)
}
