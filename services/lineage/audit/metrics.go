// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	changesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lineage_audit_changes_total",
		Help: "Total recorded changes by change type and validation status",
	}, []string{"change_type", "validation_status"})

	sinkFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lineage_audit_sink_failures_total",
		Help: "Total change records the sink failed to accept",
	})
)
