// Copyright (C) 2026 Tesuji AI (dev@tesuji.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pattern

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gamesRecordedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tesuji_pattern_games_recorded_total",
		Help: "Completed games recorded into the pattern store",
	}, []string{"result"})

	keyUpsertsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tesuji_pattern_key_upserts_total",
		Help: "Distinct pattern keys upserted by record/seed operations",
	})

	commitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tesuji_pattern_commit_duration_seconds",
		Help:    "Time to commit one RecordGame transaction",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	inconsistentReadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tesuji_pattern_inconsistent_reads_total",
		Help: "Stored records that failed the consistency check on read",
	})

	adminOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tesuji_pattern_admin_operations_total",
		Help: "Administrative operations (seed, reset) by status",
	}, []string{"operation", "status"})
)
