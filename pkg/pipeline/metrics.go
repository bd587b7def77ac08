package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for pipeline operations.
var (
	pagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_pages_total",
		Help: "Total pages fetched by term",
	}, []string{"term"})

	recordsAcceptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_records_accepted_total",
		Help: "Total unique records accepted into the result",
	})

	recordsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_records_rejected_total",
		Help: "Total records not accepted by reason",
	}, []string{"reason"}) // "invalid", "duplicate", "late"

	uniqueRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_unique_records",
		Help: "Unique records collected in the current run",
	})

	sourcesFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_sources_finished_total",
		Help: "Total sources reaching a terminal state by state",
	}, []string{"state"})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_runs_total",
		Help: "Total harvest runs by outcome",
	}, []string{"outcome"})

	shutdownsForcedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_shutdowns_forced_total",
		Help: "Total runs whose sinks were stopped after the shutdown grace expired",
	})
)
