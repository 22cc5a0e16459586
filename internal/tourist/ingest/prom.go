package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_batches_total",
		Help: "Feed batches handled grouped by outcome.",
	}, []string{"result"})

	entriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_entries_total",
		Help: "Feed entries handled grouped by outcome.",
	}, []string{"result"})

	reconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_reconnect_attempts_total",
		Help: "Reconnect attempts scheduled after transport errors.",
	})

	prunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_positions_pruned_total",
		Help: "Positions dropped by the expiry policy.",
	})

	connectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingest_connection_state",
		Help: "1 for the current feed connection state, 0 otherwise.",
	}, []string{"state"})
)
