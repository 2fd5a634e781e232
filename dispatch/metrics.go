package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credit_distribution_runs_total",
		Help: "Distribution runs by outcome.",
	}, []string{"status"})

	kwhDistributedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credit_kwh_distributed_total",
		Help: "Total kWh delivered to beneficiaries.",
	})

	entriesFulfilledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credit_entries_fulfilled_total",
		Help: "Waitlist entries fulfilled by distribution runs.",
	})

	lotsSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credit_lots_expired_total",
		Help: "Lots transitioned to EXPIRED by sweeps.",
	})
)
