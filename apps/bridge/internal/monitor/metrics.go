package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tickCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_ticks_total",
		Help: "Monitor ticks by outcome.",
	}, []string{"kind", "result"})

	observationCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_observations_total",
		Help: "Custody observations fed into the state machine.",
	})
)
