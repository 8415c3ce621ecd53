package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// transferInProgress reports whether the scheduler currently has a shard
// transfer in flight, for dashboards watching cluster join/rebalance events.
var transferInProgress = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "kraken_scheduler_transfer_in_progress",
	Help: "1 while the scheduler is moving table ownership after a membership change, 0 otherwise.",
})
