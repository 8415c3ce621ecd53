package ps

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are the counters a PS exposes for its data-plane traffic: per-op
// request counts and how often a request was rejected for carrying a stale
// router version, which is the signal that a worker's cluster view has
// fallen behind a transfer.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kraken_ps_requests_total",
		Help: "Requests handled by a PS node, by opcode.",
	}, []string{"op"})

	staleRouterTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kraken_ps_stale_router_rejections_total",
		Help: "Requests rejected because their router_version was behind the PS's current version.",
	})
)
