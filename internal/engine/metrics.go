package engine

import "github.com/prometheus/client_golang/prometheus"

// metrics are the Core Façade's own counters, exposed alongside the
// admin HTTP surface the way lnd's monitoring hooks expose subsystem
// counters without the subsystem itself depending on how they're
// scraped.
var (
	chunksCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paychand",
		Name:      "chunks_created_total",
		Help:      "Chunk payments reserved via StreamChunk.",
	})
	chunksPaid = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paychand",
		Name:      "chunks_paid_total",
		Help:      "Chunk payments marked paid via PayChunk.",
	})
	settlementsBuilt = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paychand",
		Name:      "settlements_built_total",
		Help:      "Settlement transactions built and broadcast.",
	})
)

func init() {
	prometheus.MustRegister(chunksCreated, chunksPaid, settlementsBuilt)
}
