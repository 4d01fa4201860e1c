package pubsub

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Stats counts what happened to samples handed to subscriber queues.
type Stats struct {
	Queued  uint64
	Dropped uint64
	Evicted uint64
}

// Result label values of the samples counter.
const (
	resultQueued  = "queued"
	resultDropped = "dropped"
	resultEvicted = "evicted"
)

// counters keeps per-broker sample counters in a private registry, so two
// brokers in one process never share or collide on metrics.
type counters struct {
	registry *prometheus.Registry
	samples  *prometheus.CounterVec
}

func newCounters(broker string) *counters {
	samples := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "matchsync",
		Subsystem:   "pubsub",
		Name:        "samples_total",
		Help:        "Samples handed to subscriber queues, by result.",
		ConstLabels: prometheus.Labels{"broker": broker},
	}, []string{"result"})

	registry := prometheus.NewRegistry()
	registry.MustRegister(samples)

	// Pre-create every series so a snapshot reads zero instead of nothing.
	for _, r := range []string{resultQueued, resultDropped, resultEvicted} {
		samples.WithLabelValues(r)
	}
	return &counters{registry: registry, samples: samples}
}

func (c *counters) record(r pushResult) {
	switch r {
	case pushQueued:
		c.samples.WithLabelValues(resultQueued).Inc()
	case pushDropped:
		c.samples.WithLabelValues(resultDropped).Inc()
	case pushEvicted:
		c.samples.WithLabelValues(resultEvicted).Inc()
	}
}

func (c *counters) value(result string) uint64 {
	var m dto.Metric
	if err := c.samples.WithLabelValues(result).Write(&m); err != nil {
		return 0
	}
	return uint64(m.GetCounter().GetValue())
}

func (c *counters) snapshot() Stats {
	return Stats{
		Queued:  c.value(resultQueued),
		Dropped: c.value(resultDropped),
		Evicted: c.value(resultEvicted),
	}
}
