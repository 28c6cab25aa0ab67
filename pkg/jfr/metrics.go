package jfr

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	chunks          *prometheus.CounterVec
	events          prometheus.Counter
	eventsDecoded   prometheus.Counter
	poolEntries     prometheus.Counter
	bindingFailures prometheus.Counter
	chunkDuration   prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		chunks: registerOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jfr",
			Name:      "chunks_total",
			Help:      "Number of recording chunks read, by outcome.",
		}, []string{"outcome"})),
		events: registerOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jfr",
			Name:      "events_total",
			Help:      "Number of events seen in recordings.",
		})),
		eventsDecoded: registerOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jfr",
			Name:      "events_decoded_total",
			Help:      "Number of events materialized for registered handlers.",
		})),
		poolEntries: registerOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jfr",
			Name:      "constant_pool_entries_total",
			Help:      "Number of constant pool entries recorded for lookup.",
		})),
		bindingFailures: registerOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jfr",
			Name:      "binding_failures_total",
			Help:      "Number of registered shapes that could not be bound to an event type of a chunk.",
		})),
		chunkDuration: registerOrGet(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:                       "jfr",
			Name:                            "chunk_duration_seconds",
			Help:                            "Time spent reading a single chunk.",
			Buckets:                         prometheus.ExponentialBucketsRange(0.001, 60, 30),
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  50,
			NativeHistogramMinResetDuration: time.Hour,
		})),
	}
}

func registerOrGet[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	err := reg.Register(c)
	if err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector.(T)
		}
		panic(err)
	}
	return c
}
