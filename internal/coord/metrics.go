package coord

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	intentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sharedtab",
			Subsystem: "coord",
			Name:      "intents_total",
			Help:      "Local intents by kind and outcome.",
		},
		[]string{"kind", "success"},
	)
	mergesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sharedtab",
			Subsystem: "coord",
			Name:      "merges_total",
			Help:      "Incoming broadcasts by merge outcome.",
		},
		[]string{"adopted"},
	)
	rebroadcastsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sharedtab",
			Subsystem: "coord",
			Name:      "rebroadcasts_total",
			Help:      "Full-state rebroadcasts issued by the authority.",
		},
	)
	envelopesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sharedtab",
			Subsystem: "coord",
			Name:      "envelopes_dropped_total",
			Help:      "Inbound envelopes dropped before semantic handling.",
		},
		[]string{"reason"},
	)
	snapshotSeq = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sharedtab",
			Subsystem: "coord",
			Name:      "snapshot_seq",
			Help:      "Sequence number of the currently held snapshot.",
		},
	)
)

func registerMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(intentsTotal, mergesTotal, rebroadcastsTotal, envelopesDropped, snapshotSeq)
	})
}

func recordIntent(kind string, success bool) {
	registerMetrics()
	intentsTotal.WithLabelValues(kind, strconv.FormatBool(success)).Inc()
}

func recordMerge(adopted bool) {
	registerMetrics()
	mergesTotal.WithLabelValues(strconv.FormatBool(adopted)).Inc()
}

func recordRebroadcast() {
	registerMetrics()
	rebroadcastsTotal.Inc()
}

func recordEnvelopeDropped(reason string) {
	registerMetrics()
	envelopesDropped.WithLabelValues(reason).Inc()
}

func setSeqGauge(seq uint64) {
	registerMetrics()
	snapshotSeq.Set(float64(seq))
}
