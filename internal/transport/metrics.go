package transport

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	sendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sharedtab",
			Subsystem: "transport",
			Name:      "sends_total",
			Help:      "Envelope send attempts by outcome.",
		},
		[]string{"success"},
	)
	broadcastsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sharedtab",
			Subsystem: "transport",
			Name:      "broadcasts_total",
			Help:      "Broadcast operations issued.",
		},
	)
	receivesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sharedtab",
			Subsystem: "transport",
			Name:      "receives_total",
			Help:      "Raw envelopes received from peers.",
		},
	)
	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sharedtab",
			Subsystem: "transport",
			Name:      "events_dropped_total",
			Help:      "Connectivity events dropped because the consumer fell behind.",
		},
	)
	openFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sharedtab",
			Subsystem: "transport",
			Name:      "open_failures_total",
			Help:      "Failed facilitator registrations.",
		},
	)
)

func registerMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(sendsTotal, broadcastsTotal, receivesTotal, eventsDropped, openFailures)
	})
}

func recordSend(success bool) {
	registerMetrics()
	sendsTotal.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func recordBroadcast() {
	registerMetrics()
	broadcastsTotal.Inc()
}

func recordReceive() {
	registerMetrics()
	receivesTotal.Inc()
}

func recordEventDropped() {
	registerMetrics()
	eventsDropped.Inc()
}

func recordOpenFailure() {
	registerMetrics()
	openFailures.Inc()
}
