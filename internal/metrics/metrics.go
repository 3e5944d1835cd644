// Package metrics exposes Prometheus instrumentation for the host
// engine: container lifecycle counters, scanner transitions, and
// controller handshake activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ContainersTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hostd_containers_total",
		Help: "Total number of containers currently registered on the host.",
	})
	ContainerCreates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostd_container_creates_total",
		Help: "Total number of createContainer calls by outcome.",
	}, []string{"outcome"})
	ContainerDisposes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostd_container_disposes_total",
		Help: "Total number of disposeContainer calls by outcome.",
	}, []string{"outcome"})
	ContainerUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostd_container_updates_total",
		Help: "Total number of updateContainerReleaseId calls by outcome.",
	}, []string{"outcome"})
	ScannerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostd_scanner_transitions_total",
		Help: "Total number of scanner state transitions by target status and outcome.",
	}, []string{"target", "outcome"})
	ControllerReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostd_controller_reconnects_total",
		Help: "Total number of controller reconnect attempts by outcome.",
	}, []string{"outcome"})
	HandshakeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hostd_handshake_duration_seconds",
		Help:    "Duration of controller handshake attempts.",
		Buckets: prometheus.DefBuckets,
	})
	ExtensionCallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostd_extension_callbacks_total",
		Help: "Total number of extension callback invocations by extension and callback.",
	}, []string{"extension", "callback"})
)
