package extension

import (
	"github.com/hostcraft/hostd/internal/instance"
	"github.com/hostcraft/hostd/internal/metrics"
)

// MetricsExtension instruments every lifecycle callback it receives. It
// runs first (lowest StartOrder) so the counters reflect every attempt,
// including ones a later extension goes on to fail.
type MetricsExtension struct{}

// NewMetricsExtension returns an always-active extension with start
// order 0.
func NewMetricsExtension() *MetricsExtension { return &MetricsExtension{} }

func (e *MetricsExtension) Name() string                 { return "metrics" }
func (e *MetricsExtension) IsActive() bool                { return true }
func (e *MetricsExtension) StartOrder() int               { return 0 }
func (e *MetricsExtension) ImplementedCapability() string { return "Metrics" }

func (e *MetricsExtension) Init(Host, *Registry) error { return nil }
func (e *MetricsExtension) Destroy(Host, *Registry)     {}

func (e *MetricsExtension) CreateContainer(_ string, _ *instance.ContainerInstance, _ map[string]string) error {
	metrics.ExtensionCallbacks.WithLabelValues(e.Name(), "create").Inc()
	return nil
}

func (e *MetricsExtension) DisposeContainer(_ string, _ *instance.ContainerInstance, _ map[string]string) error {
	metrics.ExtensionCallbacks.WithLabelValues(e.Name(), "dispose").Inc()
	return nil
}

func (e *MetricsExtension) UpdateContainer(_ string, _ *instance.ContainerInstance, _ map[string]string) error {
	metrics.ExtensionCallbacks.WithLabelValues(e.Name(), "update").Inc()
	return nil
}

func (e *MetricsExtension) IsUpdateContainerAllowed(_ string, _ *instance.ContainerInstance, _ map[string]string) bool {
	metrics.ExtensionCallbacks.WithLabelValues(e.Name(), "update-allowed").Inc()
	return true
}
