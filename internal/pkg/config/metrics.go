package config

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ConfigMetrics tracks configuration loading for one component. Metric names
// are prefixed with the component name, e.g. worker_config_fallbacks_total.
type ConfigMetrics struct {
	// LoadTimestamp is the Unix time of the last load
	LoadTimestamp prometheus.Gauge

	// ValidationErrorsTotal counts rejected values by field
	ValidationErrorsTotal *prometheus.CounterVec

	// FallbacksTotal counts defaults applied by field and fallback type
	FallbacksTotal *prometheus.CounterVec

	// FallbackActive is 1 while any field runs on a fallback
	FallbackActive prometheus.Gauge
}

// NewConfigMetrics registers the metrics for componentName with the default registry.
// Registering the same component twice panics.
func NewConfigMetrics(componentName string) *ConfigMetrics {
	return NewConfigMetricsWith(prometheus.DefaultRegisterer, componentName)
}

// NewConfigMetricsWith registers the metrics with reg.
func NewConfigMetricsWith(reg prometheus.Registerer, componentName string) *ConfigMetrics {
	factory := promauto.With(reg)
	return &ConfigMetrics{
		LoadTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_config_load_timestamp", componentName),
			Help: fmt.Sprintf("Unix timestamp of last %s configuration load", componentName),
		}),
		ValidationErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_config_validation_errors_total", componentName),
			Help: fmt.Sprintf("Total number of %s configuration validation errors", componentName),
		}, []string{"field"}),
		FallbacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_config_fallbacks_total", componentName),
			Help: fmt.Sprintf("Total number of %s configuration fallback operations", componentName),
		}, []string{"field", "type"}),
		FallbackActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_config_fallback_active", componentName),
			Help: fmt.Sprintf("1 if any %s configuration fallback is active, 0 otherwise", componentName),
		}),
	}
}

// RecordLoadTimestamp sets the load timestamp to now.
func (m *ConfigMetrics) RecordLoadTimestamp() {
	m.LoadTimestamp.SetToCurrentTime()
}

// RecordValidationError counts a rejected value for field.
func (m *ConfigMetrics) RecordValidationError(field string) {
	m.ValidationErrorsTotal.WithLabelValues(field).Inc()
}

// RecordFallback counts a fallback for field; fallbackType is usually "default".
func (m *ConfigMetrics) RecordFallback(field, fallbackType string) {
	m.FallbacksTotal.WithLabelValues(field, fallbackType).Inc()
}

// SetFallbackActive reports whether any fallback is in effect.
func (m *ConfigMetrics) SetFallbackActive(active bool) {
	if active {
		m.FallbackActive.Set(1)
		return
	}
	m.FallbackActive.Set(0)
}
