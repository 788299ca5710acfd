package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	catmetrics "github.com/xerilium/catalyst/pkg/catalyst/v1/metrics"
)

// PrometheusRegistryProvider owns a private Prometheus registry.
type PrometheusRegistryProvider struct {
	registry *prometheus.Registry
}

func NewPrometheusRegistryProvider() *PrometheusRegistryProvider {
	return &PrometheusRegistryProvider{
		registry: prometheus.NewRegistry(),
	}
}

func (p *PrometheusRegistryProvider) Registry() *prometheus.Registry {
	return p.registry
}

var _ catmetrics.RegistryProvider = (*PrometheusRegistryProvider)(nil)
