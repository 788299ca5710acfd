package metrics

import "github.com/prometheus/client_golang/prometheus"

// RegistryProvider exposes the registry the runner's collectors live in, so a
// host can serve it (see the status server's /metrics route).
type RegistryProvider interface {
	Registry() *prometheus.Registry
}
