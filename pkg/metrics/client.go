// Package metrics is the thin typed client for the Prometheus and
// Grafana backends. Every other component issues its backend reads
// through this package; calls carry a per-call timeout and share one
// concurrency cap so a burst of tool invocations cannot overload the
// backend.
package metrics

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBackendUnavailable wraps transport or backend-side failures.
	ErrBackendUnavailable = errors.New("metrics backend unavailable")
	// ErrNotConfigured is returned for lookups that need a backend the
	// configuration does not name (e.g. deployments without Grafana).
	ErrNotConfigured = errors.New("backend not configured")
)

// Client is the read surface the rest of opsbridge depends on.
type Client interface {
	// Query executes one instant PromQL query.
	Query(ctx context.Context, promql string) (*QueryResult, error)
	// ServiceHealth reports whether the named service's scrape targets
	// are up.
	ServiceHealth(ctx context.Context, service string) (ServiceState, error)
	// Deployments returns deployment events for a service within the
	// lookback window, most recent first.
	Deployments(ctx context.Context, service string, lookback time.Duration) ([]Deployment, error)
}

// Backend combines the Prometheus query client with the optional
// Grafana annotation client into the full Client surface.
type Backend struct {
	*PrometheusClient
	grafana *GrafanaClient
}

func NewBackend(prom *PrometheusClient, grafana *GrafanaClient) *Backend {
	return &Backend{PrometheusClient: prom, grafana: grafana}
}

func (b *Backend) Deployments(ctx context.Context, service string, lookback time.Duration) ([]Deployment, error) {
	if b.grafana == nil {
		return nil, ErrNotConfigured
	}
	return b.grafana.Deployments(ctx, service, lookback)
}

// Grafana exposes the annotation client for pre-flight checks; nil when
// no dashboard backend is configured.
func (b *Backend) Grafana() *GrafanaClient {
	return b.grafana
}
