package metrics

import "time"

// ServiceState is the health of a single scraped service as reported
// by the metrics backend.
type ServiceState string

const (
	ServiceUp      ServiceState = "up"
	ServiceDown    ServiceState = "down"
	ServiceUnknown ServiceState = "unknown"
)

// Sample is one instant-vector element of a query result.
type Sample struct {
	Labels    map[string]string `json:"labels,omitempty"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
}

// QueryResult is the typed result of a single PromQL query.
type QueryResult struct {
	Query    string   `json:"query"`
	Samples  []Sample `json:"samples"`
	Warnings []string `json:"warnings,omitempty"`
}

// Deployment is one deployment event from the dashboard backend's
// annotation store.
type Deployment struct {
	Service    string    `json:"service"`
	Version    string    `json:"version,omitempty"`
	Message    string    `json:"message,omitempty"`
	DeployedAt time.Time `json:"deployed_at"`
}
