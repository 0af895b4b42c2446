package health

import (
	"sort"
	"time"

	"github.com/nlin88/opsbridge/pkg/metrics"
)

type KPIStatus string

const (
	KPIOK          KPIStatus = "ok"
	KPIDegraded    KPIStatus = "degraded"
	KPIUnavailable KPIStatus = "unavailable"
)

// KPI is one evaluated metric of a report. Error carries the query
// failure when Status is unavailable.
type KPI struct {
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Status    KPIStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
}

// Report is an immutable aggregate of one polling tick. A new tick
// produces a new report; nothing mutates a report once it is returned.
type Report struct {
	Timestamp       time.Time                       `json:"timestamp"`
	KPIs            []KPI                           `json:"kpis"`
	ServiceStatuses map[string]metrics.ServiceState `json:"serviceStatuses,omitempty"`
	Degraded        bool                            `json:"degraded,omitempty"`
	Annotation      string                          `json:"annotation,omitempty"`
}

// KPI returns the named KPI entry, if present.
func (r *Report) KPI(name string) (KPI, bool) {
	for _, k := range r.KPIs {
		if k.Name == name {
			return k, true
		}
	}
	return KPI{}, false
}

// ServiceStatus returns the recorded state for a service, defaulting
// to unknown for services the report does not cover.
func (r *Report) ServiceStatus(name string) metrics.ServiceState {
	if s, ok := r.ServiceStatuses[name]; ok {
		return s
	}
	return metrics.ServiceUnknown
}

// ServiceNames returns the covered services in sorted order.
func (r *Report) ServiceNames() []string {
	names := make([]string, 0, len(r.ServiceStatuses))
	for name := range r.ServiceStatuses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
