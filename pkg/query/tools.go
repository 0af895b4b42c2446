package query

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/common/model"

	"github.com/nlin88/opsbridge/pkg/alert"
	"github.com/nlin88/opsbridge/pkg/diagnose"
	"github.com/nlin88/opsbridge/pkg/health"
	"github.com/nlin88/opsbridge/pkg/metrics"
)

// AlertSource is the read-only alert store view the tools consume.
type AlertSource interface {
	Firing() []alert.Alert
	FiringForService(service string) []alert.Alert
}

// ReportSource yields the latest health report, nil before the first
// polling tick.
type ReportSource interface {
	Latest() *health.Report
}

// DiagnosisWriter persists a diagnosis artifact. Optional.
type DiagnosisWriter interface {
	WriteDiagnosis(ctx context.Context, diag *diagnose.Diagnosis) error
}

// Deps are the shared read-only backends behind the tool registry.
// Tool invocations hold no state of their own beyond these.
type Deps struct {
	Client    metrics.Client
	Alerts    AlertSource
	Reports   ReportSource
	Diagnoser *diagnose.Diagnoser
	Writer    DiagnosisWriter
	Policy    *Policy

	// MaxLookback bounds the check_deployments window.
	MaxLookback time.Duration
}

const defaultLookback = 2 * time.Hour

// NewToolRegistry builds the static registry of the six opsbridge
// tools.
func NewToolRegistry(deps Deps) (*Registry, error) {
	if deps.MaxLookback <= 0 {
		deps.MaxLookback = 24 * time.Hour
	}
	r := NewRegistry()

	tools := []*Tool{
		{
			Name:        "get_active_alerts",
			Description: "List all currently firing alerts, optionally filtered to one service.",
			InputSchema: objectSchema(map[string]Schema{
				"service": stringSchema("Restrict the listing to this service."),
			}),
			Handler: deps.getActiveAlerts,
		},
		{
			Name:        "query_prometheus",
			Description: "Run a read-only PromQL query against the metrics backend. Mutating or administrative queries are rejected.",
			InputSchema: objectSchema(map[string]Schema{
				"query": stringSchema("The PromQL expression to evaluate."),
				"step":  stringSchema("Optional resolution step, e.g. 30s."),
			}, "query"),
			Handler: deps.queryPrometheus,
		},
		{
			Name:        "get_service_health",
			Description: "Report the most recently observed state of a named service.",
			InputSchema: objectSchema(map[string]Schema{
				"service": stringSchema("The service to look up."),
			}, "service"),
			Handler: deps.getServiceHealth,
		},
		{
			Name:        "check_deployments",
			Description: "List recent deployment events for a named service.",
			InputSchema: objectSchema(map[string]Schema{
				"service":  stringSchema("The service to look up."),
				"lookback": stringSchema("Optional window, e.g. 90m. Bounded by the server."),
			}, "service"),
			Handler: deps.checkDeployments,
		},
		{
			Name:        "diagnose_issue",
			Description: "Correlate firing alerts, KPIs and recent deployments for a service into an evidence-backed diagnosis.",
			InputSchema: objectSchema(map[string]Schema{
				"service": stringSchema("The service to diagnose."),
			}, "service"),
			Handler: deps.diagnoseIssue,
		},
		{
			Name:        "get_system_kpis",
			Description: "Return the full KPI list from the most recent health report.",
			InputSchema: objectSchema(nil),
			Handler:     deps.getSystemKPIs,
		},
	}

	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (d Deps) getActiveAlerts(ctx context.Context, args map[string]any) (any, error) {
	var firing []alert.Alert
	if service, _ := args["service"].(string); service != "" {
		firing = d.Alerts.FiringForService(service)
	} else {
		firing = d.Alerts.Firing()
	}
	if firing == nil {
		firing = []alert.Alert{}
	}
	return map[string]any{"alerts": firing, "count": len(firing)}, nil
}

func (d Deps) queryPrometheus(ctx context.Context, args map[string]any) (any, error) {
	promql := args["query"].(string)

	if rej := d.Policy.Check(promql); rej != nil {
		return nil, rej
	}
	if stepStr, _ := args["step"].(string); stepStr != "" {
		step, err := model.ParseDuration(stepStr)
		if err != nil {
			return nil, toolErrorf(KindValidation, "invalid step %q: %v", stepStr, err)
		}
		if rej := d.Policy.CheckStep(time.Duration(step)); rej != nil {
			return nil, rej
		}
	}

	res, err := d.Client.Query(ctx, promql)
	if err != nil {
		return nil, backendError("query failed", err)
	}
	return res, nil
}

func (d Deps) getServiceHealth(ctx context.Context, args map[string]any) (any, error) {
	service := args["service"].(string)

	report := d.Reports.Latest()
	if report == nil {
		return map[string]any{
			"service": service,
			"status":  string(metrics.ServiceUnknown),
			"note":    "no health report available yet",
		}, nil
	}
	return map[string]any{
		"service":    service,
		"status":     string(report.ServiceStatus(service)),
		"observedAt": report.Timestamp,
	}, nil
}

func (d Deps) checkDeployments(ctx context.Context, args map[string]any) (any, error) {
	service := args["service"].(string)

	lookback := defaultLookback
	if lookbackStr, _ := args["lookback"].(string); lookbackStr != "" {
		parsed, err := model.ParseDuration(lookbackStr)
		if err != nil {
			return nil, toolErrorf(KindValidation, "invalid lookback %q: %v", lookbackStr, err)
		}
		lookback = time.Duration(parsed)
	}
	if lookback > d.MaxLookback {
		lookback = d.MaxLookback
	}

	deploys, err := d.Client.Deployments(ctx, service, lookback)
	if err != nil {
		if errors.Is(err, metrics.ErrNotConfigured) {
			return nil, toolErrorf(KindBackendUnavailable, "no deployment source is configured")
		}
		return nil, backendError("deployment lookup failed", err)
	}
	if deploys == nil {
		deploys = []metrics.Deployment{}
	}
	return map[string]any{"service": service, "lookback": lookback.String(), "deployments": deploys}, nil
}

func (d Deps) diagnoseIssue(ctx context.Context, args map[string]any) (any, error) {
	service := args["service"].(string)

	diag, err := d.Diagnoser.Diagnose(ctx, service)
	if err != nil {
		if errors.Is(err, diagnose.ErrNoService) {
			return nil, toolErrorf(KindValidation, "service name required")
		}
		return nil, backendError("diagnosis failed", err)
	}

	if d.Writer != nil {
		if werr := d.Writer.WriteDiagnosis(ctx, diag); werr != nil {
			// The diagnosis is still returned; only the artifact is stale.
			diag.Evidence = append(diag.Evidence, diagnose.Evidence{
				Source: "artifact", Fact: "diagnosis artifact write failed",
			})
		}
	}
	return diag, nil
}

func (d Deps) getSystemKPIs(ctx context.Context, args map[string]any) (any, error) {
	report := d.Reports.Latest()
	if report == nil {
		return map[string]any{
			"kpis": []health.KPI{},
			"note": "no health report available yet",
		}, nil
	}
	out := map[string]any{
		"kpis":       report.KPIs,
		"observedAt": report.Timestamp,
	}
	if report.Degraded {
		out["degraded"] = true
		out["annotation"] = report.Annotation
	}
	return out, nil
}

func backendError(msg string, err error) *ToolError {
	if errors.Is(err, metrics.ErrBackendUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return toolErrorf(KindBackendUnavailable, "%s: %v", msg, err)
	}
	return toolErrorf(KindInternal, "%s: %v", msg, err)
}
