// Package diagnose correlates alerts, KPIs and deployment events for a
// single service into an evidence-backed diagnosis.
package diagnose

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nlin88/opsbridge/pkg/alert"
	"github.com/nlin88/opsbridge/pkg/health"
	"github.com/nlin88/opsbridge/pkg/metrics"
)

// Correlation weights. Confidence never reaches 1: the rules are
// circumstantial, not proof.
const (
	baseConfidence     = 0.2
	deployCorrelation  = 0.3
	degradedKPIWeight  = 0.2
	extraAlertWeight   = 0.1
	maxConfidence      = 0.95
	deployCausalWindow = 30 * time.Minute
)

var ErrNoService = errors.New("diagnose: service name required")

// Evidence is one observed fact with its source, so a reader can judge
// the conclusion instead of trusting an opaque verdict.
type Evidence struct {
	Source string `json:"source"`
	Fact   string `json:"fact"`
}

type Diagnosis struct {
	Service     string     `json:"service"`
	GeneratedAt time.Time  `json:"generatedAt"`
	Evidence    []Evidence `json:"evidence"`
	Conclusion  string     `json:"conclusion"`
	Confidence  float64    `json:"confidence"`
}

// AlertSource is the read-only view of the alert store.
type AlertSource interface {
	FiringForService(service string) []alert.Alert
	Firing() []alert.Alert
}

// ReportSource yields the most recent health report, nil before the
// first polling tick.
type ReportSource interface {
	Latest() *health.Report
}

type Diagnoser struct {
	client   metrics.Client
	alerts   AlertSource
	reports  ReportSource
	lookback time.Duration
	now      func() time.Time
}

func NewDiagnoser(client metrics.Client, alerts AlertSource, reports ReportSource, lookback time.Duration) *Diagnoser {
	if lookback <= 0 {
		lookback = 2 * time.Hour
	}
	return &Diagnoser{
		client:   client,
		alerts:   alerts,
		reports:  reports,
		lookback: lookback,
		now:      time.Now,
	}
}

// Diagnose gathers the service's firing alerts, the latest KPI state
// and recent deployments, then applies the correlation rules. Missing
// inputs (no report yet, deployment source not configured) reduce the
// evidence, they never fail the diagnosis.
func (d *Diagnoser) Diagnose(ctx context.Context, service string) (*Diagnosis, error) {
	if service == "" {
		return nil, ErrNoService
	}

	diag := &Diagnosis{
		Service:     service,
		GeneratedAt: d.now().UTC(),
		Confidence:  baseConfidence,
	}

	firing := d.alerts.FiringForService(service)
	sort.Slice(firing, func(i, j int) bool { return firing[i].StartsAt.Before(firing[j].StartsAt) })
	for _, a := range firing {
		diag.addEvidence("alerts", fmt.Sprintf("alert %s (%s) firing since %s",
			a.Name(), a.Severity, a.StartsAt.UTC().Format(time.RFC3339)))
	}
	if extra := len(firing) - 1; extra > 0 {
		diag.Confidence += float64(extra) * extraAlertWeight
	}

	degraded := d.collectHealthEvidence(diag, service)

	causal := d.collectDeploymentEvidence(ctx, diag, service, firing)

	diag.Conclusion = conclusion(service, firing, degraded, causal)
	if len(firing) == 0 && !degraded {
		// Nothing is wrong; the base confidence would overstate it.
		diag.Confidence = 0
	}
	if causal {
		diag.Confidence += deployCorrelation
	}
	if degraded {
		diag.Confidence += degradedKPIWeight
	}
	if diag.Confidence > maxConfidence {
		diag.Confidence = maxConfidence
	}
	return diag, nil
}

func (d *Diagnoser) collectHealthEvidence(diag *Diagnosis, service string) bool {
	report := d.reports.Latest()
	if report == nil {
		diag.addEvidence("health", "no health report available yet")
		return false
	}

	if state := report.ServiceStatus(service); state != metrics.ServiceUnknown {
		diag.addEvidence("health", fmt.Sprintf("service %s is %s", service, state))
	}

	degraded := false
	for _, k := range report.KPIs {
		if k.Status != health.KPIDegraded {
			continue
		}
		degraded = true
		diag.addEvidence("health", fmt.Sprintf("KPI %s degraded: %.4g (threshold %.4g)",
			k.Name, k.Value, k.Threshold))
	}
	return degraded
}

// collectDeploymentEvidence returns true when a deployment plausibly
// caused one of the firing alerts: the alert started inside the causal
// window after the rollout.
func (d *Diagnoser) collectDeploymentEvidence(ctx context.Context, diag *Diagnosis, service string, firing []alert.Alert) bool {
	deploys, err := d.client.Deployments(ctx, service, d.lookback)
	if err != nil {
		if errors.Is(err, metrics.ErrNotConfigured) {
			return false
		}
		diag.addEvidence("deployments", fmt.Sprintf("deployment lookup failed: %v", err))
		return false
	}

	causal := false
	for _, dep := range deploys {
		diag.addEvidence("deployments", fmt.Sprintf("version %s deployed at %s",
			dep.Version, dep.DeployedAt.UTC().Format(time.RFC3339)))
		for _, a := range firing {
			delta := a.StartsAt.Sub(dep.DeployedAt)
			if delta >= 0 && delta <= deployCausalWindow {
				causal = true
				diag.addEvidence("correlation", fmt.Sprintf("alert %s started %s after deployment of %s",
					a.Name(), delta.Round(time.Second), dep.Version))
			}
		}
	}
	return causal
}

func conclusion(service string, firing []alert.Alert, degraded, causal bool) string {
	switch {
	case causal:
		return fmt.Sprintf("a recent deployment to %s likely caused the active alerts", service)
	case len(firing) > 0 && degraded:
		return fmt.Sprintf("%s has firing alerts with degraded KPIs; no deployment correlation found", service)
	case len(firing) > 0:
		return fmt.Sprintf("%s has firing alerts but system KPIs look healthy", service)
	case degraded:
		return fmt.Sprintf("KPIs are degraded but no alert is firing for %s", service)
	default:
		return fmt.Sprintf("no active issues detected for %s", service)
	}
}

func (d *Diagnosis) addEvidence(source, fact string) {
	d.Evidence = append(d.Evidence, Evidence{Source: source, Fact: fact})
}
