package diagnose

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlin88/opsbridge/pkg/alert"
	"github.com/nlin88/opsbridge/pkg/health"
	"github.com/nlin88/opsbridge/pkg/metrics"
)

// --- fakes ---

type fakeAlerts struct {
	byService map[string][]alert.Alert
}

func (f *fakeAlerts) FiringForService(service string) []alert.Alert {
	return f.byService[service]
}

func (f *fakeAlerts) Firing() []alert.Alert {
	var out []alert.Alert
	for _, alerts := range f.byService {
		out = append(out, alerts...)
	}
	return out
}

type fakeReports struct {
	report *health.Report
}

func (f *fakeReports) Latest() *health.Report { return f.report }

type fakeMetrics struct {
	deployments []metrics.Deployment
	deployErr   error
}

func (f *fakeMetrics) Query(ctx context.Context, promql string) (*metrics.QueryResult, error) {
	return &metrics.QueryResult{Query: promql}, nil
}

func (f *fakeMetrics) ServiceHealth(ctx context.Context, service string) (metrics.ServiceState, error) {
	return metrics.ServiceUnknown, nil
}

func (f *fakeMetrics) Deployments(ctx context.Context, service string, lookback time.Duration) ([]metrics.Deployment, error) {
	if f.deployErr != nil {
		return nil, f.deployErr
	}
	return f.deployments, nil
}

var (
	deployedAt = time.Date(2026, 8, 1, 9, 50, 0, 0, time.UTC)
	alertAt    = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
)

func firingAlert(fingerprint, name string, at time.Time) alert.Alert {
	return alert.Alert{
		Fingerprint: fingerprint,
		Labels:      map[string]string{"alertname": name, "service": "checkout"},
		Severity:    alert.SeverityCritical,
		Status:      alert.StatusFiring,
		StartsAt:    at,
	}
}

func degradedReport() *health.Report {
	return &health.Report{
		Timestamp: alertAt,
		KPIs: []health.KPI{
			{Name: "error_rate", Value: 0.12, Threshold: 0.05, Status: health.KPIDegraded},
			{Name: "availability", Value: 0.999, Threshold: 0.99, Status: health.KPIOK},
		},
		ServiceStatuses: map[string]metrics.ServiceState{"checkout": metrics.ServiceUp},
	}
}

func newDiagnoser(client metrics.Client, alerts AlertSource, reports ReportSource) *Diagnoser {
	d := NewDiagnoser(client, alerts, reports, 2*time.Hour)
	d.now = func() time.Time { return alertAt.Add(5 * time.Minute) }
	return d
}

// --- Diagnose ---

func TestDiagnose_RequiresService(t *testing.T) {
	d := newDiagnoser(&fakeMetrics{}, &fakeAlerts{}, &fakeReports{})
	_, err := d.Diagnose(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoService)
}

func TestDiagnose_DeploymentCorrelation(t *testing.T) {
	alerts := &fakeAlerts{byService: map[string][]alert.Alert{
		"checkout": {firingAlert("abc123", "HighErrorRate", alertAt)},
	}}
	client := &fakeMetrics{deployments: []metrics.Deployment{
		{Service: "checkout", Version: "v2.4.1", DeployedAt: deployedAt},
	}}

	d := newDiagnoser(client, alerts, &fakeReports{report: degradedReport()})
	diag, err := d.Diagnose(context.Background(), "checkout")
	require.NoError(t, err)

	// base 0.2 + deploy 0.3 + degraded KPI 0.2
	assert.InDelta(t, 0.7, diag.Confidence, 1e-9)
	assert.Contains(t, diag.Conclusion, "deployment")

	sources := make(map[string]int)
	for _, e := range diag.Evidence {
		sources[e.Source]++
	}
	assert.Equal(t, 1, sources["alerts"])
	assert.Equal(t, 1, sources["deployments"])
	assert.Equal(t, 1, sources["correlation"])
	assert.GreaterOrEqual(t, sources["health"], 2, "service state plus degraded KPI")
}

func TestDiagnose_DeploymentOutsideWindowNotCorrelated(t *testing.T) {
	alerts := &fakeAlerts{byService: map[string][]alert.Alert{
		"checkout": {firingAlert("abc123", "HighErrorRate", alertAt)},
	}}
	client := &fakeMetrics{deployments: []metrics.Deployment{
		{Service: "checkout", Version: "v2.4.0", DeployedAt: alertAt.Add(-2 * time.Hour)},
	}}

	d := newDiagnoser(client, alerts, &fakeReports{})
	diag, err := d.Diagnose(context.Background(), "checkout")
	require.NoError(t, err)

	assert.NotContains(t, diag.Conclusion, "deployment")
	for _, e := range diag.Evidence {
		assert.NotEqual(t, "correlation", e.Source)
	}
	assert.InDelta(t, 0.2, diag.Confidence, 1e-9)
}

func TestDiagnose_ExtraAlertsRaiseConfidence(t *testing.T) {
	alerts := &fakeAlerts{byService: map[string][]alert.Alert{
		"checkout": {
			firingAlert("a1", "HighErrorRate", alertAt),
			firingAlert("a2", "HighLatency", alertAt.Add(time.Minute)),
			firingAlert("a3", "PodRestarts", alertAt.Add(2*time.Minute)),
		},
	}}

	d := newDiagnoser(&fakeMetrics{deployErr: metrics.ErrNotConfigured}, alerts, &fakeReports{})
	diag, err := d.Diagnose(context.Background(), "checkout")
	require.NoError(t, err)

	// base 0.2 + two extra alerts at 0.1
	assert.InDelta(t, 0.4, diag.Confidence, 1e-9)
	assert.Contains(t, diag.Conclusion, "firing alerts")
}

func TestDiagnose_ConfidenceCapped(t *testing.T) {
	var many []alert.Alert
	for i := 0; i < 10; i++ {
		many = append(many, firingAlert(string(rune('a'+i)), "HighErrorRate", alertAt.Add(time.Duration(i)*time.Minute)))
	}
	alerts := &fakeAlerts{byService: map[string][]alert.Alert{"checkout": many}}
	client := &fakeMetrics{deployments: []metrics.Deployment{
		{Service: "checkout", Version: "v3.0.0", DeployedAt: deployedAt},
	}}

	d := newDiagnoser(client, alerts, &fakeReports{report: degradedReport()})
	diag, err := d.Diagnose(context.Background(), "checkout")
	require.NoError(t, err)

	assert.Equal(t, 0.95, diag.Confidence)
}

func TestDiagnose_HealthyService(t *testing.T) {
	report := degradedReport()
	report.KPIs[0].Status = health.KPIOK

	d := newDiagnoser(&fakeMetrics{}, &fakeAlerts{}, &fakeReports{report: report})
	diag, err := d.Diagnose(context.Background(), "checkout")
	require.NoError(t, err)

	assert.Contains(t, diag.Conclusion, "no active issues")
	assert.Equal(t, 0.0, diag.Confidence)
}

func TestDiagnose_NoReportYet(t *testing.T) {
	d := newDiagnoser(&fakeMetrics{}, &fakeAlerts{}, &fakeReports{})
	diag, err := d.Diagnose(context.Background(), "checkout")
	require.NoError(t, err)

	require.NotEmpty(t, diag.Evidence)
	assert.Equal(t, "no health report available yet", diag.Evidence[0].Fact)
}

func TestDiagnose_DeploymentLookupFailureIsEvidence(t *testing.T) {
	alerts := &fakeAlerts{byService: map[string][]alert.Alert{
		"checkout": {firingAlert("abc123", "HighErrorRate", alertAt)},
	}}
	client := &fakeMetrics{deployErr: metrics.ErrBackendUnavailable}

	d := newDiagnoser(client, alerts, &fakeReports{})
	diag, err := d.Diagnose(context.Background(), "checkout")
	require.NoError(t, err, "a failing deployment source must not fail the diagnosis")

	found := false
	for _, e := range diag.Evidence {
		if e.Source == "deployments" {
			found = true
			assert.Contains(t, e.Fact, "lookup failed")
		}
	}
	assert.True(t, found)
}
