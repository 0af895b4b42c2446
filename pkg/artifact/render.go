package artifact

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nlin88/opsbridge/pkg/alert"
	"github.com/nlin88/opsbridge/pkg/diagnose"
	"github.com/nlin88/opsbridge/pkg/health"
)

// AlertsDocument is the structured rendering of a store snapshot.
type AlertsDocument struct {
	GeneratedAt time.Time     `json:"generatedAt"`
	FiringCount int           `json:"firingCount"`
	Firing      []alert.Alert `json:"firing"`
	Resolved    []alert.Alert `json:"resolved"`
}

func buildAlertsDocument(snapshot []alert.Alert, at time.Time) *AlertsDocument {
	doc := &AlertsDocument{GeneratedAt: at}
	for _, a := range snapshot {
		if a.Status == alert.StatusFiring {
			doc.Firing = append(doc.Firing, a)
		} else {
			doc.Resolved = append(doc.Resolved, a)
		}
	}
	doc.FiringCount = len(doc.Firing)
	return doc
}

func renderAlertsMarkdown(doc *AlertsDocument) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Active Alerts\n\nGenerated: %s\n\n", doc.GeneratedAt.Format(time.RFC3339))

	if doc.FiringCount == 0 {
		b.WriteString("No alerts are currently firing.\n")
	} else {
		fmt.Fprintf(&b, "%d alert(s) firing.\n\n", doc.FiringCount)
		b.WriteString("| Alert | Service | Severity | Since | Summary |\n")
		b.WriteString("|-------|---------|----------|-------|---------|\n")
		for _, a := range doc.Firing {
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
				a.Name(), a.Service(), a.Severity,
				a.StartsAt.UTC().Format(time.RFC3339),
				a.Annotations["summary"])
		}
	}

	if len(doc.Resolved) > 0 {
		b.WriteString("\n## Recently Resolved\n\n")
		for _, a := range doc.Resolved {
			ended := "unknown"
			if a.EndsAt != nil {
				ended = a.EndsAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(&b, "- %s (%s) resolved at %s\n", a.Name(), a.Service(), ended)
		}
	}
	return b.String()
}

// RenderHealthMarkdown is exported for the one-shot report command,
// which shares the artifact rendering.
func RenderHealthMarkdown(report *health.Report) string {
	return renderHealthMarkdown(report)
}

func renderHealthMarkdown(report *health.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# System Health\n\nGenerated: %s\n\n", report.Timestamp.Format(time.RFC3339))

	if report.Degraded {
		fmt.Fprintf(&b, "**Status: degraded** — %s\n\n", report.Annotation)
	}

	b.WriteString("## KPIs\n\n")
	b.WriteString("| KPI | Value | Threshold | Status |\n")
	b.WriteString("|-----|-------|-----------|--------|\n")
	for _, k := range report.KPIs {
		value := fmt.Sprintf("%.4g", k.Value)
		if k.Status == health.KPIUnavailable {
			value = "n/a"
		}
		fmt.Fprintf(&b, "| %s | %s | %.4g | %s |\n", k.Name, value, k.Threshold, k.Status)
	}

	if names := report.ServiceNames(); len(names) > 0 {
		b.WriteString("\n## Services\n\n")
		for _, name := range names {
			fmt.Fprintf(&b, "- %s: %s\n", name, report.ServiceStatus(name))
		}
	}
	return b.String()
}

func renderDiagnosisMarkdown(diag *diagnose.Diagnosis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Diagnosis: %s\n\nGenerated: %s\n\n", diag.Service, diag.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "**Conclusion:** %s (confidence %.0f%%)\n\n", diag.Conclusion, diag.Confidence*100)

	b.WriteString("## Evidence\n\n")
	if len(diag.Evidence) == 0 {
		b.WriteString("No evidence collected.\n")
	}
	for _, e := range diag.Evidence {
		fmt.Fprintf(&b, "- [%s] %s\n", e.Source, e.Fact)
	}
	return b.String()
}

func marshalIndented(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
