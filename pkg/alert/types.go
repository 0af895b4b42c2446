package alert

import "time"

type Status string

const (
	StatusFiring   Status = "firing"
	StatusResolved Status = "resolved"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is the normalized, stored form of one notification. The
// fingerprint is the stable identity the alerting backend derives from
// the label set; upserts key on it.
type Alert struct {
	Fingerprint string            `json:"fingerprint"`
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
	Severity    Severity          `json:"severity,omitempty"`
	Status      Status            `json:"status"`
	StartsAt    time.Time         `json:"startsAt"`
	EndsAt      *time.Time        `json:"endsAt,omitempty"`
}

// Service returns the service an alert points at, preferring the
// service label and falling back to job.
func (a Alert) Service() string {
	if s := a.Labels["service"]; s != "" {
		return s
	}
	return a.Labels["job"]
}

func (a Alert) Name() string {
	return a.Labels["alertname"]
}

func (a Alert) clone() Alert {
	c := a
	c.Labels = cloneMap(a.Labels)
	c.Annotations = cloneMap(a.Annotations)
	if a.EndsAt != nil {
		t := *a.EndsAt
		c.EndsAt = &t
	}
	return c
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// WebhookPayload is the Alertmanager-compatible push payload. Alerts
// sharing a group key arrive batched in one request.
type WebhookPayload struct {
	Version           string            `json:"version"`
	GroupKey          string            `json:"groupKey"`
	Status            string            `json:"status"`
	Receiver          string            `json:"receiver"`
	GroupLabels       map[string]string `json:"groupLabels,omitempty"`
	CommonLabels      map[string]string `json:"commonLabels,omitempty"`
	CommonAnnotations map[string]string `json:"commonAnnotations,omitempty"`
	ExternalURL       string            `json:"externalURL,omitempty"`
	Alerts            []WebhookAlert    `json:"alerts"`
}

// WebhookAlert is one entry of the push payload. EndsAt is the zero
// time while the alert is still firing.
type WebhookAlert struct {
	Fingerprint  string            `json:"fingerprint"`
	Status       string            `json:"status"`
	Labels       map[string]string `json:"labels,omitempty"`
	Annotations  map[string]string `json:"annotations,omitempty"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       time.Time         `json:"endsAt"`
	GeneratorURL string            `json:"generatorURL,omitempty"`
}

// Normalize converts a webhook entry into the stored form. It assumes
// the entry has already passed validation.
func (w WebhookAlert) Normalize() Alert {
	a := Alert{
		Fingerprint: w.Fingerprint,
		Labels:      cloneMap(w.Labels),
		Annotations: cloneMap(w.Annotations),
		Status:      Status(w.Status),
		StartsAt:    w.StartsAt,
	}
	if sev := w.Labels["severity"]; sev != "" {
		a.Severity = Severity(sev)
	}
	if a.Status == StatusResolved && !w.EndsAt.IsZero() {
		t := w.EndsAt
		a.EndsAt = &t
	}
	return a
}
