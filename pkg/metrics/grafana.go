package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// GrafanaClient reads deployment events from the Grafana annotation
// API. Deployments are expected to be recorded as annotations tagged
// "deployment" plus "service:<name>", which is how CI pipelines
// commonly mark releases on dashboards.
type GrafanaClient struct {
	baseURL  string
	apiToken string
	username string
	password string
	httpc    *http.Client
	now      func() time.Time
}

type GrafanaOption func(*GrafanaClient)

func WithGrafanaHTTPClient(c *http.Client) GrafanaOption {
	return func(g *GrafanaClient) { g.httpc = c }
}

func NewGrafanaClient(baseURL, apiToken, username, password string, timeout time.Duration, opts ...GrafanaOption) *GrafanaClient {
	g := &GrafanaClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiToken: apiToken,
		username: username,
		password: password,
		httpc:    &http.Client{Timeout: timeout},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type grafanaAnnotation struct {
	ID   int64    `json:"id"`
	Time int64    `json:"time"`
	Text string   `json:"text"`
	Tags []string `json:"tags"`
}

func (g *GrafanaClient) Deployments(ctx context.Context, service string, lookback time.Duration) ([]Deployment, error) {
	to := g.now()
	from := to.Add(-lookback)

	q := url.Values{}
	q.Set("type", "annotation")
	q.Set("from", strconv.FormatInt(from.UnixMilli(), 10))
	q.Set("to", strconv.FormatInt(to.UnixMilli(), 10))
	q.Add("tags", "deployment")
	if service != "" {
		q.Add("tags", "service:"+service)
	}

	var annotations []grafanaAnnotation
	if err := g.getJSON(ctx, "/api/annotations?"+q.Encode(), &annotations); err != nil {
		return nil, err
	}

	deployments := make([]Deployment, 0, len(annotations))
	for _, a := range annotations {
		d := Deployment{
			Service:    service,
			Message:    a.Text,
			DeployedAt: time.UnixMilli(a.Time).UTC(),
		}
		for _, tag := range a.Tags {
			if v, ok := strings.CutPrefix(tag, "version:"); ok {
				d.Version = v
			}
			if s, ok := strings.CutPrefix(tag, "service:"); ok && service == "" {
				d.Service = s
			}
		}
		deployments = append(deployments, d)
	}

	sort.Slice(deployments, func(i, j int) bool {
		return deployments[i].DeployedAt.After(deployments[j].DeployedAt)
	})
	return deployments, nil
}

// Check verifies the dashboard backend answers its health endpoint.
func (g *GrafanaClient) Check(ctx context.Context) error {
	var health struct {
		Database string `json:"database"`
	}
	return g.getJSON(ctx, "/api/health", &health)
}

func (g *GrafanaClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build grafana request: %w", err)
	}

	if g.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiToken)
	} else if g.username != "" {
		req.SetBasicAuth(g.username, g.password)
	}

	resp, err := g.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: grafana: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: grafana returned %d for %s", ErrBackendUnavailable, resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode grafana response: %w", err)
	}
	return nil
}
