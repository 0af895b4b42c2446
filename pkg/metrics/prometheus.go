package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"golang.org/x/sync/semaphore"
)

// PrometheusClient wraps the Prometheus HTTP API with a per-call
// timeout and a weighted semaphore capping concurrent outstanding
// queries across all callers.
type PrometheusClient struct {
	api     promv1.API
	timeout time.Duration
	sem     *semaphore.Weighted
	now     func() time.Time
}

func NewPrometheusClient(baseURL string, timeout time.Duration, maxConcurrent int) (*PrometheusClient, error) {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	c, err := api.NewClient(api.Config{Address: baseURL})
	if err != nil {
		return nil, fmt.Errorf("create prometheus client: %w", err)
	}

	return &PrometheusClient{
		api:     promv1.NewAPI(c),
		timeout: timeout,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		now:     time.Now,
	}, nil
}

func (c *PrometheusClient) Query(ctx context.Context, promql string) (*QueryResult, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire query slot: %w", err)
	}
	defer c.sem.Release(1)

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	val, warnings, err := c.api.Query(ctx, promql, c.now())
	if err != nil {
		return nil, fmt.Errorf("%w: query %q: %v", ErrBackendUnavailable, promql, err)
	}

	result := &QueryResult{Query: promql, Warnings: []string(warnings)}
	result.Samples = flattenValue(val)
	return result, nil
}

// flattenValue converts the Prometheus model value into plain samples.
// Matrix results keep only the latest point per series; the query
// surface is instant-vector oriented.
func flattenValue(val model.Value) []Sample {
	switch v := val.(type) {
	case model.Vector:
		samples := make([]Sample, 0, len(v))
		for _, s := range v {
			samples = append(samples, Sample{
				Labels:    metricToLabels(s.Metric),
				Value:     float64(s.Value),
				Timestamp: s.Timestamp.Time(),
			})
		}
		sortSamples(samples)
		return samples
	case *model.Scalar:
		return []Sample{{Value: float64(v.Value), Timestamp: v.Timestamp.Time()}}
	case model.Matrix:
		samples := make([]Sample, 0, len(v))
		for _, series := range v {
			if len(series.Values) == 0 {
				continue
			}
			last := series.Values[len(series.Values)-1]
			samples = append(samples, Sample{
				Labels:    metricToLabels(series.Metric),
				Value:     float64(last.Value),
				Timestamp: last.Timestamp.Time(),
			})
		}
		sortSamples(samples)
		return samples
	default:
		return nil
	}
}

func metricToLabels(m model.Metric) map[string]string {
	if len(m) == 0 {
		return nil
	}
	labels := make(map[string]string, len(m))
	for k, v := range m {
		labels[string(k)] = string(v)
	}
	return labels
}

// sortSamples orders samples by their label fingerprint so repeated
// queries against unchanged state produce identical output.
func sortSamples(samples []Sample) {
	sort.Slice(samples, func(i, j int) bool {
		return labelsKey(samples[i].Labels) < labelsKey(samples[j].Labels)
	})
}

func labelsKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	key := ""
	for _, k := range keys {
		key += k + "=" + labels[k] + ","
	}
	return key
}

func (c *PrometheusClient) ServiceHealth(ctx context.Context, service string) (ServiceState, error) {
	res, err := c.Query(ctx, fmt.Sprintf("up{job=%q}", service))
	if err != nil {
		return ServiceUnknown, err
	}

	if len(res.Samples) == 0 {
		return ServiceUnknown, nil
	}

	for _, s := range res.Samples {
		if s.Value < 1 {
			return ServiceDown, nil
		}
	}
	return ServiceUp, nil
}

// Check issues a trivial query to verify the backend is reachable and
// answering. Used by the pre-flight dependency check.
func (c *PrometheusClient) Check(ctx context.Context) error {
	_, err := c.Query(ctx, "vector(1)")
	return err
}
