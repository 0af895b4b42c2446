package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlin88/opsbridge/pkg/config"
	"github.com/nlin88/opsbridge/pkg/metrics"
)

// --- fake backend ---

type fakeClient struct {
	mu         sync.Mutex
	values     map[string]float64
	errOn      map[string]error
	states     map[string]metrics.ServiceState
	failAll    bool
	queryCalls int
	inflight   int
	peak       int
	block      chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		values: make(map[string]float64),
		errOn:  make(map[string]error),
		states: make(map[string]metrics.ServiceState),
	}
}

func (f *fakeClient) Query(ctx context.Context, promql string) (*metrics.QueryResult, error) {
	f.mu.Lock()
	f.queryCalls++
	f.inflight++
	if f.inflight > f.peak {
		f.peak = f.inflight
	}
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight--

	if f.failAll {
		return nil, metrics.ErrBackendUnavailable
	}
	if err, ok := f.errOn[promql]; ok {
		return nil, err
	}
	v, ok := f.values[promql]
	if !ok {
		return &metrics.QueryResult{Query: promql}, nil
	}
	return &metrics.QueryResult{
		Query:   promql,
		Samples: []metrics.Sample{{Value: v, Timestamp: time.Unix(1700000000, 0)}},
	}, nil
}

func (f *fakeClient) ServiceHealth(ctx context.Context, service string) (metrics.ServiceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return metrics.ServiceUnknown, metrics.ErrBackendUnavailable
	}
	if s, ok := f.states[service]; ok {
		return s, nil
	}
	return metrics.ServiceUnknown, nil
}

func (f *fakeClient) Deployments(ctx context.Context, service string, lookback time.Duration) ([]metrics.Deployment, error) {
	return nil, metrics.ErrNotConfigured
}

func (f *fakeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queryCalls
}

// --- helpers ---

func pollConfig(kpis []config.KPIConfig, services ...string) config.PollConfig {
	return config.PollConfig{
		KPIs:        kpis,
		Services:    services,
		IntervalD:   time.Minute,
		Parallelism: 4,
		MaxRetries:  1,
	}
}

var testKPIs = []config.KPIConfig{
	{Name: "error_rate", Query: "q_err", Threshold: 0.05, Direction: "above"},
	{Name: "availability", Query: "q_avail", Threshold: 0.99, Direction: "below"},
}

type recordingSink struct {
	mu      sync.Mutex
	reports []*Report
}

func (s *recordingSink) RegenerateHealth(ctx context.Context, report *Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, report)
	return nil
}

// --- RunOnce ---

func TestPoller_RunOnce_EvaluatesThresholds(t *testing.T) {
	client := newFakeClient()
	client.values["q_err"] = 0.01
	client.values["q_avail"] = 0.95
	client.states["checkout"] = metrics.ServiceUp

	p := NewPoller(client, pollConfig(testKPIs, "checkout"), nil)
	report, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	errRate, ok := report.KPI("error_rate")
	require.True(t, ok)
	assert.Equal(t, KPIOK, errRate.Status)
	assert.Equal(t, 0.01, errRate.Value)

	avail, ok := report.KPI("availability")
	require.True(t, ok)
	assert.Equal(t, KPIDegraded, avail.Status, "below-direction KPI under threshold degrades")

	assert.Equal(t, metrics.ServiceUp, report.ServiceStatus("checkout"))
	assert.False(t, report.Degraded)
}

func TestPoller_RunOnce_PartialFailureTolerated(t *testing.T) {
	client := newFakeClient()
	client.values["q_err"] = 0.01
	client.errOn["q_avail"] = fmt.Errorf("%w: timeout", metrics.ErrBackendUnavailable)

	p := NewPoller(client, pollConfig(testKPIs), nil)
	report, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, report.KPIs, 2, "one failing query must not shrink the report")

	errRate, _ := report.KPI("error_rate")
	assert.Equal(t, KPIOK, errRate.Status)

	avail, _ := report.KPI("availability")
	assert.Equal(t, KPIUnavailable, avail.Status)
	assert.Contains(t, avail.Error, "timeout")
	assert.False(t, report.Degraded)
}

func TestPoller_RunOnce_NoDataIsUnavailable(t *testing.T) {
	client := newFakeClient()
	client.values["q_err"] = 0.01
	// q_avail returns an empty result set.

	p := NewPoller(client, pollConfig(testKPIs), nil)
	report, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	avail, _ := report.KPI("availability")
	assert.Equal(t, KPIUnavailable, avail.Status)
	assert.Equal(t, "query returned no data", avail.Error)
}

func TestPoller_RunOnce_Deterministic(t *testing.T) {
	client := newFakeClient()
	client.values["q_err"] = 0.02
	client.values["q_avail"] = 1.0
	client.states["checkout"] = metrics.ServiceUp
	client.states["payments"] = metrics.ServiceDown

	p := NewPoller(client, pollConfig(testKPIs, "checkout", "payments"), nil)

	first, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	second, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.KPIs, second.KPIs)
	assert.Equal(t, first.ServiceStatuses, second.ServiceStatuses)
	assert.Equal(t, first.Degraded, second.Degraded)
}

func TestPoller_RunOnce_WholeBackendDown(t *testing.T) {
	client := newFakeClient()
	client.failAll = true

	p := NewPoller(client, pollConfig(testKPIs, "checkout"), nil)
	report, err := p.RunOnce(context.Background())
	require.NoError(t, err, "a dead backend still yields a report")

	assert.True(t, report.Degraded)
	assert.Contains(t, report.Annotation, "unreachable")
	require.Len(t, report.KPIs, 2)
	for _, k := range report.KPIs {
		assert.Equal(t, KPIUnavailable, k.Status)
	}
	assert.Equal(t, metrics.ServiceUnknown, report.ServiceStatus("checkout"))

	// MaxRetries=1 means the full probe set ran twice.
	assert.Equal(t, 4, client.calls())
}

func TestPoller_RunOnce_StoresLatestAndNotifiesSink(t *testing.T) {
	client := newFakeClient()
	client.values["q_err"] = 0.01
	client.values["q_avail"] = 1.0
	sink := &recordingSink{}

	p := NewPoller(client, pollConfig(testKPIs), sink)
	assert.Nil(t, p.Latest(), "no report before the first tick")

	report, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Same(t, report, p.Latest())
	require.Len(t, sink.reports, 1)
	assert.Same(t, report, sink.reports[0])
}

// --- concurrency bounds ---

func TestPoller_RunOnce_ParallelismBounded(t *testing.T) {
	client := newFakeClient()
	client.block = make(chan struct{})

	var kpis []config.KPIConfig
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("kpi_%d", i)
		kpis = append(kpis, config.KPIConfig{Name: name, Query: "q_" + name, Threshold: 1, Direction: "above"})
		client.values["q_"+name] = 0.5
	}
	cfg := pollConfig(kpis)
	cfg.Parallelism = 2

	p := NewPoller(client, cfg, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.RunOnce(context.Background())
	}()

	// Let the fan-out saturate the limit before releasing the queries.
	time.Sleep(50 * time.Millisecond)
	close(client.block)
	<-done

	client.mu.Lock()
	peak := client.peak
	client.mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
}

func TestPoller_SkipOnBusy(t *testing.T) {
	client := newFakeClient()
	client.block = make(chan struct{})
	client.values["q_err"] = 0.01
	client.values["q_avail"] = 1.0

	cfg := pollConfig(testKPIs)
	p := NewPoller(client, cfg, nil)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	p.spawnTick(ctx, log)
	// First tick is blocked inside the backend; a second due tick must
	// be skipped, not queued.
	time.Sleep(20 * time.Millisecond)
	p.spawnTick(ctx, log)

	close(client.block)
	p.wg.Wait()

	assert.Equal(t, 2, client.calls(), "only the first tick's two KPI queries may run")
}

func TestPoller_Run_StopsOnCancel(t *testing.T) {
	client := newFakeClient()
	client.values["q_err"] = 0.01
	client.values["q_avail"] = 1.0

	cfg := pollConfig(testKPIs)
	cfg.IntervalD = 10 * time.Millisecond
	p := NewPoller(client, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return p.Latest() != nil }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop on cancel")
	}
}
