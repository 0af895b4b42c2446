// Package health aggregates configured KPI queries and service-health
// lookups into immutable reports on a fixed schedule.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/nlin88/opsbridge/pkg/config"
	"github.com/nlin88/opsbridge/pkg/infra/logger"
	"github.com/nlin88/opsbridge/pkg/metrics"
)

var errBackendDown = errors.New("metrics backend unreachable for the whole tick")

// Sink receives each finished report for artifact regeneration.
// Implemented by the artifact writer.
type Sink interface {
	RegenerateHealth(ctx context.Context, report *Report) error
}

// Poller drives the polling schedule. Ticks never overlap: a tick that
// comes due while the previous one is still running is skipped, not
// queued, so a slow backend cannot build a backlog.
type Poller struct {
	client      metrics.Client
	kpis        []config.KPIConfig
	services    []string
	interval    time.Duration
	parallelism int
	maxRetries  int
	sink        Sink

	latest atomic.Pointer[Report]
	busy   atomic.Bool
	wg     sync.WaitGroup
	now    func() time.Time
}

func NewPoller(client metrics.Client, cfg config.PollConfig, sink Sink) *Poller {
	parallelism := cfg.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}
	return &Poller{
		client:      client,
		kpis:        cfg.KPIs,
		services:    cfg.Services,
		interval:    cfg.IntervalD,
		parallelism: parallelism,
		maxRetries:  cfg.MaxRetries,
		sink:        sink,
		now:         time.Now,
	}
}

// Latest returns the most recent report, or nil before the first tick
// completes.
func (p *Poller) Latest() *Report {
	return p.latest.Load()
}

// Run polls on the configured interval until the context is cancelled.
// The first tick runs immediately.
func (p *Poller) Run(ctx context.Context) error {
	log := logger.Default().With("component", "health-poller")

	p.spawnTick(ctx, log)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			p.spawnTick(ctx, log)
		}
	}
}

func (p *Poller) spawnTick(ctx context.Context, log *slog.Logger) {
	if !p.busy.CompareAndSwap(false, true) {
		log.Warn("tick skipped: previous tick still running")
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.busy.Store(false)

		report, err := p.RunOnce(ctx)
		if err != nil {
			log.Warn("polling tick failed", "error", err)
			return
		}
		if report.Degraded {
			log.Warn("polling tick degraded", "annotation", report.Annotation)
		} else {
			log.Debug("polling tick complete", "kpis", len(report.KPIs))
		}
	}()
}

// RunOnce executes a single tick: collect every KPI and service state,
// retrying with exponential backoff when the backend is unreachable
// for the whole tick, and hands the report to the sink. Per-KPI
// failures do not fail the tick.
func (p *Poller) RunOnce(ctx context.Context) (*Report, error) {
	var report *Report

	op := func() error {
		r, err := p.collect(ctx)
		if err != nil {
			return err
		}
		report = r
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(p.maxRetries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		report = p.degradedReport(err)
	}

	p.latest.Store(report)

	if p.sink != nil {
		if err := p.sink.RegenerateHealth(ctx, report); err != nil {
			// Absorbed: the artifact stays stale until the next tick,
			// the report itself is still served to readers.
			logger.Default().Warn("health context regeneration failed", "error", err)
		}
	}

	return report, nil
}

// collect fans the tick's queries out under the parallelism bound and
// assembles the report in configured KPI order. It returns
// errBackendDown when every single probe failed against the backend.
func (p *Poller) collect(ctx context.Context) (*Report, error) {
	kpis := make([]KPI, len(p.kpis))
	states := make([]metrics.ServiceState, len(p.services))
	stateErrs := make([]error, len(p.services))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism)

	for idx, kc := range p.kpis {
		idx, kc := idx, kc
		g.Go(func() error {
			kpis[idx] = p.evalKPI(gctx, kc)
			return nil
		})
	}

	for idx, svc := range p.services {
		idx, svc := idx, svc
		g.Go(func() error {
			states[idx], stateErrs[idx] = p.client.ServiceHealth(gctx, svc)
			return nil
		})
	}

	// Worker errors are recorded per probe, never propagated, so one
	// bad query cannot cancel its siblings.
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, backoff.Permanent(err)
	}

	probes := len(p.kpis) + len(p.services)
	failed := 0
	for _, k := range kpis {
		if k.Status == KPIUnavailable && k.Error != "" {
			failed++
		}
	}
	for _, err := range stateErrs {
		if err != nil {
			failed++
		}
	}
	if probes > 0 && failed == probes {
		return nil, errBackendDown
	}

	report := &Report{
		Timestamp: p.now().UTC(),
		KPIs:      kpis,
	}
	if len(p.services) > 0 {
		report.ServiceStatuses = make(map[string]metrics.ServiceState, len(p.services))
		for idx, svc := range p.services {
			if stateErrs[idx] != nil {
				report.ServiceStatuses[svc] = metrics.ServiceUnknown
				continue
			}
			report.ServiceStatuses[svc] = states[idx]
		}
	}
	return report, nil
}

func (p *Poller) evalKPI(ctx context.Context, kc config.KPIConfig) KPI {
	kpi := KPI{Name: kc.Name, Threshold: kc.Threshold}

	res, err := p.client.Query(ctx, kc.Query)
	if err != nil {
		kpi.Status = KPIUnavailable
		kpi.Error = err.Error()
		return kpi
	}
	if len(res.Samples) == 0 {
		kpi.Status = KPIUnavailable
		kpi.Error = "query returned no data"
		return kpi
	}

	kpi.Value = res.Samples[0].Value
	kpi.Status = KPIOK

	breached := false
	switch kc.Direction {
	case "below":
		breached = kpi.Value < kc.Threshold
	default:
		breached = kpi.Value > kc.Threshold
	}
	if breached {
		kpi.Status = KPIDegraded
	}
	return kpi
}

// degradedReport is produced after the backend stayed unreachable
// through every retry: every KPI is marked unavailable and the report
// carries an explicit annotation.
func (p *Poller) degradedReport(cause error) *Report {
	report := &Report{
		Timestamp:  p.now().UTC(),
		KPIs:       make([]KPI, len(p.kpis)),
		Degraded:   true,
		Annotation: fmt.Sprintf("metrics backend unreachable after %d attempts: %v", p.maxRetries+1, cause),
	}
	for idx, kc := range p.kpis {
		report.KPIs[idx] = KPI{
			Name:      kc.Name,
			Threshold: kc.Threshold,
			Status:    KPIUnavailable,
			Error:     "backend unreachable",
		}
	}
	if len(p.services) > 0 {
		report.ServiceStatuses = make(map[string]metrics.ServiceState, len(p.services))
		for _, svc := range p.services {
			report.ServiceStatuses[svc] = metrics.ServiceUnknown
		}
	}
	return report
}
