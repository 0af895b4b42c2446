// Package app wires the opsbridge components together and supervises
// their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nlin88/opsbridge/pkg/alert"
	"github.com/nlin88/opsbridge/pkg/artifact"
	"github.com/nlin88/opsbridge/pkg/config"
	"github.com/nlin88/opsbridge/pkg/diagnose"
	"github.com/nlin88/opsbridge/pkg/health"
	"github.com/nlin88/opsbridge/pkg/infra/logger"
	"github.com/nlin88/opsbridge/pkg/metrics"
	"github.com/nlin88/opsbridge/pkg/query"
)

// ErrPreflight marks a failed startup dependency check. The process
// must exit non-zero instead of starting degraded.
var ErrPreflight = errors.New("startup dependency check failed")

const shutdownGrace = 15 * time.Second

// App owns the wired component graph. Construction builds everything;
// Run starts only the selected subset.
type App struct {
	cfg     *config.Config
	version string

	backend     *metrics.Backend
	writer      *artifact.Writer
	ingester    *alert.Ingester
	alertServer *alert.Server
	poller      *health.Poller
	diagnoser   *diagnose.Diagnoser
	queryServer *query.HTTPServer
	adapter     *query.Adapter
}

func New(cfg *config.Config, version string) (*App, error) {
	prom, err := metrics.NewPrometheusClient(
		cfg.Prometheus.BaseURL,
		cfg.Prometheus.QueryTimeoutD,
		cfg.Prometheus.MaxConcurrentQueries,
	)
	if err != nil {
		return nil, fmt.Errorf("metrics backend: %w", err)
	}

	var grafana *metrics.GrafanaClient
	if cfg.Grafana.BaseURL != "" {
		grafana = metrics.NewGrafanaClient(
			cfg.Grafana.BaseURL,
			cfg.Grafana.APIToken,
			cfg.Grafana.Username,
			cfg.Grafana.Password,
			cfg.Prometheus.QueryTimeoutD,
		)
	}
	backend := metrics.NewBackend(prom, grafana)

	writer := artifact.NewWriter(cfg.Artifacts)
	store := alert.NewStore(cfg.Ingest.ResolvedRetentionD)
	ingester := alert.NewIngester(store, writer, cfg.Ingest.DebounceD, alert.NewMetrics())
	alertServer := alert.NewServer(cfg.Ingest.ListenAddr, ingester, version)

	poller := health.NewPoller(backend, cfg.Poll, writer)
	diagnoser := diagnose.NewDiagnoser(backend, store, poller, cfg.Query.MaxRangeD)

	registry, err := query.NewToolRegistry(query.Deps{
		Client:      backend,
		Alerts:      store,
		Reports:     poller,
		Diagnoser:   diagnoser,
		Writer:      writer,
		Policy:      query.NewPolicy(cfg.Query),
		MaxLookback: cfg.Query.MaxRangeD,
	})
	if err != nil {
		return nil, fmt.Errorf("tool registry: %w", err)
	}
	adapter := query.NewAdapter(registry, version)

	return &App{
		cfg:         cfg,
		version:     version,
		backend:     backend,
		writer:      writer,
		ingester:    ingester,
		alertServer: alertServer,
		poller:      poller,
		diagnoser:   diagnoser,
		queryServer: query.NewHTTPServer(cfg.Query.ListenAddr, adapter, version),
		adapter:     adapter,
	}, nil
}

func (a *App) Poller() *health.Poller { return a.poller }

func (a *App) Adapter() *query.Adapter { return a.adapter }

func (a *App) Writer() *artifact.Writer { return a.writer }

// CheckResult is one pre-flight probe outcome.
type CheckResult struct {
	Dependency string
	Required   bool
	Err        error
}

func (r CheckResult) OK() bool { return r.Err == nil }

// Preflight probes every configured backend dependency. It always
// returns the full result list; the error is non-nil when any required
// dependency failed.
func (a *App) Preflight(ctx context.Context) ([]CheckResult, error) {
	results := []CheckResult{
		{Dependency: "prometheus", Required: true, Err: a.backend.Check(ctx)},
	}
	if grafana := a.backend.Grafana(); grafana != nil {
		results = append(results, CheckResult{Dependency: "grafana", Err: grafana.Check(ctx)})
	}

	var failed []string
	for _, r := range results {
		if r.Required && !r.OK() {
			failed = append(failed, r.Dependency)
		}
	}
	if len(failed) > 0 {
		return results, fmt.Errorf("%w: %v", ErrPreflight, failed)
	}
	return results, nil
}

// Run performs the pre-flight checks, then starts the selected
// components and blocks until the context is cancelled or one of them
// fails. Shutdown gives every component the grace period to drain.
func (a *App) Run(ctx context.Context, selected Components) error {
	log := logger.Default().With("component", "orchestrator")

	if _, err := a.Preflight(ctx); err != nil {
		return err
	}
	log.Info("pre-flight checks passed", "components", selected.String(), "version", a.version)

	if err := os.MkdirAll(a.cfg.Artifacts.Dir, 0o755); err != nil {
		return fmt.Errorf("artifact dir: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if selected.Has(ComponentIngestion) {
		g.Go(func() error { return ignoreCanceled(a.ingester.Run(gctx)) })
		g.Go(func() error { return a.alertServer.Run(gctx, shutdownGrace) })
	}
	if selected.Has(ComponentPolling) {
		g.Go(func() error { return ignoreCanceled(a.poller.Run(gctx)) })
	}
	if selected.Has(ComponentQuery) {
		g.Go(func() error { return a.queryServer.Run(gctx, shutdownGrace) })
	}

	err := g.Wait()
	if err != nil {
		log.Error("component failed", "error", err)
		return err
	}
	log.Info("all components stopped")
	return nil
}

// ignoreCanceled maps an orderly cancellation to a clean exit so the
// errgroup only surfaces real failures.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
