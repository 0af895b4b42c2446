package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/nlin88/opsbridge/pkg/infra/logger"
)

// Regenerator renders the alert context artifact from a store snapshot.
// Implemented by the artifact writer.
type Regenerator interface {
	RegenerateAlerts(ctx context.Context, snapshot []Alert) error
}

// Ingester owns all writes to the Store. Webhook batches are validated
// and upserted synchronously; artifact regeneration runs behind a
// debounce window on a background goroutine so bursts of notifications
// collapse into one rendering and a slow disk never delays the
// alerting backend's delivery.
type Ingester struct {
	store       *Store
	regen       Regenerator
	debounce    time.Duration
	maxAttempts uint64
	trigger     chan struct{}
	metrics     *Metrics
}

func NewIngester(store *Store, regen Regenerator, debounce time.Duration, metrics *Metrics) *Ingester {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Ingester{
		store:       store,
		regen:       regen,
		debounce:    debounce,
		maxAttempts: 4,
		trigger:     make(chan struct{}, 1),
		metrics:     metrics,
	}
}

func (i *Ingester) Store() *Store { return i.store }

func (i *Ingester) Metrics() *Metrics { return i.metrics }

// Ingest validates and applies one webhook batch, then schedules a
// regeneration. The returned count is the number of upserts applied;
// on error nothing was applied.
func (i *Ingester) Ingest(payload *WebhookPayload) (int, error) {
	if payload == nil || len(payload.Alerts) == 0 {
		return 0, fmt.Errorf("empty alert batch")
	}

	applied, err := i.store.UpsertBatch(payload.Alerts)
	if err != nil {
		i.metrics.Batches.WithLabelValues("rejected").Inc()
		return 0, err
	}

	i.metrics.Batches.WithLabelValues("accepted").Inc()
	i.metrics.AlertsIngested.Add(float64(applied))
	i.scheduleRegeneration()
	return applied, nil
}

// InjectSynthetic pushes a synthetic firing alert through the full
// ingestion path, exercising validation, storage and regeneration
// without a live alerting backend.
func (i *Ingester) InjectSynthetic() (Alert, error) {
	fp := "synthetic-" + uuid.NewString()
	payload := &WebhookPayload{
		Version:  "4",
		Status:   string(StatusFiring),
		Receiver: "opsbridge-selftest",
		Alerts: []WebhookAlert{{
			Fingerprint: fp,
			Status:      string(StatusFiring),
			Labels: map[string]string{
				"alertname": "OpsbridgeSyntheticAlert",
				"severity":  string(SeverityInfo),
				"service":   "opsbridge",
			},
			Annotations: map[string]string{
				"summary": "synthetic alert injected by the test-trigger endpoint",
			},
			StartsAt: time.Now().UTC(),
		}},
	}

	if _, err := i.Ingest(payload); err != nil {
		return Alert{}, err
	}
	return payload.Alerts[0].Normalize(), nil
}

// scheduleRegeneration is non-blocking; a pending trigger coalesces
// with any number of later ones.
func (i *Ingester) scheduleRegeneration() {
	select {
	case i.trigger <- struct{}{}:
	default:
	}
}

// Run drives the debounced regeneration loop until the context is
// cancelled. It always returns the context's error.
func (i *Ingester) Run(ctx context.Context) error {
	log := logger.Default().With("component", "ingester")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-i.trigger:
		}

		// Let the burst settle; triggers arriving inside the window
		// fold into this regeneration.
		timer := time.NewTimer(i.debounce)
	settle:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-i.trigger:
			case <-timer.C:
				break settle
			}
		}

		i.regenerate(ctx, log)
	}
}

func (i *Ingester) regenerate(ctx context.Context, log *slog.Logger) {
	if i.regen == nil {
		return
	}

	op := func() error {
		return i.regen.RegenerateAlerts(ctx, i.store.Snapshot())
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), i.maxAttempts), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		i.metrics.Regenerations.WithLabelValues("error").Inc()
		log.Warn("alert context regeneration failed", "error", err)
		return
	}

	i.metrics.Regenerations.WithLabelValues("ok").Inc()
	log.Debug("alert context regenerated", "alerts", i.store.Len())
}
