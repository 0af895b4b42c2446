// Package artifact renders alert, health and diagnosis state into
// durable context files for external consumers. Every write replaces
// the whole artifact atomically.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nlin88/opsbridge/pkg/alert"
	"github.com/nlin88/opsbridge/pkg/config"
	"github.com/nlin88/opsbridge/pkg/diagnose"
	"github.com/nlin88/opsbridge/pkg/health"
	"github.com/nlin88/opsbridge/pkg/infra/logger"
)

var ErrWriteFailed = errors.New("artifact write failed")

// Audience names a logical artifact. Each audience gets a markdown and
// a json rendering under the configured directory.
type Audience string

const (
	AudienceAlerts    Audience = "alerts"
	AudienceHealth    Audience = "health"
	AudienceDiagnosis Audience = "diagnosis"
)

// Writer serializes writes per audience so renderings from different
// triggers (ingestion vs polling) never interleave on the same file.
type Writer struct {
	dir   string
	names map[Audience]string
	locks map[Audience]*sync.Mutex
	now   func() time.Time
}

func NewWriter(cfg config.ArtifactsConfig) *Writer {
	names := map[Audience]string{
		AudienceAlerts:    cfg.AlertsFile,
		AudienceHealth:    cfg.HealthFile,
		AudienceDiagnosis: cfg.DiagnosisFile,
	}
	locks := make(map[Audience]*sync.Mutex, len(names))
	for audience, name := range names {
		if name == "" {
			names[audience] = string(audience)
		}
		locks[audience] = &sync.Mutex{}
	}
	return &Writer{dir: cfg.Dir, names: names, locks: locks, now: time.Now}
}

// Path returns the markdown artifact path for an audience.
func (w *Writer) Path(audience Audience) string {
	return filepath.Join(w.dir, w.names[audience]+".md")
}

// RegenerateAlerts renders the full store snapshot. Implements the
// ingester's regeneration hook.
func (w *Writer) RegenerateAlerts(ctx context.Context, snapshot []alert.Alert) error {
	doc := buildAlertsDocument(snapshot, w.now().UTC())
	return w.writePair(ctx, AudienceAlerts, renderAlertsMarkdown(doc), doc)
}

// RegenerateHealth renders the latest polling report. Implements the
// poller's sink.
func (w *Writer) RegenerateHealth(ctx context.Context, report *health.Report) error {
	return w.writePair(ctx, AudienceHealth, renderHealthMarkdown(report), report)
}

// WriteDiagnosis persists a diagnosis produced by the diagnose tool.
func (w *Writer) WriteDiagnosis(ctx context.Context, diag *diagnose.Diagnosis) error {
	return w.writePair(ctx, AudienceDiagnosis, renderDiagnosisMarkdown(diag), diag)
}

func (w *Writer) writePair(ctx context.Context, audience Audience, markdown string, structured any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mu := w.locks[audience]
	mu.Lock()
	defer mu.Unlock()

	data, err := marshalIndented(structured)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrWriteFailed, audience, err)
	}

	base := w.names[audience]
	if err := w.writeAtomic(filepath.Join(w.dir, base+".md"), []byte(markdown)); err != nil {
		return err
	}
	if err := w.writeAtomic(filepath.Join(w.dir, base+".json"), data); err != nil {
		return err
	}

	logger.Default().Debug("artifact regenerated", "audience", string(audience))
	return nil
}

// WriteFile writes an arbitrary file with the same atomic staging as
// the managed artifacts. Used by the one-shot report command.
func (w *Writer) WriteFile(path string, data []byte) error {
	return w.writeAtomic(path, data)
}

// writeAtomic stages the content in a temp file in the target
// directory and renames it over the destination, so a concurrent
// reader sees either the old or the new complete artifact.
func (w *Writer) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}
