package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "opsbridge.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// --- defaults ---

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.postProcess())
	assert.NoError(t, cfg.Validate())
}

func TestDefault_Durations(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.postProcess())

	assert.Equal(t, 15*time.Second, cfg.Prometheus.QueryTimeoutD)
	assert.Equal(t, 2*time.Second, cfg.Ingest.DebounceD)
	assert.Equal(t, time.Hour, cfg.Ingest.ResolvedRetentionD)
	assert.Equal(t, time.Minute, cfg.Poll.IntervalD)
	assert.Equal(t, 24*time.Hour, cfg.Query.MaxRangeD)
}

// --- Load ---

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9090", cfg.Prometheus.BaseURL)
	assert.Len(t, cfg.Poll.KPIs, 3)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
[prometheus]
base_url = "http://prom.internal:9090"
query_timeout = "5s"

[poll]
interval = "30s"
services = ["checkout", "payments"]

[[poll.kpis]]
name = "cpu"
query = "avg(node_cpu_utilization)"
threshold = 0.9
direction = "above"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://prom.internal:9090", cfg.Prometheus.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.Prometheus.QueryTimeoutD)
	assert.Equal(t, 30*time.Second, cfg.Poll.IntervalD)
	assert.Equal(t, []string{"checkout", "payments"}, cfg.Poll.Services)
	// KPI list in the file replaces the default set.
	require.Len(t, cfg.Poll.KPIs, 1)
	assert.Equal(t, "cpu", cfg.Poll.KPIs[0].Name)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeTempConfig(t, `
[poll]
interval = "often"
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "poll.interval")
}

// --- env overrides ---

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("OPSBRIDGE_PROMETHEUS_URL", "http://other:9090")
	t.Setenv("OPSBRIDGE_LOG_LEVEL", "debug")
	t.Setenv("OPSBRIDGE_SERVICES", "api, worker ,")
	t.Setenv("OPSBRIDGE_MAX_CONCURRENT_QUERIES", "2")

	cfg := Default()
	ApplyEnvOverrides(cfg)

	assert.Equal(t, "http://other:9090", cfg.Prometheus.BaseURL)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []string{"api", "worker"}, cfg.Poll.Services)
	assert.Equal(t, 2, cfg.Prometheus.MaxConcurrentQueries)
}

// --- Validate ---

func TestValidate_EmptyPrometheusURL(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.postProcess())
	cfg.Prometheus.BaseURL = ""
	assert.ErrorContains(t, cfg.Validate(), "prometheus.base_url")
}

func TestValidate_DuplicateKPIName(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.postProcess())
	cfg.Poll.KPIs = append(cfg.Poll.KPIs, KPIConfig{
		Name: "error_rate", Query: "vector(1)", Direction: "above",
	})
	assert.ErrorContains(t, cfg.Validate(), "duplicate kpi name")
}

func TestValidate_BadDirection(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.postProcess())
	cfg.Poll.KPIs[0].Direction = "sideways"
	assert.ErrorContains(t, cfg.Validate(), "direction")
}

func TestValidate_ShortInterval(t *testing.T) {
	cfg := Default()
	cfg.Poll.Interval = "100ms"
	require.NoError(t, cfg.postProcess())
	assert.ErrorContains(t, cfg.Validate(), "poll.interval")
}

func TestValidate_BadLogLevel(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.postProcess())
	cfg.Logging.Level = "verbose"
	assert.ErrorContains(t, cfg.Validate(), "logging level")
}
