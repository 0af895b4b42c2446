package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Prometheus PrometheusConfig `toml:"prometheus"`
	Grafana    GrafanaConfig    `toml:"grafana"`
	Ingest     IngestConfig     `toml:"ingest"`
	Poll       PollConfig       `toml:"poll"`
	Query      QueryConfig      `toml:"query"`
	Artifacts  ArtifactsConfig  `toml:"artifacts"`
	Logging    LoggingConfig    `toml:"logging"`
}

type PrometheusConfig struct {
	BaseURL              string        `toml:"base_url"`
	QueryTimeout         string        `toml:"query_timeout"`
	MaxConcurrentQueries int           `toml:"max_concurrent_queries"`
	QueryTimeoutD        time.Duration `toml:"-"`
}

// GrafanaConfig holds settings for the dashboard backend. Deployment
// events are read from Grafana's annotation API; APIToken takes
// precedence over basic auth when both are set.
type GrafanaConfig struct {
	BaseURL  string `toml:"base_url"`
	APIToken string `toml:"api_token"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

type IngestConfig struct {
	ListenAddr         string        `toml:"listen_addr"`
	Debounce           string        `toml:"debounce"`
	ResolvedRetention  string        `toml:"resolved_retention"`
	DebounceD          time.Duration `toml:"-"`
	ResolvedRetentionD time.Duration `toml:"-"`
}

type PollConfig struct {
	Interval    string        `toml:"interval"`
	Parallelism int           `toml:"parallelism"`
	MaxRetries  int           `toml:"max_retries"`
	Services    []string      `toml:"services"`
	KPIs        []KPIConfig   `toml:"kpis"`
	IntervalD   time.Duration `toml:"-"`
}

// KPIConfig declares one polled KPI. Direction decides what counts as a
// breach: "above" means the KPI degrades when the value exceeds the
// threshold, "below" when it falls under it.
type KPIConfig struct {
	Name      string  `toml:"name"`
	Query     string  `toml:"query"`
	Threshold float64 `toml:"threshold"`
	Direction string  `toml:"direction"`
}

type QueryConfig struct {
	ListenAddr string        `toml:"listen_addr"`
	MaxRange   string        `toml:"max_range"`
	MinStep    string        `toml:"min_step"`
	MaxRangeD  time.Duration `toml:"-"`
	MinStepD   time.Duration `toml:"-"`
}

type ArtifactsConfig struct {
	Dir           string `toml:"dir"`
	AlertsFile    string `toml:"alerts_file"`
	HealthFile    string `toml:"health_file"`
	DiagnosisFile string `toml:"diagnosis_file"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".opsbridge")

	return &Config{
		Prometheus: PrometheusConfig{
			BaseURL:              "http://localhost:9090",
			QueryTimeout:         "15s",
			MaxConcurrentQueries: 8,
		},
		Grafana: GrafanaConfig{},
		Ingest: IngestConfig{
			ListenAddr:        "127.0.0.1:9095",
			Debounce:          "2s",
			ResolvedRetention: "1h",
		},
		Poll: PollConfig{
			Interval:    "1m",
			Parallelism: 4,
			MaxRetries:  3,
			Services:    nil,
			KPIs: []KPIConfig{
				{
					Name:      "error_rate",
					Query:     `sum(rate(http_requests_total{code=~"5.."}[5m])) / sum(rate(http_requests_total[5m]))`,
					Threshold: 0.05,
					Direction: "above",
				},
				{
					Name:      "p95_latency_seconds",
					Query:     `histogram_quantile(0.95, sum(rate(http_request_duration_seconds_bucket[5m])) by (le))`,
					Threshold: 1.0,
					Direction: "above",
				},
				{
					Name:      "availability",
					Query:     `avg(up)`,
					Threshold: 0.99,
					Direction: "below",
				},
			},
		},
		Query: QueryConfig{
			ListenAddr: "127.0.0.1:9096",
			MaxRange:   "24h",
			MinStep:    "15s",
		},
		Artifacts: ArtifactsConfig{
			Dir:           filepath.Join(dataDir, "context"),
			AlertsFile:    "alerts",
			HealthFile:    "health",
			DiagnosisFile: "diagnosis",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func LoadFromFile(path string) (*Config, error) {
	expandedPath, err := expandPath(path)
	if err != nil {
		return nil, fmt.Errorf("expand path: %w", err)
	}

	data, err := os.ReadFile(expandedPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("decode TOML: %w", err)
	}

	return cfg, nil
}

func (c *Config) postProcess() error {
	var err error

	if c.Prometheus.QueryTimeoutD, err = time.ParseDuration(c.Prometheus.QueryTimeout); err != nil {
		return fmt.Errorf("parse prometheus.query_timeout: %w", err)
	}

	if c.Ingest.DebounceD, err = time.ParseDuration(c.Ingest.Debounce); err != nil {
		return fmt.Errorf("parse ingest.debounce: %w", err)
	}

	if c.Ingest.ResolvedRetentionD, err = time.ParseDuration(c.Ingest.ResolvedRetention); err != nil {
		return fmt.Errorf("parse ingest.resolved_retention: %w", err)
	}

	if c.Poll.IntervalD, err = time.ParseDuration(c.Poll.Interval); err != nil {
		return fmt.Errorf("parse poll.interval: %w", err)
	}

	if c.Query.MaxRangeD, err = time.ParseDuration(c.Query.MaxRange); err != nil {
		return fmt.Errorf("parse query.max_range: %w", err)
	}

	if c.Query.MinStepD, err = time.ParseDuration(c.Query.MinStep); err != nil {
		return fmt.Errorf("parse query.min_step: %w", err)
	}

	c.Artifacts.Dir, err = expandPath(c.Artifacts.Dir)
	if err != nil {
		return fmt.Errorf("expand artifacts.dir: %w", err)
	}

	return nil
}

func (c *Config) Validate() error {
	if c.Prometheus.BaseURL == "" {
		return fmt.Errorf("prometheus.base_url is required")
	}

	if c.Prometheus.MaxConcurrentQueries < 1 {
		return fmt.Errorf("max_concurrent_queries must be at least 1, got %d", c.Prometheus.MaxConcurrentQueries)
	}

	if c.Poll.Parallelism < 1 {
		return fmt.Errorf("poll.parallelism must be at least 1, got %d", c.Poll.Parallelism)
	}

	if c.Poll.MaxRetries < 0 {
		return fmt.Errorf("poll.max_retries cannot be negative, got %d", c.Poll.MaxRetries)
	}

	if c.Poll.IntervalD < time.Second {
		return fmt.Errorf("poll.interval must be at least 1s, got %s", c.Poll.Interval)
	}

	seen := make(map[string]bool, len(c.Poll.KPIs))
	for _, k := range c.Poll.KPIs {
		if k.Name == "" {
			return fmt.Errorf("kpi name cannot be empty")
		}
		if seen[k.Name] {
			return fmt.Errorf("duplicate kpi name: %s", k.Name)
		}
		seen[k.Name] = true
		if k.Query == "" {
			return fmt.Errorf("kpi %s: query cannot be empty", k.Name)
		}
		if k.Direction != "above" && k.Direction != "below" {
			return fmt.Errorf("kpi %s: direction must be \"above\" or \"below\", got %q", k.Name, k.Direction)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid logging level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid logging format: %s (valid: json, text)", c.Logging.Format)
	}

	return nil
}

func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPSBRIDGE_PROMETHEUS_URL"); v != "" {
		cfg.Prometheus.BaseURL = v
	}
	if v := os.Getenv("OPSBRIDGE_GRAFANA_URL"); v != "" {
		cfg.Grafana.BaseURL = v
	}
	if v := os.Getenv("OPSBRIDGE_GRAFANA_TOKEN"); v != "" {
		cfg.Grafana.APIToken = v
	}
	if v := os.Getenv("OPSBRIDGE_GRAFANA_USER"); v != "" {
		cfg.Grafana.Username = v
	}
	if v := os.Getenv("OPSBRIDGE_GRAFANA_PASSWORD"); v != "" {
		cfg.Grafana.Password = v
	}
	if v := os.Getenv("OPSBRIDGE_INGEST_LISTEN"); v != "" {
		cfg.Ingest.ListenAddr = v
	}
	if v := os.Getenv("OPSBRIDGE_QUERY_LISTEN"); v != "" {
		cfg.Query.ListenAddr = v
	}
	if v := os.Getenv("OPSBRIDGE_POLL_INTERVAL"); v != "" {
		cfg.Poll.Interval = v
	}
	if v := os.Getenv("OPSBRIDGE_ARTIFACTS_DIR"); v != "" {
		cfg.Artifacts.Dir = v
	}
	if v := os.Getenv("OPSBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("OPSBRIDGE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("OPSBRIDGE_MAX_CONCURRENT_QUERIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Prometheus.MaxConcurrentQueries = n
		}
	}
	if v := os.Getenv("OPSBRIDGE_SERVICES"); v != "" {
		cfg.Poll.Services = splitTrim(v)
	}
}

func splitTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get user home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}

	return path, nil
}

func Load(configPath string) (*Config, error) {
	var cfg *Config
	var err error

	if configPath != "" {
		cfg, err = LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", configPath, err)
		}
	} else {
		cfg = Default()
	}

	ApplyEnvOverrides(cfg)

	if err := cfg.postProcess(); err != nil {
		return nil, fmt.Errorf("post process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}
