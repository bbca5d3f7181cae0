// Package config loads the daemon configuration from a YAML or JSON file
// with optional environment overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/freightd/core/allocation"
	"github.com/kilianp07/freightd/core/notify"
	"github.com/kilianp07/freightd/core/registry"
	"github.com/kilianp07/freightd/core/tracking"
	"github.com/kilianp07/freightd/infra/mqtt"
	"github.com/kilianp07/freightd/infra/sms"
)

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend  string `json:"backend"`
	RedisURL string `json:"redis_url"`
}

// SetDefaults applies sane defaults.
func (c *StoreConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
}

// Validate checks the backend selection.
func (c *StoreConfig) Validate() error {
	switch c.Backend {
	case "memory":
		return nil
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("store: redis backend requires redis_url")
		}
		return nil
	default:
		return fmt.Errorf("store: unknown backend %q", c.Backend)
	}
}

// MetricsConfig configures the Prometheus endpoint and the optional
// InfluxDB sink.
type MetricsConfig struct {
	PrometheusAddr string `json:"prometheus_addr"`
	InfluxURL      string `json:"influx_url"`
	InfluxToken    string `json:"influx_token"`
	InfluxOrg      string `json:"influx_org"`
	InfluxBucket   string `json:"influx_bucket"`
}

// SetDefaults applies sane defaults.
func (c *MetricsConfig) SetDefaults() {
	if c.PrometheusAddr == "" {
		c.PrometheusAddr = ":9090"
	}
}

// AuditConfig configures the JSONL audit trail.
type AuditConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Validate requires a path when the trail is enabled.
func (c *AuditConfig) Validate() error {
	if c.Enabled && c.Path == "" {
		return fmt.Errorf("audit: enabled but no path configured")
	}
	return nil
}

// APIConfig configures the HTTP listener.
type APIConfig struct {
	Addr string `json:"addr"`
}

// SetDefaults applies sane defaults.
func (c *APIConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
}

// Config is the root daemon configuration.
type Config struct {
	API        APIConfig         `json:"api"`
	Store      StoreConfig       `json:"store"`
	Registry   registry.Config   `json:"registry"`
	Allocation allocation.Config `json:"allocation"`
	Notify     notify.Config     `json:"notify"`
	Tracking   tracking.Config   `json:"tracking"`
	MQTT       mqtt.Config       `json:"mqtt"`
	SMS        sms.Config        `json:"sms"`
	Metrics    MetricsConfig     `json:"metrics"`
	Audit      AuditConfig       `json:"audit"`
}

// Load reads the config file at path, applies K_ environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides
	if err := k.Load(env.Provider("K_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "k_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.API.SetDefaults()
	cfg.Store.SetDefaults()
	cfg.Registry.SetDefaults()
	cfg.Allocation.SetDefaults()
	cfg.Notify.SetDefaults()
	cfg.Tracking.SetDefaults()
	cfg.Metrics.SetDefaults()
	cfg.MQTT.SetDefaults()
	if err := cfg.Store.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Audit.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
