// Package config provides configuration structures and loading logic for the gateway.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/veilgate/veilgate/pkg/domain"
)

// Config holds the global configuration for the gateway.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Redis      RedisConfig      `yaml:"redis"`
	Tiers      map[string]Tier  `yaml:"tiers"`
	Global     GlobalConfig     `yaml:"global"`
	Models     []ModelConfig    `yaml:"models"`
	Endpoints  []EndpointConfig `yaml:"endpoints"`
	Breaker    BreakerConfig    `yaml:"circuit_breaker"`
	Threat     ThreatConfig     `yaml:"threat"`
	Moderation ModerationConfig `yaml:"moderation"`
	Pricing    PricingConfig    `yaml:"pricing"`
	Budget     BudgetConfig     `yaml:"budget"`
}

// ServerConfig holds configuration for the HTTP servers.
type ServerConfig struct {
	DataAddress  string `yaml:"data_address"`
	AdminAddress string `yaml:"admin_address"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// RedisConfig holds the optional Redis persistence settings. An empty
// address keeps audit and spend state in memory only.
type RedisConfig struct {
	Address string `yaml:"address"`
}

// Tier defines rate-limit and budget parameters for one service tier.
type Tier struct {
	Capacity      float64 `yaml:"capacity"`
	RefillPerSec  float64 `yaml:"refill_per_sec"`
	DailyLimitUSD float64 `yaml:"daily_limit_usd"`
}

// GlobalConfig caps aggregate throughput and spend across all principals.
type GlobalConfig struct {
	Capacity      float64 `yaml:"capacity"`
	RefillPerSec  float64 `yaml:"refill_per_sec"`
	DailyLimitUSD float64 `yaml:"daily_limit_usd"`
}

// ModelConfig maps a logical model to its ordered fallback chain.
type ModelConfig struct {
	LogicalModel string   `yaml:"logical_model"`
	Chain        []string `yaml:"chain"`
}

// EndpointConfig describes a physical model endpoint.
type EndpointConfig struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"base_url"`
}

// BreakerConfig defines circuit breaker parameters shared by all endpoints.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	WindowSec        int `yaml:"window_sec"`
	CooldownSec      int `yaml:"cooldown_sec"`
}

// ThreatConfig controls threat detector blocking and custom patterns.
type ThreatConfig struct {
	BlockAtLevel string          `yaml:"block_at_level"`
	Patterns     []ThreatPattern `yaml:"patterns"`
}

// ThreatPattern declares an operator-supplied detection pattern.
type ThreatPattern struct {
	ID       string  `yaml:"id"`
	Category string  `yaml:"category"`
	Regex    string  `yaml:"regex"`
	Severity float64 `yaml:"severity"`
}

// ModerationConfig configures the external content classifier client.
type ModerationConfig struct {
	Endpoint  string `yaml:"endpoint"`
	TimeoutMs int    `yaml:"timeout_ms"`
	FailMode  string `yaml:"fail_mode"`
}

// PricingConfig converts token counts into USD.
type PricingConfig struct {
	DefaultUSDPer1KTokens float64            `yaml:"default_usd_per_1k_tokens"`
	PerModel              map[string]float64 `yaml:"per_model"`
}

// BudgetConfig controls the daily budget window.
type BudgetConfig struct {
	Timezone string `yaml:"timezone"`
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration populated with operational defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			DataAddress:  ":8080",
			AdminAddress: ":9090",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Tiers: map[string]Tier{
			string(domain.TierDefault): {Capacity: 100, RefillPerSec: 10, DailyLimitUSD: 10},
			string(domain.TierPremium): {Capacity: 1000, RefillPerSec: 100, DailyLimitUSD: 100},
		},
		Global: GlobalConfig{
			Capacity:      10000,
			RefillPerSec:  1000,
			DailyLimitUSD: 1000,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			WindowSec:        60,
			CooldownSec:      30,
		},
		Threat: ThreatConfig{
			BlockAtLevel: domain.ThreatHigh.String(),
		},
		Moderation: ModerationConfig{
			TimeoutMs: 3000,
			FailMode:  string(domain.FailClosed),
		},
		Pricing: PricingConfig{
			DefaultUSDPer1KTokens: 0.01,
		},
		Budget: BudgetConfig{
			Timezone: "UTC",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("VEILGATE_DATA_ADDR"); val != "" {
		cfg.Server.DataAddress = val
	}
	if val := os.Getenv("VEILGATE_ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}
	if val := os.Getenv("VEILGATE_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("VEILGATE_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("VEILGATE_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("VEILGATE_REDIS_ADDR"); val != "" {
		cfg.Redis.Address = val
	}
	if val := os.Getenv("VEILGATE_MODERATION_ENDPOINT"); val != "" {
		cfg.Moderation.Endpoint = val
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if _, ok := c.Tiers[string(domain.TierDefault)]; !ok {
		return fmt.Errorf("tiers: %q tier is required", domain.TierDefault)
	}
	for name, tier := range c.Tiers {
		if tier.Capacity <= 0 {
			return fmt.Errorf("tiers.%s: capacity must be positive", name)
		}
		if tier.RefillPerSec <= 0 {
			return fmt.Errorf("tiers.%s: refill_per_sec must be positive", name)
		}
		if tier.DailyLimitUSD < 0 {
			return fmt.Errorf("tiers.%s: daily_limit_usd must not be negative", name)
		}
	}
	if c.Global.Capacity <= 0 || c.Global.RefillPerSec <= 0 {
		return fmt.Errorf("global: capacity and refill_per_sec must be positive")
	}

	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker: failure_threshold must be positive")
	}
	if c.Breaker.WindowSec <= 0 || c.Breaker.CooldownSec <= 0 {
		return fmt.Errorf("circuit_breaker: window_sec and cooldown_sec must be positive")
	}

	if _, ok := domain.ParseThreatLevel(c.Threat.BlockAtLevel); !ok {
		return fmt.Errorf("threat: unknown block_at_level %q", c.Threat.BlockAtLevel)
	}
	for _, p := range c.Threat.Patterns {
		if p.ID == "" || p.Regex == "" {
			return fmt.Errorf("threat: custom patterns require id and regex")
		}
	}

	switch domain.FailMode(c.Moderation.FailMode) {
	case domain.FailOpen, domain.FailClosed:
	default:
		return fmt.Errorf("moderation: fail_mode must be %q or %q", domain.FailOpen, domain.FailClosed)
	}
	if c.Moderation.TimeoutMs <= 0 {
		return fmt.Errorf("moderation: timeout_ms must be positive")
	}

	known := make(map[string]bool, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		if ep.ID == "" {
			return fmt.Errorf("endpoints: id is required")
		}
		if known[ep.ID] {
			return fmt.Errorf("endpoints: duplicate id %q", ep.ID)
		}
		known[ep.ID] = true
	}
	for _, m := range c.Models {
		if m.LogicalModel == "" {
			return fmt.Errorf("models: logical_model is required")
		}
		if len(m.Chain) == 0 {
			return fmt.Errorf("models.%s: fallback chain must not be empty", m.LogicalModel)
		}
		for _, id := range m.Chain {
			if !known[id] {
				return fmt.Errorf("models.%s: chain references unknown endpoint %q", m.LogicalModel, id)
			}
		}
	}

	if c.Budget.Timezone != "" {
		if _, err := time.LoadLocation(c.Budget.Timezone); err != nil {
			return fmt.Errorf("budget: invalid timezone %q: %w", c.Budget.Timezone, err)
		}
	}

	return nil
}

// ToSnapshot converts the file configuration into the domain snapshot
// consumed by the pipeline components.
func (c *Config) ToSnapshot() domain.Snapshot {
	tiers := make(map[domain.Tier]domain.TierLimits, len(c.Tiers))
	for name, t := range c.Tiers {
		tiers[domain.Tier(name)] = domain.TierLimits{
			Capacity:      t.Capacity,
			RefillPerSec:  t.RefillPerSec,
			DailyLimitUSD: t.DailyLimitUSD,
		}
	}

	routes := make([]domain.ModelRoute, 0, len(c.Models))
	for _, m := range c.Models {
		routes = append(routes, domain.ModelRoute{
			LogicalModel: m.LogicalModel,
			Chain:        append([]string(nil), m.Chain...),
		})
	}

	endpoints := make([]domain.EndpointConfig, 0, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		endpoints = append(endpoints, domain.EndpointConfig{
			ID:       ep.ID,
			Provider: ep.Provider,
			BaseURL:  ep.BaseURL,
		})
	}

	blockAt, _ := domain.ParseThreatLevel(c.Threat.BlockAtLevel)
	patterns := make([]domain.ThreatPattern, 0, len(c.Threat.Patterns))
	for _, p := range c.Threat.Patterns {
		patterns = append(patterns, domain.ThreatPattern{
			ID:       p.ID,
			Category: p.Category,
			Regex:    p.Regex,
			Severity: p.Severity,
		})
	}

	return domain.Snapshot{
		Tiers: tiers,
		Global: domain.GlobalLimits{
			Capacity:      c.Global.Capacity,
			RefillPerSec:  c.Global.RefillPerSec,
			DailyLimitUSD: c.Global.DailyLimitUSD,
		},
		Routes:    routes,
		Endpoints: endpoints,
		Breaker: domain.BreakerSettings{
			FailureThreshold: c.Breaker.FailureThreshold,
			Window:           time.Duration(c.Breaker.WindowSec) * time.Second,
			Cooldown:         time.Duration(c.Breaker.CooldownSec) * time.Second,
		},
		Threat: domain.ThreatSettings{
			BlockAtLevel:   blockAt,
			CustomPatterns: patterns,
		},
		Moderation: domain.ModerationSettings{
			Endpoint: c.Moderation.Endpoint,
			Timeout:  time.Duration(c.Moderation.TimeoutMs) * time.Millisecond,
			FailMode: domain.FailMode(c.Moderation.FailMode),
		},
		Pricing: domain.PricingSettings{
			DefaultUSDPer1KTokens:  c.Pricing.DefaultUSDPer1KTokens,
			PerModelUSDPer1KTokens: c.Pricing.PerModel,
		},
		Budget: domain.BudgetSettings{
			Timezone: c.Budget.Timezone,
		},
		Timestamp: time.Now(),
	}
}
