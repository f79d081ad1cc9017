package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dyluth/warren/pkg/events"
	"gopkg.in/yaml.v3"
)

// Environment variables read by LoadWithEnv.
const (
	EnvConfigPath = "WARREN_CONFIG"
	EnvRedisURL   = "WARREN_REDIS_URL"
)

// DefaultPath is where the daemon and CLI look for configuration.
const DefaultPath = "warren.yml"

// WarrenConfig represents the top-level warren.yml configuration
type WarrenConfig struct {
	Version   string          `yaml:"version"`
	Redis     RedisConfig     `yaml:"redis"`
	Streams   StreamsConfig   `yaml:"streams"`
	Retry     RetryConfig     `yaml:"retry"`
	Consumer  ConsumerConfig  `yaml:"consumer"`
	Handoff   HandoffConfig   `yaml:"handoff"`
	Tenants   []TenantConfig  `yaml:"tenants"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// RedisConfig locates the stream store
type RedisConfig struct {
	URL string `yaml:"url"`
}

// StreamsConfig bounds stream retention
type StreamsConfig struct {
	MaxLen    int64 `yaml:"max_len"`     // Approximate entries kept per stream (default 1000)
	DLQMaxLen int64 `yaml:"dlq_max_len"` // Approximate dead letters kept per stream (default 10000)
}

// RetryConfig is the redelivery schedule: base_delay * factor^(n-1)
type RetryConfig struct {
	MaxRetries *int          `yaml:"max_retries,omitempty"` // Default 3, 0 disables retries
	BaseDelay  time.Duration `yaml:"base_delay"`
	Factor     float64       `yaml:"factor"`
}

// ConsumerConfig tunes the processing loops
type ConsumerConfig struct {
	BatchSize       int64         `yaml:"batch_size"`
	Block           time.Duration `yaml:"block"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`
	ReclaimMinIdle  time.Duration `yaml:"reclaim_min_idle"`
}

// HandoffConfig configures the handoff protocol
type HandoffConfig struct {
	CheckTimeout time.Duration     `yaml:"check_timeout"`
	Checker      string            `yaml:"checker"`              // none, anthropic or openai
	Model        string            `yaml:"model,omitempty"`      // Checker model, provider default when empty
	Strictness   map[string]string `yaml:"strictness,omitempty"` // handoff type → structural | semantic
	Schemas      map[string]string `yaml:"schemas,omitempty"`    // handoff type → JSON Schema file
	Stream       string            `yaml:"stream,omitempty"`     // Stream carrying handoff_requested events
	Identity     string            `yaml:"identity,omitempty"`   // Agent id used on rejection notices
}

// TenantConfig declares a tenant and the streams the daemon consumes for it
type TenantConfig struct {
	ID      string   `yaml:"id"`
	Slug    string   `yaml:"slug,omitempty"`
	Streams []string `yaml:"streams"`
	Group   string   `yaml:"group,omitempty"`
}

// TelemetryConfig configures trace export
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
	ServiceName  string `yaml:"service_name,omitempty"`
}

// LogConfig configures structured logging
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// Checker names accepted by handoff.checker.
const (
	CheckerNone      = "none"
	CheckerAnthropic = "anthropic"
	CheckerOpenAI    = "openai"
)

// Validate performs strict validation on the configuration and fills in defaults
func (c *WarrenConfig) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379/0"
	}

	if c.Streams.MaxLen == 0 {
		c.Streams.MaxLen = 1000
	}
	if c.Streams.DLQMaxLen == 0 {
		c.Streams.DLQMaxLen = 10000
	}
	if c.Streams.MaxLen < 0 || c.Streams.DLQMaxLen < 0 {
		return fmt.Errorf("streams.max_len and streams.dlq_max_len must be positive")
	}

	if err := c.Retry.validate(); err != nil {
		return err
	}
	if err := c.Consumer.validate(); err != nil {
		return err
	}
	if err := c.Handoff.validate(); err != nil {
		return err
	}

	// Required: at least one tenant
	if len(c.Tenants) == 0 {
		return fmt.Errorf("no tenants defined")
	}

	tenantsSeen := make(map[string]bool)
	for i := range c.Tenants {
		t := &c.Tenants[i]
		if err := t.validate(); err != nil {
			return err
		}
		if tenantsSeen[t.ID] {
			return fmt.Errorf("duplicate tenant id '%s'", t.ID)
		}
		tenantsSeen[t.ID] = true
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "warrend"
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is enabled")
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log.format: %s (must be 'console' or 'json')", c.Log.Format)
	}

	return nil
}

func (r *RetryConfig) validate() error {
	if r.MaxRetries == nil {
		defaultRetries := 3
		r.MaxRetries = &defaultRetries
	}
	if *r.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0 (0 = no retries), got %d", *r.MaxRetries)
	}
	if r.BaseDelay == 0 {
		r.BaseDelay = time.Second
	}
	if r.Factor == 0 {
		r.Factor = 4
	}
	if r.BaseDelay < 0 {
		return fmt.Errorf("retry.base_delay must be positive, got %s", r.BaseDelay)
	}
	if r.Factor < 1 {
		return fmt.Errorf("retry.factor must be >= 1, got %v", r.Factor)
	}
	return nil
}

func (c *ConsumerConfig) validate() error {
	if c.BatchSize == 0 {
		c.BatchSize = 10
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("consumer.batch_size must be positive, got %d", c.BatchSize)
	}
	if c.Block == 0 {
		c.Block = 2 * time.Second
	}
	if c.ReclaimInterval == 0 {
		c.ReclaimInterval = 30 * time.Second
	}
	if c.ReclaimMinIdle == 0 {
		c.ReclaimMinIdle = 60 * time.Second
	}
	if c.HandlerTimeout < 0 || c.ReclaimInterval < 0 || c.ReclaimMinIdle < 0 {
		return fmt.Errorf("consumer durations cannot be negative")
	}
	return nil
}

func (h *HandoffConfig) validate() error {
	if h.CheckTimeout == 0 {
		h.CheckTimeout = 10 * time.Second
	}
	if h.Checker == "" {
		h.Checker = CheckerNone
	}
	switch h.Checker {
	case CheckerNone, CheckerAnthropic, CheckerOpenAI:
	default:
		return fmt.Errorf("invalid handoff.checker: %s (must be 'none', 'anthropic' or 'openai')", h.Checker)
	}

	for handoffType, depth := range h.Strictness {
		if depth != "structural" && depth != "semantic" {
			return fmt.Errorf("handoff.strictness[%s]: invalid depth %s (must be 'structural' or 'semantic')", handoffType, depth)
		}
	}
	for handoffType, path := range h.Schemas {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("handoff.schemas[%s]: schema file does not exist: %s", handoffType, path)
		}
	}

	if h.Stream == "" {
		h.Stream = "handoffs"
	}
	return events.ValidateName("handoff.stream", h.Stream)
}

func (t *TenantConfig) validate() error {
	if err := events.ValidateName("tenant id", t.ID); err != nil {
		return err
	}
	if t.Slug == "" {
		t.Slug = t.ID
	}
	if t.Group == "" {
		t.Group = "warren"
	}
	if err := events.ValidateName("tenant '"+t.ID+"' group", t.Group); err != nil {
		return err
	}
	if len(t.Streams) == 0 {
		return fmt.Errorf("tenant '%s': at least one stream is required", t.ID)
	}
	seen := make(map[string]bool)
	for _, s := range t.Streams {
		if err := events.ValidateName("tenant '"+t.ID+"' stream", s); err != nil {
			return err
		}
		if seen[s] {
			return fmt.Errorf("tenant '%s': duplicate stream '%s'", t.ID, s)
		}
		seen[s] = true
	}
	return nil
}

// Tenant returns the configuration of tenant id.
func (c *WarrenConfig) Tenant(id string) (*TenantConfig, bool) {
	for i := range c.Tenants {
		if c.Tenants[i].ID == id {
			return &c.Tenants[i], true
		}
	}
	return nil, false
}

// TenantIDs returns the configured tenant ids in sorted order.
func (c *WarrenConfig) TenantIDs() []string {
	ids := make([]string, 0, len(c.Tenants))
	for _, t := range c.Tenants {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	return ids
}

// Load reads and validates warren.yml from the specified path
func Load(path string) (*WarrenConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config WarrenConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// LoadWithEnv loads the file named by WARREN_CONFIG (or path when unset) and
// applies WARREN_REDIS_URL on top.
func LoadWithEnv(path string) (*WarrenConfig, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		path = p
	}
	if path == "" {
		path = DefaultPath
	}

	config, err := Load(path)
	if err != nil {
		return nil, err
	}

	if url := os.Getenv(EnvRedisURL); url != "" {
		config.Redis.URL = url
	}

	return config, nil
}
