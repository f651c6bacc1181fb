// Package config loads and validates the proxy's YAML configuration
// document. Validation is strict: a routing target must name an existing
// provider that lists the referenced model, unknown provider types are
// rejected, and every required category must resolve to at least one binding.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ProviderType is the closed set of supported provider wire protocols.
type ProviderType string

const (
	TypeOpenAI           ProviderType = "openai"
	TypeOpenAICompatible ProviderType = "openai-compatible"
	TypeGemini           ProviderType = "gemini"
	TypeCodeWhisperer    ProviderType = "codewhisperer"
)

var providerTypes = map[ProviderType]bool{
	TypeOpenAI:           true,
	TypeOpenAICompatible: true,
	TypeGemini:           true,
	TypeCodeWhisperer:    true,
}

// Config is the root configuration document.
type Config struct {
	Server        Server              `yaml:"server"`
	Providers     map[string]Provider `yaml:"providers" validate:"required,min=1,dive"`
	Routing       Routing             `yaml:"routing"`
	Preprocessing Preprocessing       `yaml:"preprocessing"`
	Logging       Logging             `yaml:"logging"`
	Capture       Capture             `yaml:"capture"`
	Tracing       Tracing             `yaml:"tracing"`
}

// Server configures the HTTP listener.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"min=0,max=65535"`
}

// Addr returns the listen address.
func (s Server) Addr() string {
	port := s.Port
	if port == 0 {
		port = 3456
	}
	return fmt.Sprintf("%s:%d", s.Host, port)
}

// Provider declares one upstream provider.
type Provider struct {
	Type                  ProviderType   `yaml:"type" validate:"required"`
	Endpoint              string         `yaml:"endpoint" validate:"required,url"`
	Authentication        Authentication `yaml:"authentication"`
	Models                []string       `yaml:"models" validate:"required,min=1"`
	MaxTokens             map[string]int `yaml:"maxTokens"`
	Timeout               Duration       `yaml:"timeout"`
	Retry                 Retry          `yaml:"retry"`
	HealthCheck           HealthCheck    `yaml:"healthCheck"`
	Weight                int            `yaml:"weight" validate:"min=0"`
	MaxConcurrentRequests int            `yaml:"maxConcurrentRequests" validate:"min=0"`
	Blacklist             []string       `yaml:"blacklist"`

	// ToolCallPatterns are extra literal framings the textual tool-call
	// detector should recognize for this provider's replies.
	ToolCallPatterns []string `yaml:"toolCallPatterns"`
}

// Authentication declares how requests to the provider are authenticated.
type Authentication struct {
	Type        string      `yaml:"type"` // "api_key" | "bearer" | "none"
	Credentials Credentials `yaml:"credentials"`
}

// Credentials carries one or more secrets. Exactly one of APIKey/APIKeys/
// Tokens is expected; multiple entries trigger multi-key expansion.
type Credentials struct {
	APIKey  string   `yaml:"apiKey"`
	APIKeys []string `yaml:"apiKeys"`
	Tokens  []string `yaml:"tokens"`
}

// All returns every configured credential in declaration order.
func (c Credentials) All() []string {
	var out []string
	if c.APIKey != "" {
		out = append(out, c.APIKey)
	}
	out = append(out, c.APIKeys...)
	out = append(out, c.Tokens...)
	return out
}

// Retry configures same-binding retry behavior.
type Retry struct {
	MaxRetries        int     `yaml:"maxRetries" validate:"min=0,max=10"`
	DelayMs           int     `yaml:"delayMs" validate:"min=0"`
	BackoffMultiplier float64 `yaml:"backoffMultiplier" validate:"min=0"`
	MaxDelayMs        int     `yaml:"maxDelayMs" validate:"min=0"`
}

// HealthCheck configures the background prober for a provider.
type HealthCheck struct {
	Enabled    bool     `yaml:"enabled"`
	Model      string   `yaml:"model"`
	Timeout    Duration `yaml:"timeout"`
	Interval   Duration `yaml:"interval"`
	RetryCount int      `yaml:"retryCount" validate:"min=0"`
}

// Routing maps categories to provider bindings.
type Routing struct {
	Categories     map[string]Category `yaml:"categories" validate:"required,min=1"`
	GlobalSettings GlobalSettings      `yaml:"globalSettings"`
	Classifier     Classifier          `yaml:"classifier"`
}

// Category binds a routing category to a primary target plus backups.
type Category struct {
	Primary       Target        `yaml:"primary"`
	Backups       []Target      `yaml:"backups"`
	LoadBalancing LoadBalancing `yaml:"loadBalancing"`
	Required      bool          `yaml:"required"`
}

// Target references a provider+model pair.
type Target struct {
	Provider string `yaml:"provider" validate:"required"`
	Model    string `yaml:"model" validate:"required"`
	Weight   int    `yaml:"weight" validate:"min=0"`
}

// LoadBalancing selects the per-category strategy.
type LoadBalancing struct {
	Strategy           string `yaml:"strategy" validate:"omitempty,oneof=weighted_random round_robin least_connections response_time single_with_fallback"`
	EnableFailover     bool   `yaml:"enableFailover"`
	MaxFailures        int    `yaml:"maxFailures" validate:"min=0"`
	FailoverCooldownMs int    `yaml:"failoverCooldownMs" validate:"min=0"`
}

// GlobalSettings are routing-wide knobs.
type GlobalSettings struct {
	EnableMultiKeyExpansion bool         `yaml:"enableMultiKeyExpansion"`
	DefaultCategory         string       `yaml:"defaultCategory"`
	FallbackProvider        string       `yaml:"fallbackProvider"`
	RateLimiting            RateLimiting `yaml:"rateLimiting"`
}

// RateLimiting configures the per-client token bucket at the listener.
type RateLimiting struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requestsPerMinute" validate:"min=0"`
	BurstLimit        int  `yaml:"burstLimit" validate:"min=0"`
}

// Classifier tunes the deterministic category classifier.
type Classifier struct {
	// LongContextTokens is the estimate above which a request routes to
	// longcontext. Zero means the 60000 default.
	LongContextTokens int `yaml:"longContextTokens" validate:"min=0"`
	// BackgroundModels lists client model names that route to background.
	BackgroundModels []string `yaml:"backgroundModels"`
}

// Preprocessing toggles the response preprocessor and its processors.
type Preprocessing struct {
	Enabled    bool                 `yaml:"enabled"`
	Processors map[string]Processor `yaml:"processors"`
}

// Processor is one named preprocessing step.
type Processor struct {
	Enabled bool `yaml:"enabled"`
}

// Logging configures the slog setup.
type Logging struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
}

// Capture configures the stage-event capture sink.
type Capture struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// Tracing configures the OTLP exporter.
type Tracing struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Duration is a yaml-friendly time.Duration ("30s", "5m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		// Accept bare integers as seconds for compatibility.
		var n int
		if err2 := value.Decode(&n); err2 == nil {
			*d = Duration(time.Duration(n) * time.Second)
			return nil
		}
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Or returns the duration, or def when unset.
func (d Duration) Or(def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return time.Duration(d)
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies struct-tag validation plus the cross-field rules.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	for name, p := range c.Providers {
		if !providerTypes[p.Type] {
			return fmt.Errorf("provider %q: unknown type %q", name, p.Type)
		}
	}

	for catName, cat := range c.Routing.Categories {
		targets := append([]Target{cat.Primary}, cat.Backups...)
		for _, t := range targets {
			p, ok := c.Providers[t.Provider]
			if !ok {
				return fmt.Errorf("routing category %q: provider %q not declared", catName, t.Provider)
			}
			if !containsString(p.Models, t.Model) {
				return fmt.Errorf("routing category %q: provider %q does not list model %q", catName, t.Provider, t.Model)
			}
		}
	}

	if def := c.Routing.GlobalSettings.DefaultCategory; def != "" {
		if _, ok := c.Routing.Categories[def]; !ok {
			return fmt.Errorf("routing: defaultCategory %q is not a configured category", def)
		}
	}
	if fb := c.Routing.GlobalSettings.FallbackProvider; fb != "" {
		if _, ok := c.Providers[fb]; !ok {
			return fmt.Errorf("routing: fallbackProvider %q is not a declared provider", fb)
		}
	}
	if rl := c.Routing.GlobalSettings.RateLimiting; rl.Enabled {
		if rl.RequestsPerMinute <= 0 {
			return fmt.Errorf("rateLimiting: requestsPerMinute must be > 0 when enabled")
		}
		if rl.BurstLimit <= 0 {
			return fmt.Errorf("rateLimiting: burstLimit must be > 0 when enabled")
		}
	}
	return nil
}

// LongContextTokens returns the configured threshold or the 60000 default.
func (c *Config) LongContextTokens() int {
	if n := c.Routing.Classifier.LongContextTokens; n > 0 {
		return n
	}
	return 60000
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
