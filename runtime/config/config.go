// Package config loads the engine configuration from YAML. The file is
// optional: every field has a working default, and provider API keys may come
// from the environment so the file never has to hold secrets.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/sidekick/runtime/model"
)

type (
	// Config is the root configuration document.
	Config struct {
		// Agent configures conversation defaults.
		Agent Agent `yaml:"agent"`
		// Providers configures credentials and endpoints per provider.
		Providers map[string]Provider `yaml:"providers"`
		// Catalog lists known models and their token rates per provider.
		Catalog map[string]map[string]model.Rates `yaml:"catalog"`
		// Resolution controls bare model identifier resolution.
		Resolution Resolution `yaml:"resolution"`
		// Timeouts configures the network deadlines and the retry policy.
		Timeouts Timeouts `yaml:"timeouts"`
		// Input configures the stdin queue.
		Input Input `yaml:"input"`
		// Output configures the stdout emitter.
		Output Output `yaml:"output"`
		// Sinks configures the optional external event sinks.
		Sinks Sinks `yaml:"sinks"`
	}

	// Agent holds conversation defaults.
	Agent struct {
		// Model is the default model reference, "provider/modelId" or bare.
		Model string `yaml:"model"`
		// System is the system prompt.
		System string `yaml:"system"`
		// MaxTokens caps the model response per step.
		MaxTokens int `yaml:"maxTokens"`
		// Temperature is the sampling temperature.
		Temperature float64 `yaml:"temperature"`
	}

	// Provider configures one model provider.
	Provider struct {
		// BaseURL overrides the provider endpoint.
		BaseURL string `yaml:"baseURL"`
		// APIKey is the literal key. Prefer APIKeyEnv.
		APIKey string `yaml:"apiKey"`
		// APIKeyEnv names an environment variable holding the key.
		APIKeyEnv string `yaml:"apiKeyEnv"`
	}

	// Resolution controls how bare model identifiers pick a provider.
	Resolution struct {
		// Prefer lists providers in resolution precedence order.
		Prefer []string `yaml:"prefer"`
	}

	// Timeouts holds network deadlines. All fields are milliseconds.
	Timeouts struct {
		ChunkMs       int64 `yaml:"chunkMs"`
		StepMs        int64 `yaml:"stepMs"`
		RequestMs     int64 `yaml:"requestMs"`
		RetryBudgetMs int64 `yaml:"retryBudgetMs"`
		MaxDelayMs    int64 `yaml:"maxDelayMs"`
		MinIntervalMs int64 `yaml:"minIntervalMs"`
	}

	// Input configures the stdin queue.
	Input struct {
		// CoalesceMs is the burst window in milliseconds. Negative disables
		// coalescing (literal mode).
		CoalesceMs int64 `yaml:"coalesceMs"`
	}

	// Output configures the emitter.
	Output struct {
		// Dialect is "o" (default) or "c".
		Dialect string `yaml:"dialect"`
		// Compact emits one object per line instead of pretty-printing.
		Compact bool `yaml:"compact"`
	}

	// Sinks configures optional external event sinks.
	Sinks struct {
		Mongo MongoSink `yaml:"mongo"`
		Pulse PulseSink `yaml:"pulse"`
	}

	// MongoSink configures the session archive.
	MongoSink struct {
		// URI is the connection string. Empty disables the sink.
		URI string `yaml:"uri"`
		// Database is the database name.
		Database string `yaml:"database"`
	}

	// PulseSink configures the event mirror.
	PulseSink struct {
		// RedisAddr is the Redis host:port. Empty disables the sink.
		RedisAddr string `yaml:"redisAddr"`
		// RedisPassword authenticates the Redis connection.
		RedisPassword string `yaml:"redisPassword"`
	}
)

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Agent: Agent{
			Model:     "anthropic/claude-sonnet-4-5",
			MaxTokens: 8192,
		},
		Providers: map[string]Provider{
			"anthropic": {APIKeyEnv: "ANTHROPIC_API_KEY"},
			"openai":    {APIKeyEnv: "OPENAI_API_KEY"},
		},
		Resolution: Resolution{Prefer: []string{"anthropic", "openai"}},
		Timeouts: Timeouts{
			ChunkMs:       120_000,
			StepMs:        600_000,
			RequestMs:     300_000,
			RetryBudgetMs: 604_800_000,
			MaxDelayMs:    1_200_000,
			MinIntervalMs: 30_000,
		},
		Output: Output{Dialect: "o"},
	}
}

// Load reads the configuration at path, layered over the defaults. An empty
// path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Key resolves the API key for a provider, preferring the environment
// variable over the literal value.
func (p Provider) Key() string {
	if p.APIKeyEnv != "" {
		if v := os.Getenv(p.APIKeyEnv); v != "" {
			return v
		}
	}
	return p.APIKey
}

// Duration accessors convert the millisecond fields.

func (t Timeouts) Chunk() time.Duration       { return time.Duration(t.ChunkMs) * time.Millisecond }
func (t Timeouts) Step() time.Duration        { return time.Duration(t.StepMs) * time.Millisecond }
func (t Timeouts) Request() time.Duration     { return time.Duration(t.RequestMs) * time.Millisecond }
func (t Timeouts) RetryBudget() time.Duration { return time.Duration(t.RetryBudgetMs) * time.Millisecond }
func (t Timeouts) MaxDelay() time.Duration    { return time.Duration(t.MaxDelayMs) * time.Millisecond }
func (t Timeouts) MinInterval() time.Duration { return time.Duration(t.MinIntervalMs) * time.Millisecond }

// Coalesce returns the stdin burst window.
func (i Input) Coalesce() time.Duration { return time.Duration(i.CoalesceMs) * time.Millisecond }

func (c *Config) validate() error {
	switch c.Output.Dialect {
	case "", "o", "c":
	default:
		return fmt.Errorf("unknown output dialect %q", c.Output.Dialect)
	}
	for name, models := range c.Catalog {
		if _, ok := c.Providers[name]; !ok {
			return fmt.Errorf("catalog references unconfigured provider %q", name)
		}
		if len(models) == 0 {
			return fmt.Errorf("catalog provider %q lists no models", name)
		}
	}
	return nil
}
