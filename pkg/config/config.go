// Package config loads service configuration from the environment, an
// optional .env file and an optional config.yaml.
package config

import (
	"strings"
	"time"

	"github.com/abdhe/llm-ensemble/pkg/ensemble"
	"github.com/abdhe/llm-ensemble/pkg/provider"
)

// Config is the main application configuration struct.
type Config struct {
	GRPCPort      string         `mapstructure:"grpc_port"`
	MetricsPort   string         `mapstructure:"metrics_port"`
	ModelProvider string         `mapstructure:"model_provider"`
	MaxRetries    int            `mapstructure:"max_retries"`
	Log           LogConfig      `mapstructure:"log"`
	Redis         RedisConfig    `mapstructure:"redis"`
	Cache         CacheConfig    `mapstructure:"cache"`
	Invoke        InvokeConfig   `mapstructure:"invoke"`
	CB            BreakerConfig  `mapstructure:"cb"`
	Ensemble      EnsembleConfig `mapstructure:"ensemble"`

	// Providers is keyed by provider name and always has an entry for every
	// supported provider.
	Providers map[string]ProviderConfig `mapstructure:"-"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "console"
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type CacheConfig struct {
	TTL  time.Duration `mapstructure:"ttl"`  // Redis tier only
	Size int           `mapstructure:"size"` // In-process memo entries
}

type InvokeConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

type EnsembleConfig struct {
	Mode          string        `mapstructure:"mode"`
	Models        string        `mapstructure:"models"`
	JudgeProvider string        `mapstructure:"judge_provider"`
	JudgeModel    string        `mapstructure:"judge_model"`
	Timeout       time.Duration `mapstructure:"timeout"`
	JudgeTimeout  time.Duration `mapstructure:"judge_timeout"`
	Parallelism   int           `mapstructure:"parallelism"`
	SystemPrompt  string        `mapstructure:"system_prompt"`
}

// ProviderConfig holds the credentials and model override of one provider.
type ProviderConfig struct {
	APIKeys []string
	Model   string
	BaseURL string // Empty means the public endpoint
}

// Configured reports which providers have at least one API key.
func (c *Config) Configured() map[string]bool {
	out := make(map[string]bool, len(c.Providers))
	for name, p := range c.Providers {
		out[name] = len(p.APIKeys) > 0
	}
	return out
}

// EnsembleSettings converts the configuration into engine settings.
func (c *Config) EnsembleSettings() ensemble.Settings {
	models := make(map[string]string, len(c.Providers))
	for name, p := range c.Providers {
		models[name] = p.Model
	}

	mode, _ := ensemble.ParseMode(c.Ensemble.Mode)
	return ensemble.Settings{
		Mode:          mode,
		Models:        c.Ensemble.Models,
		JudgeProvider: c.Ensemble.JudgeProvider,
		JudgeModel:    c.Ensemble.JudgeModel,
		DefaultModels: models,
		Configured:    c.Configured(),
		Timeout:       c.Ensemble.Timeout,
		JudgeTimeout:  c.Ensemble.JudgeTimeout,
		Parallelism:   c.Ensemble.Parallelism,
	}
}

// splitKeys merges a comma-separated key list with a single key, dropping
// blanks and duplicates while keeping order.
func splitKeys(list, single string) []string {
	var keys []string
	seen := make(map[string]bool)
	for _, k := range append(strings.Split(list, ","), single) {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	return keys
}

func knownProvider(name string) bool {
	return provider.Known(strings.ToLower(strings.TrimSpace(name)))
}
