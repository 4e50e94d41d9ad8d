package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/abdhe/llm-ensemble/pkg/ensemble"
	"github.com/abdhe/llm-ensemble/pkg/provider"
)

// Load reads .env (if present), then config.yaml from . or ./configs (if
// present), then the environment. Environment variables win; nested keys map
// to upper-case names with "_" for ".", so ensemble.judge_model is
// ENSEMBLE_JUDGE_MODEL.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}
	return build(v)
}

// LoadFromFile loads configuration from a specific YAML file; the environment
// still overrides it.
func LoadFromFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return build(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	// REQUEST_TIMEOUT is the older name.
	_ = v.BindEnv("invoke.timeout", "INVOKE_TIMEOUT", "REQUEST_TIMEOUT")
	return v
}

// setDefaults registers every key; AutomaticEnv only reaches keys viper knows.
func setDefaults(v *viper.Viper) {
	v.SetDefault("grpc_port", "50051")
	v.SetDefault("metrics_port", "9090")
	v.SetDefault("model_provider", provider.OpenAI)
	v.SetDefault("max_retries", 2)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.size", 100)

	v.SetDefault("invoke.timeout", 60*time.Second)

	v.SetDefault("cb.failure_threshold", 5)
	v.SetDefault("cb.cooldown", 30*time.Second)

	v.SetDefault("ensemble.mode", string(ensemble.ModeCommittee))
	v.SetDefault("ensemble.models", "")
	v.SetDefault("ensemble.judge_provider", "")
	v.SetDefault("ensemble.judge_model", "")
	v.SetDefault("ensemble.timeout", ensemble.DefaultTimeout)
	v.SetDefault("ensemble.judge_timeout", ensemble.DefaultJudgeTimeout)
	v.SetDefault("ensemble.parallelism", 0)
	v.SetDefault("ensemble.system_prompt", "")

	for _, name := range provider.Names {
		v.SetDefault(name+".api_key", "")
		v.SetDefault(name+".api_keys", "")
		v.SetDefault(name+".model", ensemble.DefaultModels[name])
		v.SetDefault(name+".base_url", "")
	}
}

func build(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.Providers = make(map[string]ProviderConfig, len(provider.Names))
	for _, name := range provider.Names {
		cfg.Providers[name] = ProviderConfig{
			APIKeys: splitKeys(v.GetString(name+".api_keys"), v.GetString(name+".api_key")),
			Model:   strings.TrimSpace(v.GetString(name + ".model")),
			BaseURL: strings.TrimSpace(v.GetString(name + ".base_url")),
		}
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyDefaults fills values that are empty after unmarshalling, including
// ones set to blank or zero in the environment.
func applyDefaults(cfg *Config) {
	if cfg.GRPCPort == "" {
		cfg.GRPCPort = "50051"
	}
	if cfg.MetricsPort == "" {
		cfg.MetricsPort = "9090"
	}
	cfg.ModelProvider = strings.ToLower(strings.TrimSpace(cfg.ModelProvider))
	if cfg.ModelProvider == "" {
		cfg.ModelProvider = provider.OpenAI
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Cache.TTL <= 0 {
		cfg.Cache.TTL = time.Hour
	}
	if cfg.Cache.Size <= 0 {
		cfg.Cache.Size = 100
	}
	if cfg.Invoke.Timeout <= 0 {
		cfg.Invoke.Timeout = 60 * time.Second
	}
	if cfg.CB.FailureThreshold <= 0 {
		cfg.CB.FailureThreshold = 5
	}
	if cfg.CB.Cooldown <= 0 {
		cfg.CB.Cooldown = 30 * time.Second
	}

	for name, p := range cfg.Providers {
		if p.Model == "" {
			p.Model = ensemble.DefaultModels[name]
			cfg.Providers[name] = p
		}
	}

	e := &cfg.Ensemble
	if strings.TrimSpace(e.Mode) == "" {
		e.Mode = string(ensemble.ModeCommittee)
	}
	if e.Timeout <= 0 {
		e.Timeout = ensemble.DefaultTimeout
	}
	if e.JudgeTimeout <= 0 {
		e.JudgeTimeout = ensemble.DefaultJudgeTimeout
	}

	// Judge: ENSEMBLE_JUDGE_PROVIDER, else MODEL_PROVIDER; its model comes
	// from the same provider's <PROVIDER>_MODEL.
	e.JudgeProvider = strings.ToLower(strings.TrimSpace(e.JudgeProvider))
	if e.JudgeProvider == "" {
		e.JudgeProvider = cfg.ModelProvider
	}
	e.JudgeModel = strings.TrimSpace(e.JudgeModel)
	if e.JudgeModel == "" {
		e.JudgeModel = cfg.Providers[e.JudgeProvider].Model
	}
}

func validate(cfg *Config) error {
	if !knownProvider(cfg.ModelProvider) {
		return fmt.Errorf("model_provider %q is not supported", cfg.ModelProvider)
	}
	if !knownProvider(cfg.Ensemble.JudgeProvider) {
		return fmt.Errorf("ensemble.judge_provider %q is not supported", cfg.Ensemble.JudgeProvider)
	}
	if _, ok := ensemble.ParseMode(cfg.Ensemble.Mode); !ok {
		return fmt.Errorf("ensemble.mode %q must be committee, router or cascade", cfg.Ensemble.Mode)
	}
	if cfg.Ensemble.Parallelism < 0 {
		return errors.New("ensemble.parallelism must not be negative")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("max_retries must not be negative")
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format %q must be json or console", cfg.Log.Format)
	}
	return nil
}
