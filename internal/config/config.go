// Package config loads foundry settings from a YAML file, a .env file and
// FOUNDRY_* environment variables, in increasing order of precedence.
package config

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/felixgeelhaar/foundry/internal/errors"
)

// EnvPrefix is prepended to every environment override, e.g. FOUNDRY_STORAGE_DSN
const EnvPrefix = "FOUNDRY"

// Config holds the application configuration.
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Retry     RetryConfig     `mapstructure:"retry"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Server    ServerConfig    `mapstructure:"server"`
}

// StorageConfig selects the durable store.
type StorageConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// WorkspaceConfig places job workspaces.
type WorkspaceConfig struct {
	Root      string `mapstructure:"root"`
	GitCommit bool   `mapstructure:"git_commit"`
}

// BudgetConfig sets spend ceilings in USD. Empty or zero means unlimited.
type BudgetConfig struct {
	ProjectCeilingUSD string  `mapstructure:"project_ceiling_usd"`
	HourlyCeilingUSD  string  `mapstructure:"hourly_ceiling_usd"`
	PricesFile        string  `mapstructure:"prices_file"`
	Encoding          string  `mapstructure:"encoding"`
	WarnThresholds    []int   `mapstructure:"warn_thresholds"`
	EstimateOutputPct float64 `mapstructure:"estimate_output_pct"`
}

// RetryConfig is the policy applied to transient LLM failures.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	Randomization   float64       `mapstructure:"randomization"`
}

// LLMConfig selects and tunes the model provider.
type LLMConfig struct {
	Provider          string        `mapstructure:"provider"`
	Model             string        `mapstructure:"model"`
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxTokens         int           `mapstructure:"max_tokens"`
	Temperature       float64       `mapstructure:"temperature"`
	RequestsPerMinute float64       `mapstructure:"requests_per_minute"`
	Burst             int           `mapstructure:"burst"`
}

// RunnerConfig bounds job execution.
type RunnerConfig struct {
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Environment string  `mapstructure:"environment"`
}

// ServerConfig configures the HTTP reporting API.
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Load reads configuration. An empty path searches ./foundry.yaml and ./.foundry/foundry.yaml.
func Load(path string) (*Config, error) {
	// .env is optional; real environment variables win over it
	if err := godotenv.Load(); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(errors.ErrCodeConfigInvalid, "read .env", err)
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("foundry")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(".foundry")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !stderrors.As(err, &notFound) {
			return nil, errors.Wrap(errors.ErrCodeConfigInvalid, "read config", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigInvalid, "decode config", err)
	}

	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file or environment overrides exist.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// defaults are plain values so decoding cannot fail
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "foundry.db")
	v.SetDefault("storage.max_open_conns", 8)

	v.SetDefault("workspace.root", "workspaces")
	v.SetDefault("workspace.git_commit", true)

	v.SetDefault("budget.project_ceiling_usd", "5")
	v.SetDefault("budget.hourly_ceiling_usd", "")
	v.SetDefault("budget.prices_file", "")
	v.SetDefault("budget.encoding", "cl100k_base")
	v.SetDefault("budget.warn_thresholds", []int{50, 75, 90})
	v.SetDefault("budget.estimate_output_pct", 0.5)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_interval", time.Second)
	v.SetDefault("retry.max_interval", 30*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.randomization", 0.1)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.timeout", 2*time.Minute)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.requests_per_minute", 60.0)
	v.SetDefault("llm.burst", 1)

	v.SetDefault("runner.max_concurrent_jobs", 2)
	v.SetDefault("runner.poll_interval", 2*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "foundry")
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.sample_rate", 1.0)
	v.SetDefault("telemetry.environment", "development")

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
}

// Validate rejects settings the orchestrator cannot run with.
func (c *Config) Validate() error {
	var problems []string

	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver))
	}
	if c.Storage.DSN == "" {
		problems = append(problems, "storage.dsn is required")
	}
	if c.Workspace.Root == "" {
		problems = append(problems, "workspace.root is required")
	}
	for key, val := range map[string]string{
		"budget.project_ceiling_usd": c.Budget.ProjectCeilingUSD,
		"budget.hourly_ceiling_usd":  c.Budget.HourlyCeilingUSD,
	} {
		if val == "" {
			continue
		}
		d, err := decimal.NewFromString(val)
		if err != nil || d.IsNegative() {
			problems = append(problems, fmt.Sprintf("%s must be a non-negative amount, got %q", key, val))
		}
	}
	if c.Retry.MaxAttempts < 1 {
		problems = append(problems, "retry.max_attempts must be at least 1")
	}
	if c.Retry.Multiplier < 1 {
		problems = append(problems, "retry.multiplier must be >= 1")
	}
	switch c.LLM.Provider {
	case "openai", "echo":
	default:
		problems = append(problems, fmt.Sprintf("llm.provider must be openai or echo, got %q", c.LLM.Provider))
	}
	if c.LLM.Timeout <= 0 {
		problems = append(problems, "llm.timeout must be positive")
	}
	if c.Retry.Randomization < 0 || c.Retry.Randomization >= 1 {
		problems = append(problems, "retry.randomization must be in [0, 1)")
	}
	if c.Runner.MaxConcurrentJobs < 1 {
		problems = append(problems, "runner.max_concurrent_jobs must be at least 1")
	}

	if len(problems) > 0 {
		return errors.New(errors.ErrCodeConfigInvalid, "invalid configuration: "+strings.Join(problems, "; ")).
			WithSuggestion("Check foundry.yaml and FOUNDRY_* environment variables")
	}
	return nil
}
