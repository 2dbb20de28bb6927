package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where crewplan looks for its config when --config is not given.
const DefaultPath = "crewplan.yaml"

var (
	// ErrMissingCredential is fatal: the provider cannot be reached without it.
	ErrMissingCredential = errors.New("missing LLM credential")
	// ErrInvalidConfig wraps every other validation failure.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config holds all crewplan configuration.
type Config struct {
	Name string `yaml:"name"`

	// LLM provider connection
	LLM LLMConfig `yaml:"llm"`

	// Per-role model profiles, keyed by role name (work_packager, counter, ...)
	Profiles map[string]ProfileConfig `yaml:"profiles"`

	// Advisory cost table, keyed by model name
	Pricing map[string]PriceConfig `yaml:"pricing"`

	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Constraints ConstraintsConfig `yaml:"constraints"`
	Logging     LoggingConfig     `yaml:"logging"`
	Journal     JournalConfig     `yaml:"journal"`
}

// LLMConfig configures the text-generation provider.
type LLMConfig struct {
	Provider     string `yaml:"provider"` // gemini, openai
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`

	// Output cap for roles without a profile
	DefaultMaxOutputTokens int `yaml:"default_max_output_tokens"`

	PerCallTimeout      string `yaml:"per_call_timeout"`
	RetryBackoffBase    string `yaml:"retry_backoff_base"`
	RetryBackoffMax     string `yaml:"retry_backoff_max"`
	TransportRetryDelay string `yaml:"transport_retry_delay"`
}

// ProfileConfig is the raw YAML form of a role's model profile.
type ProfileConfig struct {
	Model           string   `yaml:"model"`
	MaxOutputTokens int      `yaml:"max_output_tokens"`
	MaxOutputCeil   int      `yaml:"max_output_tokens_ceiling"`
	Temperature     *float64 `yaml:"temperature,omitempty"`
	TopP            *float64 `yaml:"top_p,omitempty"`
}

// PriceConfig is USD per one million tokens.
type PriceConfig struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// PipelineConfig configures the stage sequencer and handlers.
type PipelineConfig struct {
	MaxRetries         int    `yaml:"max_retries"`
	BatchSize          int    `yaml:"batch_size"`
	MaxParallelBatches int    `yaml:"max_parallel_batches"`
	StateDir           string `yaml:"state_dir"`
	DebugDir           string `yaml:"debug_dir"`
	UsagePath          string `yaml:"usage_path"`
}

// ConstraintsConfig holds the hard numeric limits every schedule must satisfy.
type ConstraintsConfig struct {
	WorkforceMin  int `yaml:"workforce_min"`
	WorkforceMax  int `yaml:"workforce_max"`
	PerPackageMax int `yaml:"per_package_max"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`  // debug, info, warn, error
	Format     string          `yaml:"format"` // json, console
	File       string          `yaml:"file"`
	Categories map[string]bool `yaml:"categories,omitempty"`
}

// JournalConfig configures the SQLite run journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "crewplan",

		LLM: LLMConfig{
			Provider:               "gemini",
			DefaultModel:           "gemini-2.5-flash",
			DefaultMaxOutputTokens: 8192,
			PerCallTimeout:         "3m",
			RetryBackoffBase:       "1s",
			RetryBackoffMax:        "60s",
			TransportRetryDelay:    "2s",
		},

		Profiles: map[string]ProfileConfig{
			"work_packager":         {Model: "gemini-2.5-pro", MaxOutputTokens: 16384, MaxOutputCeil: 32768},
			"works_to_packages":     {Model: "gemini-2.5-flash", MaxOutputTokens: 32768, MaxOutputCeil: 65536},
			"counter":               {Model: "gemini-2.5-flash", MaxOutputTokens: 16384, MaxOutputCeil: 32768},
			"scheduler_and_staffer": {Model: "gemini-2.5-pro", MaxOutputTokens: 65536, MaxOutputCeil: 65536},
		},

		Pricing: map[string]PriceConfig{
			"gemini-2.5-pro":   {InputPerMillion: 1.25, OutputPerMillion: 10.0},
			"gemini-2.5-flash": {InputPerMillion: 0.30, OutputPerMillion: 2.50},
		},

		Pipeline: PipelineConfig{
			MaxRetries:         5,
			BatchSize:          100,
			MaxParallelBatches: 1,
			StateDir:           ".crewplan/projects",
			DebugDir:           ".crewplan/debug",
			UsagePath:          ".crewplan/usage.json",
		},

		Constraints: ConstraintsConfig{
			WorkforceMin:  1,
			WorkforceMax:  100,
			PerPackageMax: 20,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},

		Journal: JournalConfig{
			Enabled: true,
			Path:    ".crewplan/journal.db",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	switch c.LLM.Provider {
	case "openai":
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			c.LLM.APIKey = key
		}
	default:
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			c.LLM.APIKey = key
		}
	}
	// The generic key wins over provider-specific ones.
	if key := os.Getenv("CREWPLAN_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if model := os.Getenv("CREWPLAN_MODEL"); model != "" {
		c.LLM.DefaultModel = model
	}
	if dir := os.Getenv("CREWPLAN_STATE_DIR"); dir != "" {
		c.Pipeline.StateDir = dir
	}
}

// Validate checks the configuration. A missing credential is reported as
// ErrMissingCredential so callers can treat it as fatal.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		return fmt.Errorf("%w: set llm.api_key or %s", ErrMissingCredential, c.credentialEnv())
	}

	var problems []string
	switch c.LLM.Provider {
	case "gemini", "openai":
	default:
		problems = append(problems, fmt.Sprintf("unknown provider %q", c.LLM.Provider))
	}
	if c.Pipeline.MaxRetries < 1 {
		problems = append(problems, "pipeline.max_retries must be >= 1")
	}
	if c.Pipeline.BatchSize < 1 {
		problems = append(problems, "pipeline.batch_size must be >= 1")
	}
	if c.Pipeline.MaxParallelBatches < 1 {
		problems = append(problems, "pipeline.max_parallel_batches must be >= 1")
	}
	if c.Constraints.WorkforceMin < 0 || c.Constraints.WorkforceMax < 1 {
		problems = append(problems, "constraints.workforce_max must be >= 1 and workforce_min >= 0")
	}
	if c.Constraints.WorkforceMin > c.Constraints.WorkforceMax {
		problems = append(problems, "constraints.workforce_min exceeds workforce_max")
	}
	if c.Constraints.PerPackageMax < 1 {
		problems = append(problems, "constraints.per_package_max must be >= 1")
	}
	for role, p := range c.Profiles {
		if p.MaxOutputTokens < 0 || (p.MaxOutputCeil > 0 && p.MaxOutputCeil < p.MaxOutputTokens) {
			problems = append(problems, fmt.Sprintf("profiles.%s: output ceiling below max_output_tokens", role))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) credentialEnv() string {
	if c.LLM.Provider == "openai" {
		return "OPENAI_API_KEY or CREWPLAN_API_KEY"
	}
	return "GEMINI_API_KEY or CREWPLAN_API_KEY"
}
