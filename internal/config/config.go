// Package config holds the validated load-run configuration, with optional
// YAML profile loading and environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// Defaults for the load subcommand.
const (
	DefaultAPIVersion        = "2023-05-15"
	DefaultAPIKeyEnv         = "OPENAI_API_KEY"
	DefaultClients           = 20
	DefaultAggregationWindow = 60
	DefaultModel             = "gpt-4-0613"
)

// Config is the resolved configuration for one load run.
type Config struct {
	APIBaseEndpoint string `yaml:"api_base_endpoint" json:"api_base_endpoint"`
	Deployment      string `yaml:"deployment"        json:"deployment"`
	APIVersion      string `yaml:"api_version"       json:"api_version"`
	APIKeyEnv       string `yaml:"api_key_env"       json:"api_key_env"`
	// APIKey is resolved from APIKeyEnv; never serialized.
	APIKey string `yaml:"-" json:"-"`

	Clients           int     `yaml:"clients"            json:"clients"`
	Requests          int     `yaml:"requests"           json:"requests"`
	Duration          int     `yaml:"duration"           json:"duration"`
	Rate              float64 `yaml:"rate"               json:"rate"`
	AggregationWindow int     `yaml:"aggregation_window" json:"aggregation_window"`
	OutputFormat      string  `yaml:"output_format"      json:"output_format"`
	Retry             string  `yaml:"retry"              json:"retry"`

	ContextGenerationMethod string `yaml:"context_generation_method" json:"context_generation_method"`
	ReplayPath              string `yaml:"replay_path"               json:"replay_path,omitempty"`
	ShapeProfile            string `yaml:"shape_profile"             json:"shape_profile"`
	ContextTokens           int    `yaml:"context_tokens"            json:"context_tokens"`
	MaxTokens               int    `yaml:"max_tokens"                json:"max_tokens"`
	Model                   string `yaml:"model"                     json:"model"`

	Completions          int      `yaml:"completions"            json:"completions"`
	FrequencyPenalty     *float64 `yaml:"frequency_penalty"      json:"frequency_penalty,omitempty"`
	PresencePenalty      *float64 `yaml:"presence_penalty"       json:"presence_penalty,omitempty"`
	Temperature          *float64 `yaml:"temperature"            json:"temperature,omitempty"`
	TopP                 *float64 `yaml:"top_p"                  json:"top_p,omitempty"`
	PreventServerCaching bool     `yaml:"prevent_server_caching" json:"prevent_server_caching"`

	LogSaveDir      string  `yaml:"log_save_dir"      json:"log_save_dir,omitempty"`
	TelemetryAddr   string  `yaml:"telemetry_addr"    json:"telemetry_addr,omitempty"`
	OTLPEndpoint    string  `yaml:"otlp_endpoint"     json:"otlp_endpoint,omitempty"`
	TraceSampleRate float64 `yaml:"trace_sample_rate" json:"trace_sample_rate,omitempty"`
}

// envVarPattern matches ${VAR} placeholders in YAML profile values.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadFile reads a YAML run profile into cfg, expanding ${VAR} placeholders
// from the environment.
func LoadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := envVarPattern.ReplaceAllStringFunc(string(raw), func(m string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(m)[1])
	})
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// ResolveShapeProfile maps the named shape profile onto concrete context and
// max token counts. The custom profile leaves the explicit values in place.
func (c *Config) ResolveShapeProfile() {
	switch c.ShapeProfile {
	case "balanced":
		c.ContextTokens, c.MaxTokens = 500, 500
	case "context":
		c.ContextTokens, c.MaxTokens = 2000, 200
	case "generation":
		c.ContextTokens, c.MaxTokens = 500, 1000
	}
}

// Validate checks the full configuration surface. The first violation is
// returned; the caller maps it to exit code 1.
func (c *Config) Validate() error {
	if c.APIBaseEndpoint == "" {
		return fmt.Errorf("api base endpoint is required")
	}
	if c.Deployment == "" {
		return fmt.Errorf("deployment is required")
	}
	if c.APIVersion == "" {
		return fmt.Errorf("api-version is required")
	}
	if c.APIKeyEnv == "" {
		return fmt.Errorf("api-key-env is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("api-key-env %s not set", c.APIKeyEnv)
	}
	if c.Clients < 1 {
		return fmt.Errorf("clients must be > 0")
	}
	if c.Requests < 0 {
		return fmt.Errorf("requests must be >= 0")
	}
	if c.Duration != 0 && c.Duration < 30 {
		return fmt.Errorf("duration must be >= 30")
	}
	if c.Rate < 0 {
		return fmt.Errorf("rate must be >= 0")
	}
	switch c.OutputFormat {
	case "human", "jsonl":
	default:
		return fmt.Errorf("output-format must be human or jsonl")
	}
	switch c.Retry {
	case "none", "exponential":
	default:
		return fmt.Errorf("retry must be none or exponential")
	}
	switch c.ContextGenerationMethod {
	case "generate":
		switch c.ShapeProfile {
		case "balanced", "context", "generation":
		case "custom":
			if c.ContextTokens < 1 {
				return fmt.Errorf("context-tokens must be specified with shape=custom")
			}
		default:
			return fmt.Errorf("shape-profile must be balanced, context, generation or custom")
		}
	case "replay":
		if c.ReplayPath == "" {
			return fmt.Errorf("replay-path must be specified with context-generation-method=replay")
		}
	default:
		return fmt.Errorf("context-generation-method must be generate or replay")
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("max-tokens must be >= 0")
	}
	if c.Completions < 1 {
		return fmt.Errorf("completions must be > 0")
	}
	if c.FrequencyPenalty != nil && (*c.FrequencyPenalty < -2 || *c.FrequencyPenalty > 2) {
		return fmt.Errorf("frequency-penalty must be between -2.0 and 2.0")
	}
	if c.PresencePenalty != nil && (*c.PresencePenalty < -2 || *c.PresencePenalty > 2) {
		return fmt.Errorf("presence-penalty must be between -2.0 and 2.0")
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2.0")
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("trace-sample-rate must be between 0 and 1")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	return nil
}

// URL builds the full deployment chat-completions URL.
func (c *Config) URL() string {
	return strings.TrimRight(c.APIBaseEndpoint, "/") +
		"/openai/deployments/" + c.Deployment +
		"/chat/completions?api-version=" + c.APIVersion
}

// ShapeString renders the shape for log file names: the profile name, or
// the explicit token counts for the custom profile.
func (c *Config) ShapeString() string {
	if c.ShapeProfile == "custom" {
		return fmt.Sprintf("context=%d_max_tokens=%d", c.ContextTokens, c.MaxTokens)
	}
	return c.ShapeProfile
}

// LogFileName builds the run log file name encoding the important run
// parameters.
func (c *Config) LogFileName(now time.Time) string {
	rate := "none"
	if c.Rate > 0 {
		rate = fmt.Sprintf("%d", int(c.Rate))
	}
	return fmt.Sprintf("%s_%s_shape-%s_clients=%d_rate=%s.log",
		now.Format("2006-01-02-15-04-05"), c.Deployment, c.ShapeString(), c.Clients, rate)
}
