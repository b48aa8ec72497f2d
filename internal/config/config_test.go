package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// validConfig returns a config that passes validation.
func validConfig() *Config {
	return &Config{
		APIBaseEndpoint:         "https://myresource.openai.azure.com",
		Deployment:              "gpt-4",
		APIVersion:              DefaultAPIVersion,
		APIKeyEnv:               DefaultAPIKeyEnv,
		APIKey:                  "sk-test",
		Clients:                 DefaultClients,
		AggregationWindow:       DefaultAggregationWindow,
		OutputFormat:            "human",
		Retry:                   "none",
		ContextGenerationMethod: "generate",
		ShapeProfile:            "balanced",
		Completions:             1,
		Model:                   DefaultModel,
		PreventServerCaching:    true,
	}
}

func TestValidate_OK(t *testing.T) {
	t.Parallel()
	if err := validConfig().Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	t.Parallel()
	f := func(v float64) *float64 { return &v }
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing endpoint", func(c *Config) { c.APIBaseEndpoint = "" }, "endpoint"},
		{"missing deployment", func(c *Config) { c.Deployment = "" }, "deployment"},
		{"missing api version", func(c *Config) { c.APIVersion = "" }, "api-version"},
		{"missing api key", func(c *Config) { c.APIKey = "" }, "not set"},
		{"zero clients", func(c *Config) { c.Clients = 0 }, "clients"},
		{"negative requests", func(c *Config) { c.Requests = -1 }, "requests"},
		{"short duration", func(c *Config) { c.Duration = 10 }, "duration"},
		{"negative rate", func(c *Config) { c.Rate = -1 }, "rate"},
		{"bad output format", func(c *Config) { c.OutputFormat = "xml" }, "output-format"},
		{"bad retry", func(c *Config) { c.Retry = "linear" }, "retry"},
		{"custom without context tokens", func(c *Config) { c.ShapeProfile = "custom" }, "context-tokens"},
		{"bad shape", func(c *Config) { c.ShapeProfile = "wide" }, "shape-profile"},
		{"replay without path", func(c *Config) { c.ContextGenerationMethod = "replay" }, "replay-path"},
		{"bad method", func(c *Config) { c.ContextGenerationMethod = "synthesize" }, "context-generation-method"},
		{"negative max tokens", func(c *Config) { c.MaxTokens = -5 }, "max-tokens"},
		{"zero completions", func(c *Config) { c.Completions = 0 }, "completions"},
		{"frequency penalty range", func(c *Config) { c.FrequencyPenalty = f(2.5) }, "frequency-penalty"},
		{"presence penalty range", func(c *Config) { c.PresencePenalty = f(-3) }, "presence-penalty"},
		{"temperature range", func(c *Config) { c.Temperature = f(2.5) }, "temperature"},
		{"sample rate range", func(c *Config) { c.TraceSampleRate = 1.5 }, "trace-sample-rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestResolveShapeProfile(t *testing.T) {
	t.Parallel()
	tests := []struct {
		profile      string
		wantCtx      int
		wantMax      int
	}{
		{"balanced", 500, 500},
		{"context", 2000, 200},
		{"generation", 500, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.profile, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			cfg.ShapeProfile = tt.profile
			cfg.ResolveShapeProfile()
			if cfg.ContextTokens != tt.wantCtx || cfg.MaxTokens != tt.wantMax {
				t.Errorf("resolved (%d, %d), want (%d, %d)",
					cfg.ContextTokens, cfg.MaxTokens, tt.wantCtx, tt.wantMax)
			}
		})
	}

	custom := validConfig()
	custom.ShapeProfile = "custom"
	custom.ContextTokens, custom.MaxTokens = 123, 456
	custom.ResolveShapeProfile()
	if custom.ContextTokens != 123 || custom.MaxTokens != 456 {
		t.Error("custom profile must keep explicit token counts")
	}
}

func TestURL(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.APIBaseEndpoint = "https://myresource.openai.azure.com/"
	want := "https://myresource.openai.azure.com/openai/deployments/gpt-4/chat/completions?api-version=" + DefaultAPIVersion
	if got := cfg.URL(); got != want {
		t.Errorf("URL = %q, want %q", got, want)
	}
}

func TestLogFileName(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 5, 13, 45, 7, 0, time.UTC)

	cfg := validConfig()
	cfg.Rate = 120
	got := cfg.LogFileName(now)
	want := "2024-01-05-13-45-07_gpt-4_shape-balanced_clients=20_rate=120.log"
	if got != want {
		t.Errorf("LogFileName = %q, want %q", got, want)
	}

	custom := validConfig()
	custom.ShapeProfile = "custom"
	custom.ContextTokens, custom.MaxTokens = 900, 100
	got = custom.LogFileName(now)
	if !strings.Contains(got, "shape-context=900_max_tokens=100") || !strings.Contains(got, "rate=none") {
		t.Errorf("LogFileName = %q", got)
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv("BALROG_TEST_DEPLOYMENT", "my-deployment")
	path := filepath.Join(t.TempDir(), "run.yaml")
	content := `
api_base_endpoint: https://myresource.openai.azure.com
deployment: ${BALROG_TEST_DEPLOYMENT}
clients: 7
rate: 30
output_format: jsonl
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := validConfig()
	if err := LoadFile(path, cfg); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Deployment != "my-deployment" {
		t.Errorf("Deployment = %q, want env-expanded value", cfg.Deployment)
	}
	if cfg.Clients != 7 || cfg.Rate != 30 || cfg.OutputFormat != "jsonl" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	// Values absent from the file keep their previous settings.
	if cfg.Model != DefaultModel {
		t.Errorf("Model = %q, want untouched default", cfg.Model)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	t.Parallel()
	if err := LoadFile("/does/not/exist.yaml", validConfig()); err == nil {
		t.Error("expected error for missing file")
	}
}
