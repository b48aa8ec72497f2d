package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/eugener/balrog/internal/config"
	"github.com/eugener/balrog/internal/loadtool"
)

func loadCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "load <api_base_endpoint>",
		Short: "Run load generation against a deployment.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := defaultLoadConfig()
			if configFile != "" {
				if err := config.LoadFile(configFile, cfg); err != nil {
					return err
				}
			}
			applyLoadFlags(cmd.Flags(), cfg)
			cfg.APIBaseEndpoint = args[0]
			cfg.APIKey = os.Getenv(cfg.APIKeyEnv)

			statsOut := io.Writer(os.Stdout)
			logOut := io.Writer(os.Stderr)
			if cfg.LogSaveDir != "" {
				if err := os.MkdirAll(cfg.LogSaveDir, 0o755); err != nil {
					return fmt.Errorf("create log-save-dir: %w", err)
				}
				path := filepath.Join(cfg.LogSaveDir, cfg.LogFileName(time.Now()))
				f, err := os.Create(path)
				if err != nil {
					return fmt.Errorf("create log file: %w", err)
				}
				defer f.Close()
				statsOut = io.MultiWriter(os.Stdout, f)
				logOut = io.MultiWriter(os.Stderr, f)
			}
			setupLogging(logOut, cfg.OutputFormat == "human")

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid argument(s): %w", err)
			}
			return loadtool.Run(cmd.Context(), cfg, statsOut)
		},
	}

	f := cmd.Flags()
	f.StringP("deployment", "e", "", "Azure OpenAI deployment name.")
	f.StringP("api-version", "a", config.DefaultAPIVersion, "Set OpenAI API version.")
	f.StringP("api-key-env", "k", config.DefaultAPIKeyEnv, "Environment variable that contains the API KEY.")
	f.IntP("clients", "c", config.DefaultClients, "Set number of parallel clients to use for load generation.")
	f.IntP("requests", "n", 0, "Number of requests for the load run. Defaults to 'until killed'.")
	f.IntP("duration", "d", 0, "Duration of load in seconds. Defaults to 'until killed'.")
	f.Float64P("rate", "r", 0, "Rate of request generation in Requests Per Minute (RPM). Defaults to as fast as possible.")
	f.IntP("aggregation-window", "w", config.DefaultAggregationWindow, "Statistics aggregation sliding window duration in seconds.")
	f.String("context-generation-method", "generate", "Method to generate context messages (generate, replay).")
	f.String("replay-path", "", "Path to JSON file with messages to replay.")
	f.StringP("shape-profile", "s", "balanced", "Shape profile of requests (balanced, context, generation, custom).")
	f.IntP("context-tokens", "p", 0, "Number of context tokens to use when --shape-profile=custom.")
	f.IntP("max-tokens", "m", 0, "Number of requested max_tokens when --shape-profile=custom. Defaults to unset.")
	f.IntP("completions", "i", 1, "Number of completions for each request.")
	f.Float64("frequency-penalty", 0, "Request frequency_penalty.")
	f.Float64("presence-penalty", 0, "Request presence_penalty.")
	f.Float64("temperature", 0, "Request temperature.")
	f.Float64("top-p", 0, "Request top_p.")
	f.Bool("prevent-server-caching", true, "Prevent server-side caching of prompts by prefixing messages with varying text.")
	f.StringP("output-format", "f", "human", "Output format (human, jsonl).")
	f.StringP("retry", "t", "none", "Request retry strategy (none, exponential).")
	f.String("log-save-dir", "", "If provided, emitted output is also saved to this directory. Filename includes important run parameters.")
	f.String("model", config.DefaultModel, "Model to assume for tokenization.")
	f.String("telemetry-addr", "", "If provided, serve Prometheus /metrics and /healthz on this address during the run.")
	f.String("otlp-endpoint", "", "If provided, export a trace span per request to this OTLP gRPC endpoint.")
	f.Float64("trace-sample-rate", 0.1, "Trace sampling rate between 0 and 1.")
	f.StringVar(&configFile, "config", "", "Optional YAML run profile; explicit flags override file values.")

	cobra.CheckErr(cmd.MarkFlagRequired("deployment"))
	return cmd
}

// defaultLoadConfig mirrors the flag defaults for fields a YAML profile may
// also set.
func defaultLoadConfig() *config.Config {
	return &config.Config{
		APIVersion:              config.DefaultAPIVersion,
		APIKeyEnv:               config.DefaultAPIKeyEnv,
		Clients:                 config.DefaultClients,
		AggregationWindow:       config.DefaultAggregationWindow,
		OutputFormat:            "human",
		Retry:                   "none",
		ContextGenerationMethod: "generate",
		ShapeProfile:            "balanced",
		Completions:             1,
		Model:                   config.DefaultModel,
		PreventServerCaching:    true,
		TraceSampleRate:         0.1,
	}
}

// applyLoadFlags copies explicitly set flags onto cfg, overriding any
// profile values.
func applyLoadFlags(flags *pflag.FlagSet, cfg *config.Config) {
	floatPtr := func(name string) *float64 {
		v, _ := flags.GetFloat64(name)
		return &v
	}
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "deployment":
			cfg.Deployment, _ = flags.GetString(f.Name)
		case "api-version":
			cfg.APIVersion, _ = flags.GetString(f.Name)
		case "api-key-env":
			cfg.APIKeyEnv, _ = flags.GetString(f.Name)
		case "clients":
			cfg.Clients, _ = flags.GetInt(f.Name)
		case "requests":
			cfg.Requests, _ = flags.GetInt(f.Name)
		case "duration":
			cfg.Duration, _ = flags.GetInt(f.Name)
		case "rate":
			cfg.Rate, _ = flags.GetFloat64(f.Name)
		case "aggregation-window":
			cfg.AggregationWindow, _ = flags.GetInt(f.Name)
		case "context-generation-method":
			cfg.ContextGenerationMethod, _ = flags.GetString(f.Name)
		case "replay-path":
			cfg.ReplayPath, _ = flags.GetString(f.Name)
		case "shape-profile":
			cfg.ShapeProfile, _ = flags.GetString(f.Name)
		case "context-tokens":
			cfg.ContextTokens, _ = flags.GetInt(f.Name)
		case "max-tokens":
			cfg.MaxTokens, _ = flags.GetInt(f.Name)
		case "completions":
			cfg.Completions, _ = flags.GetInt(f.Name)
		case "frequency-penalty":
			cfg.FrequencyPenalty = floatPtr(f.Name)
		case "presence-penalty":
			cfg.PresencePenalty = floatPtr(f.Name)
		case "temperature":
			cfg.Temperature = floatPtr(f.Name)
		case "top-p":
			cfg.TopP = floatPtr(f.Name)
		case "prevent-server-caching":
			cfg.PreventServerCaching, _ = flags.GetBool(f.Name)
		case "output-format":
			cfg.OutputFormat, _ = flags.GetString(f.Name)
		case "retry":
			cfg.Retry, _ = flags.GetString(f.Name)
		case "log-save-dir":
			cfg.LogSaveDir, _ = flags.GetString(f.Name)
		case "model":
			cfg.Model, _ = flags.GetString(f.Name)
		case "telemetry-addr":
			cfg.TelemetryAddr, _ = flags.GetString(f.Name)
		case "otlp-endpoint":
			cfg.OTLPEndpoint, _ = flags.GetString(f.Name)
		case "trace-sample-rate":
			cfg.TraceSampleRate, _ = flags.GetFloat64(f.Name)
		}
	})
}
