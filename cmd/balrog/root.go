package main

import (
	"io"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "balrog",
		Short:         "Benchmarking tool for Azure OpenAI Provisioned Throughput Unit (PTU) deployments.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(loadCmd(), tokenizeCmd())
	return root
}

// setupLogging installs the process logger: a tinted human handler or a
// JSON handler, matching the stats output format.
func setupLogging(out io.Writer, human bool) {
	var h slog.Handler
	if human {
		h = tint.NewHandler(out, &tint.Options{TimeFormat: time.DateTime})
	} else {
		h = slog.NewJSONHandler(out, nil)
	}
	slog.SetDefault(slog.New(h))
}
