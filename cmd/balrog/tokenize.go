package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/eugener/balrog/internal/bench"
	"github.com/eugener/balrog/internal/tokencount"
)

func tokenizeCmd() *cobra.Command {
	var model string

	cmd := &cobra.Command{
		Use:   "tokenize [text]",
		Short: "Count tokens for the given input and model.",
		Long: "Count tokens for the given input and model. Input that parses as a JSON\n" +
			"chat messages array is counted as messages; anything else as raw text.\n" +
			"Reads stdin when no text argument is given.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(os.Stderr, true)

			var text string
			if len(args) > 0 {
				text = args[0]
			} else {
				slog.Info("no input text given, reading stdin")
				raw, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				text = string(raw)
			}

			count, err := countTokens(tokencount.New(), model, text)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tokens: %d\n", count)
			return nil
		},
	}

	cmd.Flags().StringVarP(&model, "model", "m", "", "Model to assume for tokenization.")
	cobra.CheckErr(cmd.MarkFlagRequired("model"))
	return cmd
}

// countTokens counts text as chat messages when it parses as a JSON array,
// falling back to raw text.
func countTokens(counter tokencount.Counter, model, text string) (int, error) {
	if gjson.Valid(text) && gjson.Parse(text).IsArray() {
		var messages []bench.Message
		if err := json.Unmarshal([]byte(text), &messages); err == nil {
			return counter.CountMessages(model, messages)
		}
	}
	slog.Info("input does not seem to be json formatted, assuming text")
	return counter.CountText(model, text)
}
