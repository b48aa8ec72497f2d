package prompt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"

	"github.com/eugener/balrog/internal/bench"
	"github.com/eugener/balrog/internal/tokencount"
)

// ReplayGenerator samples messages arrays uniformly at random from a
// recorded JSON file. The file must hold a non-empty array of arrays of
// {role, content} objects.
type ReplayGenerator struct {
	model          string
	preventCaching bool

	entries []replayEntry
}

type replayEntry struct {
	messages []bench.Message
	tokens   int
}

// NewReplay loads and validates the replay file and pre-computes token
// counts for every messages list.
func NewReplay(counter tokencount.Counter, model, path string, preventCaching bool) (*ReplayGenerator, error) {
	slog.Info("loading messages from file", "path", path)

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("prompt: read replay file: %w", err)
	}
	var lists [][]bench.Message
	if err := json.Unmarshal(raw, &lists); err != nil {
		return nil, fmt.Errorf("prompt: replay file must contain a JSON array of messages arrays: %w", err)
	}
	if len(lists) == 0 {
		return nil, fmt.Errorf("prompt: replay file must contain at least one list of messages")
	}

	entries := make([]replayEntry, 0, len(lists))
	for i, messages := range lists {
		if len(messages) == 0 {
			return nil, fmt.Errorf("prompt: replay entry %d is empty", i)
		}
		for j, m := range messages {
			if m.Role == "" {
				return nil, fmt.Errorf("prompt: replay entry %d message %d has no role", i, j)
			}
		}
		tokens, err := counter.CountMessages(model, messages)
		if err != nil {
			return nil, err
		}
		entries = append(entries, replayEntry{messages: messages, tokens: tokens})
	}

	return &ReplayGenerator{
		model:          model,
		preventCaching: preventCaching,
		entries:        entries,
	}, nil
}

// Generate samples one messages list uniformly at random.
func (g *ReplayGenerator) Generate() ([]bench.Message, int, error) {
	e := g.entries[rand.IntN(len(g.entries))]
	if g.preventCaching {
		messages, tokens := addAnticachePrefix(e.messages, e.tokens)
		return messages, tokens, nil
	}
	return e.messages, e.tokens, nil
}
