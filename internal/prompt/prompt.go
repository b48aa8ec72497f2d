// Package prompt synthesizes chat-completion request messages of a target
// context-token length, or replays them from a recorded file. Generators
// optionally prepend a varying prefix to every message to defeat
// server-side prompt caching.
package prompt

import (
	"strconv"
	"strings"
	"time"

	"github.com/eugener/balrog/internal/bench"
	"github.com/eugener/balrog/internal/tokencount"
)

// anticacheTokens is the token cost of one timestamp prefix like
// "1704441942.868042 " for GPT-family models.
const anticacheTokens = 8

// Generator produces a messages array and its context token count.
type Generator interface {
	Generate() ([]bench.Message, int, error)
}

// addAnticachePrefix returns a copy of messages with a fresh timestamp
// prefix on each content, and the adjusted token count.
func addAnticachePrefix(messages []bench.Message, tokens int) ([]bench.Message, int) {
	out := make([]bench.Message, len(messages))
	prefix := timestampPrefix()
	for i, m := range messages {
		m.Content = prefix + m.Content
		out[i] = m
		tokens += anticacheTokens
	}
	return out, tokens
}

// removeAnticachePrefix strips the leading prefix word from each message and
// recomputes the token count with the real tokenizer.
func removeAnticachePrefix(counter tokencount.Counter, model string, messages []bench.Message) ([]bench.Message, int, error) {
	out := make([]bench.Message, len(messages))
	for i, m := range messages {
		if _, rest, found := strings.Cut(m.Content, " "); found {
			m.Content = rest
		} else {
			m.Content = ""
		}
		out[i] = m
	}
	tokens, err := counter.CountMessages(model, out)
	if err != nil {
		return nil, 0, err
	}
	return out, tokens, nil
}

// timestampPrefix formats the current unix time with microsecond precision,
// matching the shape "1704441942.868042 ".
func timestampPrefix() string {
	now := float64(time.Now().UnixMicro()) / 1e6
	return strconv.FormatFloat(now, 'f', 6, 64) + " "
}
