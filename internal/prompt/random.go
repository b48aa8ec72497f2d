package prompt

import (
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/eugener/balrog/internal/bench"
	"github.com/eugener/balrog/internal/tokencount"
)

// RandomGenerator pads a user message with random English words until the
// messages array reaches the target context token count. The padded template
// is built once at construction and reused for every request.
type RandomGenerator struct {
	model          string
	preventCaching bool

	// template is written once here and read thereafter.
	template       []bench.Message
	templateTokens int
}

// NewRandom builds the cached prompt template. When maxTokens > 0 a second
// user message asks for a long essay, biasing the server toward filling the
// generation budget.
func NewRandom(counter tokencount.Counter, model string, contextTokens, maxTokens int, preventCaching bool) (*RandomGenerator, error) {
	slog.Info("warming up prompt cache", "context_tokens", contextTokens, "max_tokens", maxTokens)

	messages := []bench.Message{{Role: "user", Content: ""}}
	if maxTokens > 0 {
		messages = append(messages, bench.Message{
			Role:    "user",
			Content: fmt.Sprintf("write a long essay about life in at least %d tokens", maxTokens),
		})
	}
	tokens, err := counter.CountMessages(model, messages)
	if err != nil {
		return nil, err
	}
	if preventCaching {
		// Prefix before padding so the padded count already includes the
		// prefix cost the real requests will carry.
		messages, tokens = addAnticachePrefix(messages, tokens)
	}

	base := messages[0].Content
	var prompt strings.Builder
	for {
		tokens, err = counter.CountMessages(model, messages)
		if err != nil {
			return nil, err
		}
		remaining := contextTokens - tokens
		if remaining <= 0 {
			break
		}
		for range int(math.Ceil(float64(remaining) / 4)) {
			prompt.WriteString(gofakeit.Word())
			prompt.WriteByte(' ')
		}
		messages[0].Content = base + prompt.String()
	}

	if preventCaching {
		messages, tokens, err = removeAnticachePrefix(counter, model, messages)
		if err != nil {
			return nil, err
		}
	}

	return &RandomGenerator{
		model:          model,
		preventCaching: preventCaching,
		template:       messages,
		templateTokens: tokens,
	}, nil
}

// Generate returns the cached template, with fresh anti-cache prefixes when
// configured. The template itself is never mutated.
func (g *RandomGenerator) Generate() ([]bench.Message, int, error) {
	if g.preventCaching {
		messages, tokens := addAnticachePrefix(g.template, g.templateTokens)
		return messages, tokens, nil
	}
	return g.template, g.templateTokens, nil
}
