// Package tokencount provides exact token counting for prompt synthesis and
// the tokenize command, backed by the tiktoken BPE encodings.
package tokencount

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/eugener/balrog/internal/bench"
)

// Counter counts tokens for chat messages and plain text under a given model.
type Counter interface {
	// CountMessages returns the token count of a messages array, including
	// the per-message formatting overhead the service bills for.
	CountMessages(model string, messages []bench.Message) (int, error)
	// CountText returns the token count of raw text.
	CountText(model, text string) (int, error)
}

// TiktokenCounter is a Counter backed by tiktoken encodings, cached per model.
type TiktokenCounter struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
}

// New creates a TiktokenCounter.
func New() *TiktokenCounter {
	return &TiktokenCounter{encoders: make(map[string]*tiktoken.Tiktoken)}
}

// encoder returns the cached encoding for model, loading it on first use.
func (c *TiktokenCounter) encoder(model string) (*tiktoken.Tiktoken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encoders[model]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, fmt.Errorf("tokencount: load encoding for model %q: %w", model, err)
	}
	c.encoders[model] = enc
	return enc, nil
}

// CountMessages counts tokens across messages the way the service bills chat
// requests: per-message overhead for role formatting, plus a fixed priming
// cost for the assistant reply.
func (c *TiktokenCounter) CountMessages(model string, messages []bench.Message) (int, error) {
	enc, err := c.encoder(model)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, m := range messages {
		total += tokensPerMessage
		total += len(enc.Encode(m.Role, nil, nil))
		total += len(enc.Encode(m.Content, nil, nil))
	}
	total += replyPrimingTokens
	return total, nil
}

// CountText counts tokens of raw text with no message overhead.
func (c *TiktokenCounter) CountText(model, text string) (int, error) {
	enc, err := c.encoder(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

const (
	// tokensPerMessage is the formatting overhead per chat message for
	// GPT-3.5/GPT-4 family models.
	tokensPerMessage = 3
	// replyPrimingTokens accounts for the <|start|>assistant<|message|>
	// priming of every reply.
	replyPrimingTokens = 3
)
