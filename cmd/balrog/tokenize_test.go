package main

import (
	"testing"

	"github.com/eugener/balrog/internal/bench"
)

// fakeCounter distinguishes message counting from text counting so the
// dispatch logic is observable.
type fakeCounter struct{}

func (fakeCounter) CountMessages(_ string, messages []bench.Message) (int, error) {
	return 1000 + len(messages), nil
}

func (fakeCounter) CountText(_ string, text string) (int, error) {
	return len(text), nil
}

func TestCountTokens_Dispatch(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		text string
		want int
	}{
		{"messages array", `[{"role": "user", "content": "hi"}]`, 1001},
		{"two messages", `[{"role": "user", "content": "a"}, {"role": "user", "content": "b"}]`, 1002},
		{"raw text", "hello", 5},
		{"json but not an array", `{"role": "user"}`, 16},
		{"malformed json", `[{"role":`, 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := countTokens(fakeCounter{}, "gpt-4-0613", tt.text)
			if err != nil {
				t.Fatalf("countTokens: %v", err)
			}
			if got != tt.want {
				t.Errorf("countTokens(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}
