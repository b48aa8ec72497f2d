package loadtool

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eugener/balrog/internal/bench"
	"github.com/eugener/balrog/internal/config"
)

// fakeCounter is a deterministic offline token counter.
type fakeCounter struct{}

func (fakeCounter) CountMessages(_ string, messages []bench.Message) (int, error) {
	total := 3
	for _, m := range messages {
		total += 3 + (len(m.Content)+3)/4
	}
	return total, nil
}

func (fakeCounter) CountText(_ string, text string) (int, error) {
	return (len(text) + 3) / 4, nil
}

// syncBuffer makes bytes.Buffer safe for concurrent writers (the tick worker
// and the orchestrator share the output writer).
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig(endpoint string) *config.Config {
	return &config.Config{
		APIBaseEndpoint:         endpoint,
		Deployment:              "test-deployment",
		APIVersion:              config.DefaultAPIVersion,
		APIKeyEnv:               config.DefaultAPIKeyEnv,
		APIKey:                  "sk-test",
		Clients:                 3,
		Requests:                5,
		AggregationWindow:       config.DefaultAggregationWindow,
		OutputFormat:            "jsonl",
		Retry:                   "none",
		ContextGenerationMethod: "generate",
		ShapeProfile:            "custom",
		ContextTokens:           50,
		Completions:             1,
		Model:                   config.DefaultModel,
	}
}

func TestRun_EndToEnd(t *testing.T) {
	var gotBody bench.RequestBody
	var bodyOnce sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bodyOnce.Do(func() {
			json.NewDecoder(r.Body).Decode(&gotBody)
		})
		time.Sleep(20 * time.Millisecond)
		w.Header().Set(bench.UtilizationHeader, "50.0%")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: {}\r\n\r\ndata: {}\r\n"))
	}))
	defer srv.Close()

	oldInterval := dumpInterval
	dumpInterval = 50 * time.Millisecond
	defer func() { dumpInterval = oldInterval }()

	var out syncBuffer
	if err := run(context.Background(), testConfig(srv.URL), &out, fakeCounter{}); err != nil {
		t.Fatalf("run: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected run args line plus at least one tick, got %d lines:\n%s", len(lines), out.String())
	}

	// First line reconstructs the run context.
	var args map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &args); err != nil {
		t.Fatalf("unmarshal run args: %v", err)
	}
	if args["run_id"] == "" {
		t.Error("run args line missing run_id")
	}
	if _, ok := args["args"].(map[string]any); !ok {
		t.Error("run args line missing resolved arguments")
	}

	// Requests are forced into streaming mode with the correct wire keys.
	if !gotBody.Stream {
		t.Error("request body did not force stream=true")
	}
	if len(gotBody.Messages) == 0 {
		t.Error("request body has no messages")
	}

	// The last tick has seen every dispatched request.
	var last map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &last); err != nil {
		t.Fatalf("unmarshal last tick: %v", err)
	}
	if got := last["requests"].(float64); got != 5 {
		t.Errorf("requests = %v, want 5", got)
	}
	if got := last["failures"].(float64); got != 0 {
		t.Errorf("failures = %v, want 0", got)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig("http://localhost")
	cfg.Clients = 0
	var out bytes.Buffer
	if err := run(context.Background(), cfg, &out, fakeCounter{}); err == nil {
		t.Error("expected validation error")
	}
}

func TestBuildBody_WireKeys(t *testing.T) {
	t.Parallel()
	pp := 1.5
	cfg := testConfig("http://localhost")
	cfg.MaxTokens = 100
	cfg.PresencePenalty = &pp

	body := buildBody(cfg, []bench.Message{{Role: "user", Content: "hi"}})
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(raw)
	if !strings.Contains(s, `"presence_penalty":1.5`) {
		t.Errorf("body missing correct presence_penalty key: %s", s)
	}
	if !strings.Contains(s, `"max_tokens":100`) || !strings.Contains(s, `"n":1`) {
		t.Errorf("body missing max_tokens/n: %s", s)
	}
	if strings.Contains(s, "presenece") {
		t.Errorf("body contains misspelled penalty key: %s", s)
	}
}
