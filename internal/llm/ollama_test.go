package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Fimeg/Coquette-sub001/internal/provider"
)

func TestOllamaGenerate(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s, want /api/chat", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"model": "qwen3:4b",
			"created_at": "2026-01-10T12:00:00Z",
			"message": {"role": "assistant", "content": "Hello."},
			"done": true,
			"done_reason": "stop",
			"total_duration": 1500000000,
			"prompt_eval_count": 11,
			"eval_count": 4
		}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(testDesc("local", provider.KindOllama, srv.URL), slog.Default())

	resp, err := c.Generate(context.Background(), Request{
		System: "Be brief.",
		Prompt: "Say hello.",
		Options: Options{
			Temperature:     0.5,
			ContextWindow:   8192,
			MaxOutputTokens: 512,
			StopSequences:   []string{"User:", "###"},
		},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if got.Stream {
		t.Error("request stream = true, want false")
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Role != "user" {
		t.Errorf("request messages = %+v, want system + user", got.Messages)
	}
	if got.Options == nil {
		t.Fatal("request options missing")
	}
	if got.Options.NumCtx != 8192 {
		t.Errorf("options num_ctx = %d, want 8192", got.Options.NumCtx)
	}
	if got.Options.NumPredict != 512 {
		t.Errorf("options num_predict = %d, want 512", got.Options.NumPredict)
	}
	if got.Options.Temperature != 0.5 {
		t.Errorf("options temperature = %v, want 0.5", got.Options.Temperature)
	}
	if len(got.Options.Stop) != 2 {
		t.Errorf("options stop = %v, want two sequences", got.Options.Stop)
	}

	if resp.Text != "Hello." {
		t.Errorf("Text = %q, want Hello.", resp.Text)
	}
	if resp.StopReason != "stop" {
		t.Errorf("StopReason = %q, want stop", resp.StopReason)
	}
	if resp.InputTokens != 11 || resp.OutputTokens != 4 {
		t.Errorf("tokens = %d/%d, want 11/4", resp.InputTokens, resp.OutputTokens)
	}
	if resp.TotalDuration != 1500*time.Millisecond {
		t.Errorf("TotalDuration = %v, want 1.5s", resp.TotalDuration)
	}
}

func TestOllamaGenerate_ModelOverride(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"message": {"content": "ok"}, "done": true}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(testDesc("local", provider.KindOllama, srv.URL), slog.Default())
	if _, err := c.Generate(context.Background(), Request{Model: "llama3.2:3b", Prompt: "hi"}); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got.Model != "llama3.2:3b" {
		t.Errorf("request model = %q, want override llama3.2:3b", got.Model)
	}
}

func TestOllamaPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %s, want /api/tags", r.URL.Path)
		}
		w.Write([]byte(`{"models": []}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(testDesc("local", provider.KindOllama, srv.URL), slog.Default())
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v, want nil", err)
	}
}

func TestOllamaPing_Down(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewOllamaClient(testDesc("local", provider.KindOllama, srv.URL), slog.Default())
	if err := c.Ping(context.Background()); err == nil {
		t.Error("Ping() error = nil, want error for 503")
	}
}

func TestOllamaListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models": [{"name": "qwen3:4b"}, {"name": "llama3.2:3b"}]}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(testDesc("local", provider.KindOllama, srv.URL), slog.Default())
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels() error = %v", err)
	}
	if len(models) != 2 || models[0] != "qwen3:4b" || models[1] != "llama3.2:3b" {
		t.Errorf("ListModels() = %v", models)
	}
}
