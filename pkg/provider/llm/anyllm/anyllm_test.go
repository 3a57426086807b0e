package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/types"
)

// ── buildParams ──────────────────────────────────────────────────────────────

func TestBuildParams_PreservesOrderAndRoles(t *testing.T) {
	p := &Provider{name: "ollama", model: "llama3.2"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You are helpful.",
		Messages: []types.Message{
			{Role: types.RoleUser, Content: "hi"},
			{Role: types.RoleAssistant, Content: "Used tool: calculate"},
			{Role: types.RoleSystem, Content: "Tool result: 4"},
		},
	})

	wantRoles := []string{"system", "user", "assistant", "system"}
	if len(params.Messages) != len(wantRoles) {
		t.Fatalf("messages: want %d, got %d", len(wantRoles), len(params.Messages))
	}
	for i, want := range wantRoles {
		if params.Messages[i].Role != want {
			t.Errorf("message %d: want role %q, got %q", i, want, params.Messages[i].Role)
		}
	}
	if got := params.Messages[3].ContentString(); got != "Tool result: 4" {
		t.Errorf("last message content: want %q, got %q", "Tool result: 4", got)
	}
	if params.Model != "llama3.2" {
		t.Errorf("model: want llama3.2, got %q", params.Model)
	}
}

func TestBuildParams_OptionalFields(t *testing.T) {
	p := &Provider{name: "openai", model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{
		Model:       "gpt-4o-mini",
		Temperature: 0.3,
		MaxTokens:   256,
		Tools: []types.ToolDefinition{{
			Name:        "get_time",
			Description: "current time",
			Parameters:  map[string]any{"type": "object"},
		}},
	})

	if params.Model != "gpt-4o-mini" {
		t.Errorf("model override: want gpt-4o-mini, got %q", params.Model)
	}
	if params.Temperature == nil || *params.Temperature != 0.3 {
		t.Errorf("temperature: want 0.3, got %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Errorf("max tokens: want 256, got %v", params.MaxTokens)
	}
	if len(params.Tools) != 1 || params.Tools[0].Function.Name != "get_time" || params.Tools[0].Type != "function" {
		t.Errorf("tools: unexpected %+v", params.Tools)
	}
}

func TestBuildParams_ZeroValuesOmitted(t *testing.T) {
	p := &Provider{name: "openai", model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	})
	if params.Temperature != nil {
		t.Error("temperature should be nil when zero")
	}
	if params.MaxTokens != nil {
		t.Error("max tokens should be nil when zero")
	}
	if len(params.Messages) != 1 {
		t.Errorf("no system prompt: want 1 message, got %d", len(params.Messages))
	}
}

// ── modelCapabilities ─────────────────────────────────────────────────────────

func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model      string
		wantWindow int
		wantVision bool
	}{
		{model: "gpt-4o-mini", wantWindow: 128_000, wantVision: true},
		{model: "claude-sonnet-4-5", wantWindow: 200_000, wantVision: true},
		{model: "Gemini-2.0-Flash", wantWindow: 1_048_576, wantVision: true},
		{model: "llama3.2", wantWindow: 32_768, wantVision: false},
		{model: "my-custom-model", wantWindow: 128_000, wantVision: false},
	}
	for _, tc := range tests {
		t.Run(tc.model, func(t *testing.T) {
			caps := modelCapabilities(tc.model)
			if caps.ContextWindow != tc.wantWindow {
				t.Errorf("context window: want %d, got %d", tc.wantWindow, caps.ContextWindow)
			}
			if caps.SupportsVision != tc.wantVision {
				t.Errorf("vision: want %v, got %v", tc.wantVision, caps.SupportsVision)
			}
			if !caps.SupportsStreaming {
				t.Error("expected SupportsStreaming=true")
			}
		})
	}
}

// ── Constructor ───────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty providerName")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy")); err == nil {
		t.Error("expected error for unsupported provider")
	}
}

func TestNew_WithAPIKey(t *testing.T) {
	p, err := New("Anthropic", "claude-sonnet-4-5", anyllmlib.WithAPIKey("sk-ant-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.name != "anthropic" {
		t.Errorf("name: want anthropic, got %q", p.name)
	}
	if p.service() != "anyllm/anthropic" {
		t.Errorf("service: want anyllm/anthropic, got %q", p.service())
	}
}

func TestNew_OllamaNoAPIKey(t *testing.T) {
	if _, err := New("ollama", "llama3"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
