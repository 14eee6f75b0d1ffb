package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/banter-dev/banter/pkg/memory"
	"github.com/banter-dev/banter/pkg/provider/llm"
)

// ── convertEntry ──────────────────────────────────────────────────────────────

// TestConvertEntry_User checks that user entries map to the user role.
func TestConvertEntry_User(t *testing.T) {
	got := convertEntry(memory.Entry{Role: memory.RoleUser, Text: "Hello!"})
	if got.Role != anyllmlib.RoleUser {
		t.Errorf("expected role user, got %q", got.Role)
	}
	if got.Content != "Hello!" {
		t.Errorf("expected content %q, got %q", "Hello!", got.Content)
	}
}

// TestConvertEntry_Assistant checks that assistant entries map to the assistant role.
func TestConvertEntry_Assistant(t *testing.T) {
	got := convertEntry(memory.Entry{Role: memory.RoleAssistant, Text: "Hi there!"})
	if got.Role != anyllmlib.RoleAssistant {
		t.Errorf("expected role assistant, got %q", got.Role)
	}
	if got.Content != "Hi there!" {
		t.Errorf("expected content %q, got %q", "Hi there!", got.Content)
	}
}

// TestConvertEntry_UnknownRoleDefaultsToUser checks that unexpected roles
// degrade to user rather than producing an invalid request.
func TestConvertEntry_UnknownRoleDefaultsToUser(t *testing.T) {
	got := convertEntry(memory.Entry{Role: "narrator", Text: "meanwhile"})
	if got.Role != anyllmlib.RoleUser {
		t.Errorf("expected role user for unknown role, got %q", got.Role)
	}
}

// ── buildParams ───────────────────────────────────────────────────────────────

// TestBuildParams_SystemPromptFirst checks that the system prompt leads the
// message list and history order is preserved.
func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Keep it short.",
		Messages: []memory.Entry{
			{Role: memory.RoleUser, Text: "hi"},
			{Role: memory.RoleAssistant, Text: "hello"},
			{Role: memory.RoleUser, Text: "how are you"},
		},
	})

	if params.Model != "gpt-4o-mini" {
		t.Errorf("model: got %q, want %q", params.Model, "gpt-4o-mini")
	}
	if len(params.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("first message role: got %q, want system", params.Messages[0].Role)
	}
	if params.Messages[3].Content != "how are you" {
		t.Errorf("last message content: got %q, want %q", params.Messages[3].Content, "how are you")
	}
}

// TestBuildParams_Tuning checks that temperature and max tokens are only set
// when non-zero.
func TestBuildParams_Tuning(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}

	params := p.buildParams(llm.CompletionRequest{Temperature: 0.7, MaxTokens: 150})
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Errorf("temperature not forwarded: %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 150 {
		t.Errorf("max tokens not forwarded: %v", params.MaxTokens)
	}

	params = p.buildParams(llm.CompletionRequest{})
	if params.Temperature != nil {
		t.Errorf("zero temperature should stay unset, got %v", *params.Temperature)
	}
	if params.MaxTokens != nil {
		t.Errorf("zero max tokens should stay unset, got %v", *params.MaxTokens)
	}
}

// ── Constructor ───────────────────────────────────────────────────────────────

// TestNew_EmptyBackendName checks that an empty backend name returns an error.
func TestNew_EmptyBackendName(t *testing.T) {
	_, err := New("", "gpt-4o-mini")
	if err == nil {
		t.Fatal("expected error for empty backendName")
	}
}

// TestNew_EmptyModel checks that an empty model name returns an error.
func TestNew_EmptyModel(t *testing.T) {
	_, err := New("openai", "")
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

// TestNew_UnsupportedBackend checks that an unsupported backend returns an error.
func TestNew_UnsupportedBackend(t *testing.T) {
	_, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy"))
	if err == nil {
		t.Fatal("expected error for unsupported backend")
	}
}

// TestNew_KnownBackends checks that every advertised backend constructs with
// an explicit API key (or none, for local servers).
func TestNew_KnownBackends(t *testing.T) {
	tests := []struct {
		backend string
		opts    []anyllmlib.Option
	}{
		{"openai", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-test")}},
		{"anthropic", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-ant-test")}},
		{"ollama", nil},
		{"llamacpp", nil},
		{"llamafile", nil},
	}

	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			p, err := New(tt.backend, "some-model", tt.opts...)
			if err != nil {
				t.Fatalf("New(%q): %v", tt.backend, err)
			}
			if p == nil {
				t.Fatalf("New(%q): expected non-nil provider", tt.backend)
			}
		})
	}
}
