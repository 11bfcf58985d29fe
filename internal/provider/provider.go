package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/batalabs/masix/internal/config"
	"github.com/batalabs/masix/internal/domain"
)

// ---------------------------------------------------------------------------
// Provider-agnostic tool types
// ---------------------------------------------------------------------------

// ToolSpec is a provider-agnostic tool definition converted to the wire
// format by each provider.
type ToolSpec struct {
	Name        string
	Description string
	Properties  map[string]ToolProp
	Required    []string
}

// ToolProp describes a single tool input property.
type ToolProp struct {
	Type        string
	Description string
	Enum        []string
	// Items describes the element schema when Type is "array".
	Items *ToolProp
	// Properties describes nested object properties.
	Properties map[string]ToolProp
	// Required lists required fields when this prop describes an object.
	Required []string
}

// Usage contains token accounting for one model call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ---------------------------------------------------------------------------
// Requests and replies
// ---------------------------------------------------------------------------

// Request is one chat/completions call.
type Request struct {
	System  string
	History []domain.TranscriptMessage
	Tools   []ToolSpec
	// Model overrides the provider's configured model when set.
	Model string
}

// Reply is a parsed model answer.
type Reply struct {
	// Provider is the configured name of the provider that answered.
	Provider     string
	Model        string
	Blocks       []domain.ContentBlock
	FinishReason string
	Usage        Usage
	// Failures lists the providers abandoned before this one answered.
	Failures []ProviderFailure
	// CompatibilityWarning is set when the text looks like a tool call but
	// carries no structured tool_calls payload.
	CompatibilityWarning bool
}

// Text returns the concatenated text blocks of the reply.
func (r *Reply) Text() string {
	if r == nil {
		return ""
	}
	var parts []string
	for _, b := range r.Blocks {
		if b.Type == domain.BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolUses returns the structured tool calls of the reply in order.
func (r *Reply) ToolUses() []domain.ContentBlock {
	if r == nil {
		return nil
	}
	var out []domain.ContentBlock
	for _, b := range r.Blocks {
		if b.Type == domain.BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// Message returns the reply as an assistant transcript message.
func (r *Reply) Message() domain.TranscriptMessage {
	return domain.TranscriptMessage{Role: "assistant", Blocks: r.Blocks}
}

// ---------------------------------------------------------------------------
// Provider interface
// ---------------------------------------------------------------------------

// Provider is one chat/completions endpoint.
type Provider interface {
	// Name returns the configured provider name.
	Name() string
	// Chat performs a single attempt. Retries and fallback belong to the Router.
	Chat(ctx context.Context, req Request) (*Reply, error)
}

// New builds the provider described by cfg.
func New(cfg config.ProviderConfig, client *http.Client) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.ProviderType)) {
	case "", "openai":
		return NewOpenAIProvider(cfg, client), nil
	default:
		return nil, fmt.Errorf("provider %q: unsupported provider_type %q", cfg.Name, cfg.ProviderType)
	}
}
