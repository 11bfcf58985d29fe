package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/batalabs/masix/internal/config"
	"github.com/batalabs/masix/internal/domain"
)

// ---------------------------------------------------------------------------
// OpenAIProvider — any OpenAI-compatible chat/completions endpoint
// ---------------------------------------------------------------------------

// maxErrorBody caps how much of an error body is kept in an APIError.
const maxErrorBody = 600

// OpenAIProvider implements Provider for an OpenAI-compatible endpoint.
type OpenAIProvider struct {
	name    string
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// NewOpenAIProvider returns a provider for cfg. A nil client uses a default
// client without a global timeout; the router bounds each attempt instead.
func NewOpenAIProvider(cfg config.ProviderConfig, client *http.Client) *OpenAIProvider {
	if client == nil {
		client = &http.Client{}
	}
	return &OpenAIProvider{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		model:   cfg.Model,
		client:  client,
	}
}

// Name returns the configured provider name.
func (p *OpenAIProvider) Name() string { return p.name }

// Chat sends one non-streaming chat/completions request.
func (p *OpenAIProvider) Chat(ctx context.Context, req Request) (*Reply, error) {
	model := p.model
	if req.Model != "" {
		model = req.Model
	}
	reqBody := openaiRequest{
		Model:    model,
		Messages: buildOpenAIMessages(req.History, req.System),
		Tools:    toOpenAITools(req.Tools),
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		errType := ""
		errMessage := truncate(string(raw), maxErrorBody)
		var errResp struct {
			Error *struct {
				Message string `json:"message"`
				Type    string `json:"type"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &errResp) == nil && errResp.Error != nil {
			errType = errResp.Error.Type
			errMessage = errResp.Error.Message
		}
		return nil, NewAPIError(resp.StatusCode, errType, errMessage, resp.Header)
	}

	reply, err := parseOpenAIResponse(raw)
	if err != nil {
		return nil, err
	}
	reply.Provider = p.name
	if reply.Model == "" {
		reply.Model = model
	}
	return reply, nil
}

// ---------------------------------------------------------------------------
// OpenAI wire types
// ---------------------------------------------------------------------------

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openaiRequest struct {
	Model    string          `json:"model"`
	Messages []openaiMessage `json:"messages"`
	Tools    []openaiTool    `json:"tools,omitempty"`
}

type openaiContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role      string           `json:"role"`
			Content   *string          `json:"content"`
			ToolCalls []openaiToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error json.RawMessage `json:"error"`
}

// ---------------------------------------------------------------------------
// Message conversion
// ---------------------------------------------------------------------------

// maxToolResult truncates tool output replayed to the model.
const maxToolResult = 10000

// buildOpenAIMessages converts transcript messages to OpenAI API format.
func buildOpenAIMessages(history []domain.TranscriptMessage, system string) []openaiMessage {
	msgs := make([]openaiMessage, 0, len(history)+1)

	if system != "" {
		raw, _ := json.Marshal(system)
		msgs = append(msgs, openaiMessage{Role: "system", Content: raw})
	}

	for _, m := range history {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		if !m.HasBlocks() {
			raw, _ := json.Marshal(m.Content)
			msgs = append(msgs, openaiMessage{Role: m.Role, Content: raw})
			continue
		}

		if m.Role == "user" {
			msgs = append(msgs, userBlockMessages(m.Blocks)...)
			continue
		}

		var textParts []string
		var toolCalls []openaiToolCall
		for _, b := range m.Blocks {
			switch b.Type {
			case domain.BlockText:
				textParts = append(textParts, b.Text)
			case domain.BlockToolUse:
				toolInput := b.ToolInput
				if toolInput == nil {
					toolInput = map[string]any{}
				}
				argsJSON, _ := json.Marshal(toolInput)
				tc := openaiToolCall{ID: b.ToolUseID, Type: "function"}
				tc.Function.Name = b.ToolName
				tc.Function.Arguments = string(argsJSON)
				toolCalls = append(toolCalls, tc)
			}
		}
		msg := openaiMessage{Role: "assistant", ToolCalls: toolCalls}
		if len(textParts) > 0 {
			raw, _ := json.Marshal(strings.Join(textParts, "\n"))
			msg.Content = raw
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// userBlockMessages turns tool results into tool messages and text plus
// images into a single multi-part user message.
func userBlockMessages(blocks []domain.ContentBlock) []openaiMessage {
	var out []openaiMessage
	var parts []openaiContentPart
	for _, b := range blocks {
		switch b.Type {
		case domain.BlockToolResult:
			content, _ := json.Marshal(truncate(b.ToolResult, maxToolResult))
			out = append(out, openaiMessage{Role: "tool", Content: content, ToolCallID: b.ToolUseID})
		case domain.BlockText:
			parts = append(parts, openaiContentPart{Type: "text", Text: b.Text})
		case domain.BlockImage:
			part := openaiContentPart{Type: "image_url"}
			part.ImageURL = &struct {
				URL string `json:"url"`
			}{URL: "data:" + b.MimeType + ";base64," + base64.StdEncoding.EncodeToString(b.Data)}
			parts = append(parts, part)
		}
	}
	if len(parts) > 0 {
		raw, _ := json.Marshal(parts)
		out = append(out, openaiMessage{Role: "user", Content: raw})
	}
	return out
}

// convertOpenAIProp recursively converts a ToolProp to an OpenAI-compatible map.
func convertOpenAIProp(v ToolProp) map[string]any {
	prop := map[string]any{
		"type": v.Type,
	}
	if v.Description != "" {
		prop["description"] = v.Description
	}
	if len(v.Enum) > 0 {
		prop["enum"] = v.Enum
	}
	if v.Items != nil {
		prop["items"] = convertOpenAIProp(*v.Items)
	}
	if len(v.Properties) > 0 {
		nested := make(map[string]any, len(v.Properties))
		for k, np := range v.Properties {
			nested[k] = convertOpenAIProp(np)
		}
		prop["properties"] = nested
	}
	if len(v.Required) > 0 {
		prop["required"] = v.Required
	}
	return prop
}

// toOpenAITools converts provider-agnostic ToolSpecs to OpenAI wire format.
func toOpenAITools(specs []ToolSpec) []openaiTool {
	if len(specs) == 0 {
		return nil
	}
	tools := make([]openaiTool, len(specs))
	for i, s := range specs {
		props := make(map[string]any, len(s.Properties))
		for k, v := range s.Properties {
			props[k] = convertOpenAIProp(v)
		}
		req := s.Required
		if req == nil {
			req = []string{}
		}
		paramsJSON, _ := json.Marshal(map[string]any{
			"type":       "object",
			"properties": props,
			"required":   req,
		})
		tools[i] = openaiTool{
			Type: "function",
			Function: openaiFunction{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  paramsJSON,
			},
		}
	}
	return tools
}

// ---------------------------------------------------------------------------
// Response parsing
// ---------------------------------------------------------------------------

// parseOpenAIResponse converts a chat/completions body into a Reply.
// Textual pseudo tool calls are flagged, never turned into tool_use blocks.
func parseOpenAIResponse(raw []byte) (*Reply, error) {
	var resp openaiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v: %s", ErrMalformedReply, err, truncate(string(raw), maxErrorBody))
	}
	if len(resp.Error) > 0 && string(resp.Error) != "null" {
		return nil, fmt.Errorf("%w: error payload: %s", ErrMalformedReply, truncate(string(resp.Error), maxErrorBody))
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty choices", ErrMalformedReply)
	}

	choice := resp.Choices[0]
	reply := &Reply{Model: resp.Model, FinishReason: choice.FinishReason}
	if resp.Usage != nil {
		reply.Usage = Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}

	text := ""
	if choice.Message.Content != nil {
		text = strings.TrimSpace(*choice.Message.Content)
	}
	if text != "" {
		reply.Blocks = append(reply.Blocks, domain.ContentBlock{Type: domain.BlockText, Text: text})
	}

	for i, tc := range choice.Message.ToolCalls {
		if tc.Function.Name == "" {
			continue
		}
		input := map[string]any{}
		if args := strings.TrimSpace(tc.Function.Arguments); args != "" {
			if err := json.Unmarshal([]byte(args), &input); err != nil {
				// Keep the call so the engine can report the bad arguments to the model.
				input = map[string]any{"_raw_arguments": args}
			}
		}
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i+1)
		}
		reply.Blocks = append(reply.Blocks, domain.ContentBlock{
			Type:      domain.BlockToolUse,
			ToolUseID: id,
			ToolName:  tc.Function.Name,
			ToolInput: input,
		})
	}

	if len(reply.ToolUses()) == 0 && len(DetectTextualToolCalls(text)) > 0 {
		reply.CompatibilityWarning = true
	}
	return reply, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
