package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vnmchuo/chat-gateway/internal/provider"
)

// OpenAIProvider speaks the chat-completions dialect: Bearer auth, a
// single homogeneous messages array (system turns included), and
// choices/delta streaming terminated by a [DONE] sentinel.
type OpenAIProvider struct {
	cfg  Config
	http *provider.Transport
}

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	Retry   provider.RetryConfig
}

func New(cfg Config) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	return &OpenAIProvider{
		cfg:  cfg,
		http: provider.NewTransport("openai", cfg.Timeout, cfg.Retry),
	}
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Model   string         `json:"model"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	Delta        openAIDelta   `json:"delta"`
	FinishReason string        `json:"finish_reason"`
}

type openAIDelta struct {
	Content string `json:"content"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (p *OpenAIProvider) headers() http.Header {
	h := http.Header{}
	h.Set("Authorization", fmt.Sprintf("Bearer %s", p.cfg.APIKey))
	return h
}

// mapRequest keeps system turns inside the array. An explicit
// SystemPrompt displaces any system-role entries and is prepended as the
// first message.
func (p *OpenAIProvider) mapRequest(req *provider.ChatRequest) openAIRequest {
	var messages []openAIMessage

	if req.SystemPrompt != "" {
		messages = append(messages, openAIMessage{Role: provider.RoleSystem, Content: req.SystemPrompt})
		for _, m := range req.Messages {
			if m.Role == provider.RoleSystem {
				continue
			}
			messages = append(messages, openAIMessage{Role: m.Role, Content: m.Content})
		}
	} else {
		messages = make([]openAIMessage, len(req.Messages))
		for i, m := range req.Messages {
			messages[i] = openAIMessage{Role: m.Role, Content: m.Content}
		}
	}

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	return openAIRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   provider.DefaultMaxTokens(req),
		Temperature: req.Temperature,
	}
}

func (p *OpenAIProvider) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	start := time.Now()

	body, err := p.http.PostJSON(ctx, fmt.Sprintf("%s/chat/completions", p.cfg.BaseURL), p.headers(), p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	var openAIResp openAIResponse
	if err := json.Unmarshal(body, &openAIResp); err != nil {
		return nil, &provider.Error{
			Code:     provider.ErrParse,
			Message:  fmt.Sprintf("malformed response body: %v", err),
			Provider: p.Name(),
		}
	}

	if len(openAIResp.Choices) == 0 {
		return nil, &provider.Error{
			Code:     provider.ErrParse,
			Message:  "response contained no choices",
			Provider: p.Name(),
		}
	}

	choice := openAIResp.Choices[0]
	return &provider.ChatResponse{
		ID:           openAIResp.ID,
		Content:      choice.Message.Content,
		Model:        openAIResp.Model,
		Provider:     p.Name(),
		FinishReason: mapFinishReason(choice.FinishReason),
		Usage:        provider.NewUsage(openAIResp.Usage.PromptTokens, openAIResp.Usage.CompletionTokens),
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func (p *OpenAIProvider) ChatStream(ctx context.Context, req *provider.ChatRequest) (<-chan *provider.Chunk, error) {
	openAIReq := p.mapRequest(req)
	openAIReq.Stream = true

	resp, err := p.http.PostStream(ctx, fmt.Sprintf("%s/chat/completions", p.cfg.BaseURL), p.headers(), openAIReq)
	if err != nil {
		return nil, err
	}

	return provider.StreamEvents(ctx, p.Name(), resp.Body, decodeStreamEvent), nil
}

// decodeStreamEvent extracts the choices[0].delta.content text. A chunk
// with an explicit finish_reason marks the end of generated text; the
// [DONE] sentinel that follows is handled by the shared pump.
func decodeStreamEvent(data string) (string, bool, bool) {
	var event openAIResponse
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return "", false, false
	}
	if len(event.Choices) == 0 {
		return "", false, true
	}
	return event.Choices[0].Delta.Content, false, true
}

func mapFinishReason(reason string) provider.FinishReason {
	switch reason {
	case "length":
		return provider.FinishLength
	case "tool_calls", "function_call":
		return provider.FinishToolUse
	default: // stop, content_filter, ""
		return provider.FinishStop
	}
}

var capabilities = map[provider.Capability]bool{
	provider.CapabilityVision:           true,
	provider.CapabilityToolUse:          true,
	provider.CapabilityStreaming:        true,
	provider.CapabilityStructuredOutput: true,
	provider.CapabilitySystemPrompt:     true,
}

func (p *OpenAIProvider) Supports(c provider.Capability) bool {
	return capabilities[c]
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) CostPerInputToken() float64 {
	return 0.00000015
}

func (p *OpenAIProvider) CostPerOutputToken() float64 {
	return 0.00000060
}

func (p *OpenAIProvider) SupportedModels() []string {
	return []string{"gpt-4o", "gpt-4o-mini", "gpt-4-turbo", "gpt-3.5-turbo"}
}
