package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vnmchuo/chat-gateway/internal/provider"
)

// OllamaProvider talks to a local Ollama server through its
// OpenAI-compatible endpoint. Same dialect as openai on the wire, minus
// auth entirely, and usage counters that smaller builds omit.
type OllamaProvider struct {
	cfg  Config
	http *provider.Transport
}

type Config struct {
	BaseURL string
	Model   string
	Timeout time.Duration
	Retry   provider.RetryConfig
}

func New(cfg Config) *OllamaProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "llama3.1"
	}
	return &OllamaProvider{
		cfg:  cfg,
		http: provider.NewTransport("ollama", cfg.Timeout, cfg.Retry),
	}
}

type ollamaRequest struct {
	Model       string          `json:"model"`
	Messages    []ollamaMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaResponse struct {
	ID      string         `json:"id"`
	Choices []ollamaChoice `json:"choices"`
	Usage   ollamaUsage    `json:"usage"`
	Model   string         `json:"model"`
}

type ollamaChoice struct {
	Message      ollamaMessage `json:"message"`
	Delta        ollamaDelta   `json:"delta"`
	FinishReason string        `json:"finish_reason"`
}

type ollamaDelta struct {
	Content string `json:"content"`
}

type ollamaUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (p *OllamaProvider) mapRequest(req *provider.ChatRequest) ollamaRequest {
	var messages []ollamaMessage

	if req.SystemPrompt != "" {
		messages = append(messages, ollamaMessage{Role: provider.RoleSystem, Content: req.SystemPrompt})
		for _, m := range req.Messages {
			if m.Role == provider.RoleSystem {
				continue
			}
			messages = append(messages, ollamaMessage{Role: m.Role, Content: m.Content})
		}
	} else {
		messages = make([]ollamaMessage, len(req.Messages))
		for i, m := range req.Messages {
			messages[i] = ollamaMessage{Role: m.Role, Content: m.Content}
		}
	}

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	return ollamaRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   provider.DefaultMaxTokens(req),
		Temperature: req.Temperature,
	}
}

func (p *OllamaProvider) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	start := time.Now()

	// No auth headers: the local server takes none.
	body, err := p.http.PostJSON(ctx, fmt.Sprintf("%s/chat/completions", p.cfg.BaseURL), nil, p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	var ollamaResp ollamaResponse
	if err := json.Unmarshal(body, &ollamaResp); err != nil {
		return nil, &provider.Error{
			Code:     provider.ErrParse,
			Message:  fmt.Sprintf("malformed response body: %v", err),
			Provider: p.Name(),
		}
	}

	if len(ollamaResp.Choices) == 0 {
		return nil, &provider.Error{
			Code:     provider.ErrParse,
			Message:  "response contained no choices",
			Provider: p.Name(),
		}
	}

	choice := ollamaResp.Choices[0]
	return &provider.ChatResponse{
		ID:           ollamaResp.ID,
		Content:      choice.Message.Content,
		Model:        ollamaResp.Model,
		Provider:     p.Name(),
		FinishReason: mapFinishReason(choice.FinishReason),
		Usage:        provider.NewUsage(ollamaResp.Usage.PromptTokens, ollamaResp.Usage.CompletionTokens),
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func (p *OllamaProvider) ChatStream(ctx context.Context, req *provider.ChatRequest) (<-chan *provider.Chunk, error) {
	ollamaReq := p.mapRequest(req)
	ollamaReq.Stream = true

	resp, err := p.http.PostStream(ctx, fmt.Sprintf("%s/chat/completions", p.cfg.BaseURL), nil, ollamaReq)
	if err != nil {
		return nil, err
	}

	return provider.StreamEvents(ctx, p.Name(), resp.Body, decodeStreamEvent), nil
}

func decodeStreamEvent(data string) (string, bool, bool) {
	var event ollamaResponse
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
	case "tool_calls":
		return provider.FinishToolUse
	default:
		return provider.FinishStop
	}
}

var capabilities = map[provider.Capability]bool{
	provider.CapabilityStreaming:        true,
	provider.CapabilityStructuredOutput: true,
	provider.CapabilitySystemPrompt:     true,
}

func (p *OllamaProvider) Supports(c provider.Capability) bool {
	return capabilities[c]
}

func (p *OllamaProvider) Name() string {
	return "ollama"
}

// Local inference is free.
func (p *OllamaProvider) CostPerInputToken() float64 {
	return 0
}

func (p *OllamaProvider) CostPerOutputToken() float64 {
	return 0
}

func (p *OllamaProvider) SupportedModels() []string {
	return []string{"llama3.1", "llama3.2", "mistral", "qwen2.5"}
}
