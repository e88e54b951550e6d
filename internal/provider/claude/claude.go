package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vnmchuo/chat-gateway/internal/provider"
)

// ClaudeProvider speaks the Anthropic messages dialect. Its two notable
// divergences from the OpenAI-style wire format:
//  1. auth uses an x-api-key header plus a version header, not a Bearer token
//  2. the system instruction is a separate top-level field; the messages
//     array holds only user/assistant turns
type ClaudeProvider struct {
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

func New(cfg Config) *ClaudeProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "claude-3-5-sonnet-20241022"
	}
	return &ClaudeProvider{
		cfg:  cfg,
		http: provider.NewTransport("claude", cfg.Timeout, cfg.Retry),
	}
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	ID         string          `json:"id"`
	Content    []claudeContent `json:"content"`
	Model      string          `json:"model"`
	StopReason string          `json:"stop_reason"`
	Usage      claudeUsage     `json:"usage"`
}

type claudeContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeStreamEvent struct {
	Type  string      `json:"type"`
	Delta claudeDelta `json:"delta"`
}

type claudeDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func (p *ClaudeProvider) headers() http.Header {
	h := http.Header{}
	h.Set("x-api-key", p.cfg.APIKey)
	h.Set("anthropic-version", "2023-06-01")
	return h
}

func (p *ClaudeProvider) mapRequest(req *provider.ChatRequest) claudeRequest {
	system, rest := provider.EffectiveSystem(req)

	messages := make([]claudeMessage, 0, len(rest))
	for _, m := range rest {
		role := provider.RoleUser
		if m.Role == provider.RoleAssistant {
			role = provider.RoleAssistant
		}
		messages = append(messages, claudeMessage{Role: role, Content: m.Content})
	}

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	return claudeRequest{
		Model:       model,
		MaxTokens:   provider.DefaultMaxTokens(req),
		System:      system,
		Messages:    messages,
		Temperature: req.Temperature,
	}
}

func (p *ClaudeProvider) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	start := time.Now()

	body, err := p.http.PostJSON(ctx, fmt.Sprintf("%s/messages", p.cfg.BaseURL), p.headers(), p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	var claudeResp claudeResponse
	if err := json.Unmarshal(body, &claudeResp); err != nil {
		return nil, &provider.Error{
			Code:     provider.ErrParse,
			Message:  fmt.Sprintf("malformed response body: %v", err),
			Provider: p.Name(),
		}
	}

	var content string
	for _, c := range claudeResp.Content {
		if c.Type == "text" {
			content += c.Text
		}
	}

	return &provider.ChatResponse{
		ID:           claudeResp.ID,
		Content:      content,
		Model:        claudeResp.Model,
		Provider:     p.Name(),
		FinishReason: mapStopReason(claudeResp.StopReason),
		Usage:        provider.NewUsage(claudeResp.Usage.InputTokens, claudeResp.Usage.OutputTokens),
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func (p *ClaudeProvider) ChatStream(ctx context.Context, req *provider.ChatRequest) (<-chan *provider.Chunk, error) {
	claudeReq := p.mapRequest(req)
	claudeReq.Stream = true

	resp, err := p.http.PostStream(ctx, fmt.Sprintf("%s/messages", p.cfg.BaseURL), p.headers(), claudeReq)
	if err != nil {
		return nil, err
	}

	return provider.StreamEvents(ctx, p.Name(), resp.Body, decodeStreamEvent), nil
}

// decodeStreamEvent handles the Anthropic SSE event family. Events are
// dispatched on the JSON type field; the accompanying "event:" lines are
// dropped by the shared pump.
func decodeStreamEvent(data string) (string, bool, bool) {
	var event claudeStreamEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return "", false, false
	}

	switch event.Type {
	case "content_block_delta":
		if event.Delta.Type == "text_delta" {
			return event.Delta.Text, false, true
		}
		return "", false, true
	case "message_stop":
		return "", true, true
	default:
		// message_start, ping, message_delta and friends carry no text.
		return "", false, true
	}
}

func mapStopReason(reason string) provider.FinishReason {
	switch reason {
	case "max_tokens":
		return provider.FinishLength
	case "tool_use":
		return provider.FinishToolUse
	default: // end_turn, stop_sequence
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

func (p *ClaudeProvider) Supports(c provider.Capability) bool {
	return capabilities[c]
}

func (p *ClaudeProvider) Name() string {
	return "claude"
}

func (p *ClaudeProvider) CostPerInputToken() float64 {
	return 0.0000008
}

func (p *ClaudeProvider) CostPerOutputToken() float64 {
	return 0.000004
}

func (p *ClaudeProvider) SupportedModels() []string {
	return []string{
		"claude-3-5-sonnet-20241022",
		"claude-3-5-haiku-20241022",
		"claude-3-opus-20240229",
		"claude-3-haiku-20240307",
	}
}
