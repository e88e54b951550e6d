package provider

import (
	"context"
)

// Role identifies who produced a message.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"` // "system", "user" or "assistant"
	Content string `json:"content"`
}

// ChatRequest is the unified request shape every provider translates
// into its own wire format.
type ChatRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`

	// SystemPrompt, when set, is the effective system instruction and
	// takes precedence over any system-role message in Messages.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Metadata for routing and accounting
	TenantID  string `json:"-"`
	RequestID string `json:"-"`
}

// FinishReason is the unified classification of why generation stopped.
type FinishReason string

const (
	FinishStop    FinishReason = "stop"
	FinishLength  FinishReason = "length"
	FinishToolUse FinishReason = "tool_use"
)

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewUsage builds a Usage with TotalTokens derived from the two counters.
// Vendors report their own totals inconsistently, so we never trust them.
func NewUsage(prompt, completion int) Usage {
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

type ChatResponse struct {
	ID           string       `json:"id"`
	Content      string       `json:"content"`
	Model        string       `json:"model"`
	Provider     string       `json:"provider"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
	LatencyMs    int64        `json:"latency_ms,omitempty"`
}

// Chunk is one element of a streamed response. All chunks before the
// terminal one carry Done=false; their Content concatenates to the full
// response text. Exactly one chunk has Done=true and it is the last.
type Chunk struct {
	Content string
	Done    bool
	Err     error
}

// Capability names a feature a provider may or may not support.
type Capability string

const (
	CapabilityVision           Capability = "vision"
	CapabilityToolUse          Capability = "tool_use"
	CapabilityStreaming        Capability = "streaming"
	CapabilityStructuredOutput Capability = "structured_output"
	CapabilitySystemPrompt     Capability = "system_prompt"
)

type Provider interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, req *ChatRequest) (<-chan *Chunk, error)
	Supports(c Capability) bool
	Name() string
	CostPerInputToken() float64 // cost in USD per 1 token
	CostPerOutputToken() float64
	SupportedModels() []string
}

// GenerateText is the plain-string seam other subsystems depend on:
// a single non-streaming completion for a prompt and optional system
// instruction.
func GenerateText(ctx context.Context, p Provider, prompt, systemPrompt string) (string, error) {
	resp, err := p.Chat(ctx, &ChatRequest{
		Messages:     []Message{{Role: RoleUser, Content: prompt}},
		SystemPrompt: systemPrompt,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// EffectiveSystem resolves the system instruction for a request and
// returns the messages with all system-role entries removed. An explicit
// SystemPrompt wins over a system-role message.
func EffectiveSystem(req *ChatRequest) (string, []Message) {
	system := req.SystemPrompt
	rest := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			if system == "" {
				system = m.Content
			}
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

// DefaultMaxTokens applies the 4096-token ceiling both dialects fall
// back to when the caller leaves MaxTokens unset.
func DefaultMaxTokens(req *ChatRequest) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return 4096
}
