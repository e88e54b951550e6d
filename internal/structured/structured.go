// Package structured coerces chat completions into caller-defined
// schemas. It is a higher-order consumer of a provider's non-streaming
// Chat: it constrains the prompt, parses the model output as JSON and
// validates it, surfacing every failure as a PARSE_ERROR.
package structured

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vnmchuo/chat-gateway/internal/provider"
)

// Validator is the schema abstraction the extractor depends on; it is
// deliberately ignorant of any particular schema library.
type Validator interface {
	// Describe returns a human-readable schema description injected into
	// the system prompt.
	Describe() string
	// Validate checks a candidate JSON document against the schema.
	Validate(data []byte) error
}

type Options struct {
	Model        string
	Prompt       string             // single user prompt, exclusive with Messages
	Messages     []provider.Message // full conversation
	SystemPrompt string
	MaxTokens    int
	Temperature  *float64 // defaults to 0 for deterministic extraction
	Schema       Validator
}

type Result struct {
	Data  json.RawMessage `json:"data"`
	Model string          `json:"model"`
	Usage provider.Usage  `json:"usage"`
}

// excerptLen bounds how much offending model output a PARSE_ERROR quotes.
const excerptLen = 160

// Generate runs a schema-constrained extraction against p. Parse and
// validation failures are deterministic for a given model output, so
// they are never retried here.
func Generate(ctx context.Context, p provider.Provider, opts Options) (*Result, error) {
	if opts.Schema == nil {
		return nil, &provider.Error{
			Code:     provider.ErrInvalidReq,
			Message:  "schema is required",
			Provider: p.Name(),
		}
	}

	messages := opts.Messages
	if opts.Prompt != "" {
		messages = []provider.Message{{Role: provider.RoleUser, Content: opts.Prompt}}
	}

	temperature := opts.Temperature
	if temperature == nil {
		zero := 0.0
		temperature = &zero
	}

	resp, err := p.Chat(ctx, &provider.ChatRequest{
		Model:        opts.Model,
		Messages:     messages,
		MaxTokens:    opts.MaxTokens,
		Temperature:  temperature,
		SystemPrompt: schemaPrompt(opts.SystemPrompt, opts.Schema),
	})
	if err != nil {
		return nil, err
	}

	raw := stripFences(resp.Content)

	var data json.RawMessage
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, &provider.Error{
			Code:     provider.ErrParse,
			Message:  fmt.Sprintf("model output is not valid JSON: %v: %s", err, excerpt(raw)),
			Provider: p.Name(),
		}
	}

	if err := opts.Schema.Validate(data); err != nil {
		return nil, &provider.Error{
			Code:     provider.ErrParse,
			Message:  fmt.Sprintf("model output failed schema validation: %v", err),
			Provider: p.Name(),
		}
	}

	return &Result{Data: data, Model: resp.Model, Usage: resp.Usage}, nil
}

func schemaPrompt(base string, schema Validator) string {
	var sb strings.Builder
	if base != "" {
		sb.WriteString(base)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Respond with a single JSON value conforming to this schema:\n")
	sb.WriteString(schema.Describe())
	sb.WriteString("\nOutput only the JSON. No prose, no code fences.")
	return sb.String()
}

// stripFences removes leading/trailing markdown code-fence markers that
// models add despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop a language tag on the opening fence ("json", "yaml", ...).
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func excerpt(s string) string {
	if len(s) > excerptLen {
		return s[:excerptLen] + "..."
	}
	return s
}
