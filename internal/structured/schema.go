package structured

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// JSONSchema validates documents against a JSON Schema and is the
// default Validator implementation.
type JSONSchema struct {
	schema      *gojsonschema.Schema
	description string
}

// NewJSONSchema compiles a raw JSON Schema document.
func NewJSONSchema(raw json.RawMessage) (*JSONSchema, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid json schema: %w", err)
	}

	var pretty bytes.Buffer
	description := string(raw)
	if err := json.Indent(&pretty, raw, "", "  "); err == nil {
		description = pretty.String()
	}

	return &JSONSchema{schema: schema, description: description}, nil
}

func (s *JSONSchema) Describe() string {
	return s.description
}

func (s *JSONSchema) Validate(data []byte) error {
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
