package structured

import (
	"strings"
	"testing"
)

func TestNewJSONSchema_Invalid(t *testing.T) {
	_, err := NewJSONSchema([]byte(`{"type": 42}`))
	if err == nil {
		t.Fatal("Expected error for invalid schema")
	}
}

func TestJSONSchema_Describe(t *testing.T) {
	s := mustSchema(t, `{"type":"object","properties":{"name":{"type":"string"}}}`)
	desc := s.Describe()
	if !strings.Contains(desc, `"name"`) {
		t.Errorf("Expected property name in description, got %q", desc)
	}
	// Pretty-printed, not the raw single line.
	if !strings.Contains(desc, "\n") {
		t.Errorf("Expected indented description, got %q", desc)
	}
}

func TestJSONSchema_Validate(t *testing.T) {
	s := mustSchema(t, personSchema)

	if err := s.Validate([]byte(`{"name": "Alice", "age": 30}`)); err != nil {
		t.Errorf("Expected valid document to pass, got %v", err)
	}

	err := s.Validate([]byte(`{"name": "Alice"}`))
	if err == nil {
		t.Fatal("Expected missing required field to fail")
	}
	if !strings.Contains(err.Error(), "age") {
		t.Errorf("Expected error naming the missing field, got %v", err)
	}
}
