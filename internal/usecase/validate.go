package usecase

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"chat-relay/internal/domain"
)

const (
	detailEmptyList      = "messages must be a non-empty list"
	messagesSchemaURL    = "chat-messages.json"
	messagesSchemaSource = `{
		"type": "array",
		"minItems": 1,
		"items": {
			"type": "object",
			"required": ["role", "content"],
			"properties": {
				"role": {"type": "string"},
				"content": {"type": "string"}
			}
		}
	}`
)

var messagesSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(messagesSchemaSource), &doc); err != nil {
		return nil, fmt.Errorf("usecase: parse messages schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(messagesSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("usecase: add messages schema: %w", err)
	}
	schema, err := compiler.Compile(messagesSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("usecase: compile messages schema: %w", err)
	}
	return schema, nil
})

// ParseMessages decodes and validates a request body holding a JSON array of
// {role, content} objects. Unknown fields on a message are ignored.
func ParseMessages(body []byte) ([]domain.ChatMessage, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, newError(ErrorInvalidInput, "malformed_body", detailEmptyList, err)
	}
	list, ok := doc.([]any)
	if !ok || len(list) == 0 {
		return nil, newError(ErrorInvalidInput, "empty_message_list", detailEmptyList, nil)
	}

	schema, err := messagesSchema()
	if err != nil {
		return nil, newError(ErrorInternal, "schema_unavailable", "message schema unavailable", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, newError(ErrorInvalidInput, "malformed_message", malformedDetail(list), err)
	}

	messages := make([]domain.ChatMessage, 0, len(list))
	if err := json.Unmarshal(body, &messages); err != nil {
		return nil, newError(ErrorInvalidInput, "malformed_message", detailEmptyList, err)
	}
	return messages, nil
}

// ValidateMessages checks an already decoded message list.
func ValidateMessages(messages []domain.ChatMessage) error {
	if len(messages) == 0 {
		return newError(ErrorInvalidInput, "empty_message_list", detailEmptyList, nil)
	}
	return nil
}

// malformedDetail names the first entry that is not a {role, content} object.
func malformedDetail(list []any) string {
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return fmt.Sprintf("messages[%d] must be an object with string role and content", i)
		}
		for _, field := range []string{"role", "content"} {
			v, present := obj[field]
			if !present {
				return fmt.Sprintf("messages[%d].%s is required", i, field)
			}
			if _, isString := v.(string); !isString {
				return fmt.Sprintf("messages[%d].%s must be a string", i, field)
			}
		}
	}
	return "messages must be a list of objects with string role and content"
}
