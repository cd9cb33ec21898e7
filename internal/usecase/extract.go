package usecase

import (
	"encoding/json"
	"fmt"
	"strings"

	"chat-relay/internal/domain"
)

// ExtractFragment returns the text one provider chunk contributes to the
// answer. A delta-style incremental field wins; the aggregate output_text
// field is the fallback; otherwise the chunk contributes nothing.
//
// The field names are provider specific. Keep all knowledge of them here.
func ExtractFragment(chunk domain.Chunk) (string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(chunk.Data, &obj); err != nil {
		return "", fmt.Errorf("decode chunk: %w", err)
	}
	if text := deltaText(obj); text != "" {
		return text, nil
	}
	if raw, ok := obj["output_text"]; ok {
		return stringField(raw), nil
	}
	return "", nil
}

func deltaText(obj map[string]json.RawMessage) string {
	if raw, ok := obj["delta"]; ok {
		// Responses API: {"type":"response.output_text.delta","delta":"..."}.
		// Other *.delta events (reasoning, tool arguments) are not answer text.
		if s := stringField(raw); s != "" {
			if typ := stringField(obj["type"]); typ == "" || strings.HasSuffix(typ, "output_text.delta") {
				return s
			}
			return ""
		}
		var nested struct {
			Content *string `json:"content"`
			Text    *string `json:"text"`
		}
		if json.Unmarshal(raw, &nested) == nil {
			if nested.Content != nil && *nested.Content != "" {
				return *nested.Content
			}
			if nested.Text != nil {
				return *nested.Text
			}
		}
	}

	// Chat Completions: {"choices":[{"delta":{"content":"..."}}]}
	if raw, ok := obj["choices"]; ok {
		var choices []struct {
			Delta struct {
				Content *string `json:"content"`
			} `json:"delta"`
		}
		if json.Unmarshal(raw, &choices) == nil {
			var b strings.Builder
			for _, c := range choices {
				if c.Delta.Content != nil {
					b.WriteString(*c.Delta.Content)
				}
			}
			return b.String()
		}
	}
	return ""
}

func stringField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
