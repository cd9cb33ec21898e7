package domain

import "encoding/json"

// ChatMessage is the provider-agnostic chat message shape accepted by the
// handler and forwarded to LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chunk is a single record read from the provider's event stream.
type Chunk struct {
	Event string
	Data  json.RawMessage
}
