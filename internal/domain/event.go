package domain

type EventType string

const (
	EventDelta EventType = "delta"
	EventError EventType = "error"
	EventDone  EventType = "done"
)

// ChunkEvent is the normalized payload written to the client for each
// relayed step. Only the field matching Type is populated.
type ChunkEvent struct {
	Type    EventType `json:"type"`
	Text    string    `json:"text,omitempty"`
	Message string    `json:"message,omitempty"`
}

func DeltaEvent(text string) ChunkEvent {
	return ChunkEvent{Type: EventDelta, Text: text}
}

func ErrorEvent(message string) ChunkEvent {
	return ChunkEvent{Type: EventError, Message: message}
}

func DoneEvent() ChunkEvent {
	return ChunkEvent{Type: EventDone}
}
