package openai

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// maxSSELineSize bounds a single event-stream line. bufio.Scanner's default
// of 64 KiB is too small for long aggregate output_text payloads.
const maxSSELineSize = 1 << 20

type sseEvent struct {
	Event string
	Data  []byte
}

// eventScanner reads event-stream records from an upstream response body.
type eventScanner struct {
	scanner *bufio.Scanner
}

func newEventScanner(r io.Reader) *eventScanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineSize)
	return &eventScanner{scanner: scanner}
}

// Next returns the next record that carries data. Comment lines and records
// without data are skipped. io.EOF is returned at the end of the body and on
// the "[DONE]" sentinel of the Chat Completions endpoint.
func (s *eventScanner) Next() (sseEvent, error) {
	var (
		event string
		data  []string
	)
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" {
			if len(data) > 0 {
				return sseEvent{Event: event, Data: []byte(strings.Join(data, "\n"))}, nil
			}
			event = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			if value == "[DONE]" {
				return sseEvent{}, io.EOF
			}
			data = append(data, value)
		}
	}
	if err := s.scanner.Err(); err != nil {
		return sseEvent{}, fmt.Errorf("scan event stream: %w", err)
	}
	if len(data) > 0 {
		return sseEvent{Event: event, Data: []byte(strings.Join(data, "\n"))}, nil
	}
	return sseEvent{}, io.EOF
}
