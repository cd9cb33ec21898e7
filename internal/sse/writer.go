package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"chat-relay/internal/domain"
)

const ContentType = "text/event-stream"

type flusher interface {
	Flush()
}

// Writer encodes ChunkEvents as event-stream records and flushes each one
// to the underlying connection as soon as it is written.
type Writer struct {
	w       io.Writer
	flusher flusher
}

func NewWriter(w io.Writer) (*Writer, error) {
	if w == nil {
		return nil, errors.New("sse: writer must not be nil")
	}
	f, _ := w.(flusher)
	return &Writer{w: w, flusher: f}, nil
}

// Send writes one record. Done events additionally carry an "event: done" line.
func (w *Writer) Send(ev domain.ChunkEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sse: encode event: %w", err)
	}
	name := ""
	if ev.Type == domain.EventDone {
		name = string(domain.EventDone)
	}
	if _, err := io.WriteString(w.w, Format(name, string(data))); err != nil {
		return fmt.Errorf("sse: write event: %w", err)
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// Format renders a single record: an optional event line, one data line per
// line of data, and the terminating blank line.
func Format(event, data string) string {
	var b strings.Builder
	if event != "" {
		b.WriteString("event: ")
		b.WriteString(event)
		b.WriteByte('\n')
	}
	for _, line := range splitLines(data) {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.String()
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}
