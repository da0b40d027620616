package provider

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is one server-sent event.
type sseEvent struct {
	Event string
	Data  string
}

// sseReader parses a text/event-stream body line by line.
type sseReader struct {
	scanner *bufio.Scanner

	// truncated is set when the socket closed with a partially
	// buffered event, the signal for a retryable restart.
	truncated bool
}

func newSSEReader(r io.Reader) *sseReader {
	scanner := bufio.NewScanner(r)
	// Tool-call argument deltas can produce long data lines.
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &sseReader{scanner: scanner}
}

// Next returns the next complete event, io.EOF at the end of the
// stream, or the socket error.
func (s *sseReader) Next() (*sseEvent, error) {
	var event sseEvent
	var data []string
	started := false

	for s.scanner.Scan() {
		line := s.scanner.Text()
		line = strings.TrimSuffix(line, "\r")

		if line == "" {
			if !started {
				continue
			}
			event.Data = strings.Join(data, "\n")
			return &event, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event.Event = value
			started = true
		case "data":
			data = append(data, value)
			started = true
		}
	}

	if err := s.scanner.Err(); err != nil {
		s.truncated = started
		return nil, err
	}
	if started {
		// EOF with an unterminated event still in the buffer.
		s.truncated = true
	}
	return nil, io.EOF
}

// Truncated reports whether the stream ended mid-event.
func (s *sseReader) Truncated() bool { return s.truncated }
