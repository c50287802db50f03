package ingest

import (
	"bufio"
	"io"
	"strings"
)

// doneSentinel ends an SSE stream without a JSON body.
const doneSentinel = "[DONE]"

// EventScanner reads server-sent events from a stream, yielding the data
// portion of each event. Comment lines and non-data fields are skipped;
// multi-line data fields are joined with newlines per the SSE format.
type EventScanner struct {
	scanner *bufio.Scanner
	err     error
}

// NewEventScanner wraps r in an SSE event reader. Lines up to 1MB are
// accepted so large whole-message events survive.
func NewEventScanner(r io.Reader) *EventScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &EventScanner{scanner: sc}
}

// Next returns the data of the next event, io.EOF when the stream ends or
// the [DONE] sentinel arrives, or the underlying read error.
func (s *EventScanner) Next() (string, error) {
	if s.err != nil {
		return "", s.err
	}

	var data []string
	for s.scanner.Scan() {
		line := s.scanner.Text()

		if line == "" {
			// Blank line terminates an event.
			if len(data) == 0 {
				continue
			}
			payload := strings.Join(data, "\n")
			if payload == doneSentinel {
				s.err = io.EOF
				return "", io.EOF
			}
			return payload, nil
		}

		if strings.HasPrefix(line, ":") {
			continue // comment / keep-alive
		}
		if value, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimPrefix(value, " "))
		}
		// Other fields (event:, id:, retry:) carry nothing we act on.
	}

	if err := s.scanner.Err(); err != nil {
		s.err = err
		return "", err
	}

	// Stream ended mid-event: flush what we have.
	if len(data) > 0 {
		payload := strings.Join(data, "\n")
		s.err = io.EOF
		if payload == doneSentinel {
			return "", io.EOF
		}
		return payload, nil
	}

	s.err = io.EOF
	return "", io.EOF
}
