package npc

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is one parsed server-sent event: an optional event name and its
// accumulated data payload (multiple "data:" lines are joined with "\n",
// per the SSE spec).
type sseEvent struct {
	Name string
	Data string
}

// sseReader splits an event stream's body into sseEvents, one per blank-
// line-terminated block, grounded on the event/data framing
// other_examples/...anthropic-language_model.go.go's `anthropicStream`
// consumes (that file's own parser package was not part of this
// retrieval, so the line-splitting here is original, built directly on
// the publicly documented SSE wire format rather than guessed at).
type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(r io.Reader) *sseReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseReader{scanner: s}
}

// Next returns the next event, or io.EOF once the stream ends.
func (r *sseReader) Next() (sseEvent, error) {
	var ev sseEvent
	var dataLines []string
	sawAny := false
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if sawAny {
				ev.Data = strings.Join(dataLines, "\n")
				return ev, nil
			}
			continue
		}
		sawAny = true
		switch {
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, ":"):
			// comment/keep-alive line, ignored
		}
	}
	if err := r.scanner.Err(); err != nil {
		return sseEvent{}, err
	}
	if sawAny {
		ev.Data = strings.Join(dataLines, "\n")
		return ev, nil
	}
	return sseEvent{}, io.EOF
}
