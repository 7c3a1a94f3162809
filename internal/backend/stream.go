package backend

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
)

// StreamEventType is the closed tagged union every backend adapter's
// native event stream is normalized into. A native event that maps to
// none of these is rejected at the decode boundary rather than silently
// dropped, since an adapter silently swallowing an event it doesn't
// understand is how partial responses and miscounted token usage happen.
type StreamEventType string

const (
	EventProgress     StreamEventType = "progress"
	EventToolUse      StreamEventType = "tool_use"
	EventContentBlock StreamEventType = "content_block"
	EventResult       StreamEventType = "result"
	EventError        StreamEventType = "error"
)

// TokenUsage is the per-invocation token accounting the Rate-Limit
// Tracker (C3) consumes.
type TokenUsage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

func (u TokenUsage) Total() int64 { return u.InputTokens + u.OutputTokens }

// StreamEvent is one normalized entry in a backend's decoded event
// stream.
type StreamEvent struct {
	Type     StreamEventType
	Text     string      // content_block/progress text, or the error message for EventError
	ToolName string      // EventToolUse
	SessionID string     // carried by whichever event exposes it (adapter-specific)
	Usage    *TokenUsage // set on EventResult when the provider reports usage
}

// tagMapper turns one raw NDJSON line from a backend's native stream into
// a StreamEvent. ok=false means the native tag is unrecognized and the
// stream should be rejected.
type tagMapper func(line []byte) (StreamEvent, bool, error)

// decodeStream scans data as newline-delimited JSON, applying mapLine to
// each non-blank line, and returns the full ordered list of events. The
// first line that mapLine can't place in the closed tagged union fails
// the whole decode -- a partial, miscategorized response is worse than an
// explicit error the executor can retry.
func decodeStream(data []byte, mapLine tagMapper) ([]StreamEvent, error) {
	var events []StreamEvent

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		event, ok, err := mapLine(line)
		if err != nil {
			return nil, fmt.Errorf("decoding stream event: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("unrecognized stream event tag: %s", truncate(string(line), 200))
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading event stream: %w", err)
	}

	return events, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// foldEvents reduces a decoded event stream into a Response: content_block
// text is concatenated in order, the last EventResult's usage and session
// ID win, and an EventError short-circuits with its message.
func foldEvents(events []StreamEvent, fallbackSessionID string) (Response, error) {
	var content strings.Builder
	resp := Response{SessionID: fallbackSessionID}

	for _, e := range events {
		switch e.Type {
		case EventContentBlock:
			content.WriteString(e.Text)
		case EventResult:
			if e.Text != "" {
				content.WriteString(e.Text)
			}
			if e.Usage != nil {
				resp.Usage = *e.Usage
			}
			if e.SessionID != "" {
				resp.SessionID = e.SessionID
			}
		case EventError:
			return Response{Error: e.Text, SessionID: fallbackSessionID}, fmt.Errorf("backend reported error: %s", e.Text)
		}
	}

	resp.Content = content.String()
	return resp, nil
}
