// Package stream incrementally decodes automation-backend responses.
//
// A response arrives in one of three wire shapes: a text/event-stream of
// data: frames, a single JSON object, or raw text. The shape is decided
// once per response from the declared content type; decoding is
// single-pass and deltas are produced strictly in arrival order.
package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"strings"
)

// Delta is one normalized fragment of assistant output. Final marks the
// end of the response: its Text carries the remaining fragment, if any.
type Delta struct {
	Text  string
	Final bool
}

// Format is the wire shape of a response body.
type Format int

const (
	FormatText Format = iota
	FormatEventStream
	FormatJSON
)

const doneMarker = "[DONE]"

// DetectFormat picks the decode path from a Content-Type header value.
// Anything that is not an event stream is buffered and first tried as
// JSON, so JSON bodies served as text/plain still decode.
func DetectFormat(contentType string) Format {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	if mt == "text/event-stream" {
		return FormatEventStream
	}
	return FormatJSON
}

// Decode consumes body and invokes emit for each delta, returning the
// accumulated full text. A nil emit is allowed. An empty body yields zero
// deltas and an empty accumulator; callers decide whether that is an
// error.
func Decode(contentType string, body io.Reader, emit func(Delta)) (string, error) {
	if emit == nil {
		emit = func(Delta) {}
	}
	if DetectFormat(contentType) == FormatEventStream {
		return decodeEventStream(body, emit)
	}
	return decodeBuffered(body, emit)
}

// eventFrame is the JSON payload of one data: line.
type eventFrame struct {
	Text string `json:"text"`
}

// decodeEventStream parses data: lines, blank-line separated, terminated
// by [DONE]. Each payload is JSON-decoded to extract its text field,
// falling back to the raw payload when it is not JSON. A trailing line
// without a newline is never emitted; the reader buffers it until the
// next chunk, and at EOF it is dropped, matching event-stream framing.
func decodeEventStream(body io.Reader, emit func(Delta)) (string, error) {
	var full strings.Builder
	r := bufio.NewReader(body)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return full.String(), fmt.Errorf("read event stream: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimPrefix(line, "data:")
		payload = strings.TrimPrefix(payload, " ")
		if payload == doneMarker {
			break
		}
		fragment := payload
		var frame eventFrame
		if json.Unmarshal([]byte(payload), &frame) == nil {
			fragment = frame.Text
		}
		if fragment == "" {
			continue
		}
		full.WriteString(fragment)
		emit(Delta{Text: fragment})
	}
	emit(Delta{Final: true})
	return full.String(), nil
}

// decodeBuffered reads the whole body, tries a single JSON decode picking
// the first present of output, text, message, and otherwise treats the
// body as plain text.
func decodeBuffered(body io.Reader, emit func(Delta)) (string, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}
	text := extractText(raw)
	if text == "" {
		return "", nil
	}
	emit(Delta{Text: text, Final: true})
	return text, nil
}

func extractText(raw []byte) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return ""
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		for _, field := range []string{"output", "text", "message"} {
			v, ok := obj[field]
			if !ok {
				continue
			}
			var s string
			if json.Unmarshal(v, &s) == nil {
				return s
			}
			// Non-string field, fall back to its raw JSON rendering.
			return string(v)
		}
		return trimmed
	}
	return trimmed
}
