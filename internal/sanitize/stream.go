package sanitize

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
)

// EventReader wraps an upstream SSE response body and replaces placeholder
// tokens with their original values before the bytes reach the client.
//
// Chat completion streams deliver text as choices[].delta.content, and a
// model routinely emits one placeholder across several events
// ("Mail [RS-" then "MAIL-01]"). EventReader therefore decodes each data
// event and restores the concatenated delta text per choice, holding back an
// unterminated "[" tail until it closes, grows longer than the longest known
// token, or the choice finishes. Lines that carry no delta text are restored
// byte for byte with JSON-escaped values.
type EventReader struct {
	src  *bufio.Reader
	text *Restorer // raw values, for decoded delta text
	line *Restorer // JSON-escaped values, for lines passed through as is
	held map[int]string
	out  []byte
	err  error
}

// NewEventReader wraps src so that all placeholders known to r are restored.
// If r is nil or empty the original reader is returned unchanged.
func NewEventReader(src io.Reader, r *Restorer) io.Reader {
	if r.IsEmpty() {
		return src
	}
	return &EventReader{
		src:  bufio.NewReader(src),
		text: NewRestorer(r.reverse, Raw),
		line: NewRestorer(r.reverse, JSON),
		held: make(map[int]string),
	}
}

// Read implements io.Reader.
func (er *EventReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(er.out) == 0 {
		if er.err != nil {
			return 0, er.err
		}
		line, err := er.src.ReadBytes('\n')
		if len(line) > 0 {
			er.out = er.processLine(line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				er.out = append(er.out, er.flush()...)
			}
			er.err = err
		}
	}
	n := copy(p, er.out)
	er.out = er.out[n:]
	return n, nil
}

func (er *EventReader) processLine(line []byte) []byte {
	body, nl := cutNewline(line)
	payload, ok := bytes.CutPrefix(body, []byte("data:"))
	if !ok {
		return []byte(er.line.Restore(string(line)))
	}
	payload = bytes.TrimLeft(payload, " ")
	if bytes.Equal(payload, []byte("[DONE]")) {
		return append(er.flush(), line...)
	}

	ev, ok := er.rewrite(payload)
	if !ok {
		return []byte(er.line.Restore(string(line)))
	}
	out := make([]byte, 0, len(ev)+len(nl)+6)
	out = append(out, "data: "...)
	out = append(out, er.line.Restore(string(ev))...)
	return append(out, nl...)
}

// rewrite restores the delta text of every choice in one event. It reports
// false when the event has no delta text to touch, so the caller can pass
// the line through unchanged.
func (er *EventReader) rewrite(payload []byte) ([]byte, bool) {
	var ev map[string]any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&ev); err != nil {
		return nil, false
	}
	choices, _ := ev["choices"].([]any)

	touched := false
	for i, c := range choices {
		choice, ok := c.(map[string]any)
		if !ok {
			continue
		}
		idx := choiceIndex(choice, i)
		delta, _ := choice["delta"].(map[string]any)
		content, _ := delta["content"].(string)
		held := er.held[idx]
		if held == "" && !strings.Contains(content, "[") {
			continue
		}

		text := held + content
		cut := len(text)
		if choice["finish_reason"] == nil {
			cut = holdBack(text, er.text.maxToken)
		}
		if cut < len(text) {
			er.held[idx] = text[cut:]
		} else {
			delete(er.held, idx)
		}
		if delta == nil {
			delta = make(map[string]any)
			choice["delta"] = delta
		}
		delta["content"] = er.text.Restore(text[:cut])
		touched = true
	}
	if !touched {
		return nil, false
	}
	b, err := encodeCompact(ev)
	if err != nil {
		return nil, false
	}
	return b, true
}

// flush emits one event per choice that still has held-back text.
func (er *EventReader) flush() []byte {
	if len(er.held) == 0 {
		return nil
	}
	idxs := make([]int, 0, len(er.held))
	for idx := range er.held {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)

	var out []byte
	for _, idx := range idxs {
		ev := map[string]any{
			"choices": []any{map[string]any{
				"index": idx,
				"delta": map[string]any{"content": er.text.Restore(er.held[idx])},
			}},
		}
		b, err := encodeCompact(ev)
		if err != nil {
			continue
		}
		out = append(out, "data: "...)
		out = append(out, b...)
		out = append(out, "\n\n"...)
	}
	clear(er.held)
	return out
}

// holdBack returns how many leading bytes of s can be restored without
// splitting a token. Placeholders contain exactly one "[" so only the last
// unterminated "[" can start a partial token.
func holdBack(s string, maxToken int) int {
	i := strings.LastIndexByte(s, '[')
	if i < 0 {
		return len(s)
	}
	tail := s[i:]
	if strings.IndexByte(tail, ']') >= 0 || len(tail) >= maxToken {
		return len(s)
	}
	return i
}

func choiceIndex(choice map[string]any, pos int) int {
	if n, ok := choice["index"].(json.Number); ok {
		if v, err := n.Int64(); err == nil {
			return int(v)
		}
	}
	return pos
}

func cutNewline(line []byte) (body, nl []byte) {
	if b, ok := bytes.CutSuffix(line, []byte("\r\n")); ok {
		return b, line[len(b):]
	}
	if b, ok := bytes.CutSuffix(line, []byte("\n")); ok {
		return b, line[len(b):]
	}
	return line, nil
}

func encodeCompact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
