// Package intent catches secrets the user discloses in plain prose
// ("my password is X", "log in with X") that no fixed pattern would match.
package intent

import (
	"context"
	"regexp"
	"strings"

	"github.com/gonkalabs/shadowgate/internal/sanitize"
)

// anchors capture the disclosed value in group 1.
var anchors = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:my|our|the)\s+(?:[a-z]+\s+)?(?:password|passcode|passphrase|pin|secret|ssn|api\s+key|token)\s+(?:is|=)\s*:?\s*(\S+)`),
	regexp.MustCompile(`(?i)\bpassword\s+for\s+(?:\S+\s+){1,3}?is\s*:?\s*(\S+)`),
	regexp.MustCompile(`(?i)\b(?:log\s*in|sign\s+in|login)\s+with\s+(\S+)`),
	regexp.MustCompile(`(?i)\buse\s+(?:the\s+)?password\s+(\S+)`),
}

// DefaultStopWords are captures that indicate the sentence did not disclose a
// value ("my password is not working").
var DefaultStopWords = []string{
	"is", "the", "a", "an", "my", "our", "your", "not", "same", "it", "this",
	"that", "empty", "required", "wrong", "incorrect", "invalid", "expired",
	"changed", "blank", "missing", "set", "also", "still", "too", "now",
	"here", "there", "and", "or", "to", "be", "of", "for", "with", "in", "on",
}

const (
	trailingPunct = `.,;:)"'`
	leadingPunct  = `("'`
)

// Detector is the intent strategy.
type Detector struct {
	stop map[string]struct{}
}

// New creates a Detector with DefaultStopWords plus extra.
func New(extra ...string) *Detector {
	d := &Detector{stop: make(map[string]struct{})}
	for _, w := range append(append([]string{}, DefaultStopWords...), extra...) {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			d.stop[w] = struct{}{}
		}
	}
	return d
}

func (d *Detector) Name() string { return "intent" }

func (d *Detector) Detect(_ context.Context, text string) ([]sanitize.Finding, error) {
	var out []sanitize.Finding
	seen := make(map[int]struct{})
	for _, re := range anchors {
		for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
			start, end, ok := d.trim(text, m[2], m[3])
			if !ok {
				continue
			}
			if _, dup := seen[start]; dup {
				continue
			}
			seen[start] = struct{}{}
			out = append(out, sanitize.Finding{
				Kind:   sanitize.KindIntent,
				Value:  text[start:end],
				Start:  start,
				End:    end,
				Method: sanitize.MethodIntent,
			})
		}
	}
	return out, nil
}

// trim strips surrounding punctuation from the captured value and rejects
// stop words and our own placeholders.
func (d *Detector) trim(text string, start, end int) (int, int, bool) {
	for start < end && strings.IndexByte(leadingPunct, text[start]) >= 0 {
		start++
	}
	for end > start && strings.IndexByte(trailingPunct, text[end-1]) >= 0 {
		end--
	}
	if start >= end {
		return 0, 0, false
	}
	val := text[start:end]
	if strings.HasPrefix(val, "[RS-") {
		return 0, 0, false
	}
	if _, stop := d.stop[strings.ToLower(val)]; stop {
		return 0, 0, false
	}
	return start, end, true
}
