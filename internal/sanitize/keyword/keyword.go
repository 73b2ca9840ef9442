// Package keyword flags confidentiality markers ("INTERNAL ONLY", "NDA", ...)
// so the marker itself never leaves the machine.
package keyword

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/gonkalabs/shadowgate/internal/sanitize"
)

// DefaultVocabulary is the built-in list of confidentiality markers.
var DefaultVocabulary = []string{
	"CONFIDENTIAL",
	"INTERNAL ONLY",
	"PROPRIETARY",
	"DRAFT PAPER",
	"RESEARCH CODE",
	"DO NOT SHARE",
	"NDA",
	"RESTRICTED",
	"PRIVATE KEY",
	"SECRET KEY",
	"TOP SECRET",
}

// Detector matches a vocabulary case-insensitively on word boundaries.
type Detector struct {
	re *regexp.Regexp
}

// New builds a Detector for DefaultVocabulary plus extra.
func New(extra ...string) *Detector {
	words := normalize(append(append([]string{}, DefaultVocabulary...), extra...))
	if len(words) == 0 {
		return &Detector{}
	}
	alts := make([]string, len(words))
	for i, w := range words {
		alts[i] = bounded(w)
	}
	return &Detector{re: regexp.MustCompile(`(?i)(?:` + strings.Join(alts, "|") + `)`)}
}

// normalize trims, drops duplicates (case-insensitive) and orders longest
// first so "TOP SECRET" wins over a shorter overlapping entry.
func normalize(words []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		lw := strings.ToLower(w)
		if _, ok := seen[lw]; ok {
			continue
		}
		seen[lw] = struct{}{}
		out = append(out, w)
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

// bounded quotes w and adds \b on each side that starts or ends with a word
// character. Whitespace inside a keyword matches any run of whitespace.
func bounded(w string) string {
	parts := strings.Fields(w)
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	expr := strings.Join(parts, `\s+`)
	if isWord(w[0]) {
		expr = `\b` + expr
	}
	if isWord(w[len(w)-1]) {
		expr += `\b`
	}
	return expr
}

func isWord(b byte) bool {
	return b == '_' || ('0' <= b && b <= '9') || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}

func (d *Detector) Name() string { return "keyword" }

func (d *Detector) Detect(_ context.Context, text string) ([]sanitize.Finding, error) {
	if d.re == nil {
		return nil, nil
	}
	var out []sanitize.Finding
	for _, m := range d.re.FindAllStringIndex(text, -1) {
		out = append(out, sanitize.Finding{
			Kind:   sanitize.KindConfidential,
			Value:  text[m[0]:m[1]],
			Start:  m[0],
			End:    m[1],
			Method: sanitize.MethodKeyword,
		})
	}
	return out, nil
}
