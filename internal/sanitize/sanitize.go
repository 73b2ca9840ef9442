// Package sanitize provides the detect and tokenize halves of the shadowgate
// pipeline. A Scanner runs detection strategies (patterns, NER sidecar,
// keywords, disclosure phrases) over outgoing text, Sanitize replaces each
// finding with a stable [RS-TAG-NN] placeholder recorded in a TokenMap, and
// Restore puts the originals back when the upstream response comes back.
//
// Usage:
//
//	tm := sanitize.NewTokenMap()
//	out := sanitize.Sanitize(text, scanner.Scan(ctx, text), tm)
//	// store tm.Pairs(), send out upstream
//	resp = sanitize.Restore(resp, tm.Reverse())
package sanitize

import (
	"encoding/json"
	"log/slog"
	"slices"
	"sort"
	"strings"
)

// TokenMap holds the bidirectional mapping for one session.
// It is shared by every field sanitized for the same request and must not be
// used from multiple goroutines at once.
type TokenMap struct {
	toToken   map[string]string // original value → [RS-TAG-NN]
	fromToken map[string]string // [RS-TAG-NN] → original value
	kinds     map[string]Kind   // [RS-TAG-NN] → kind of the first finding
	counters  map[string]int    // tag → last number issued
	order     []string          // tokens in issue order
	reserved  map[string]bool   // tokens seen in the payload before sanitizing
}

// NewTokenMap returns an empty TokenMap.
func NewTokenMap() *TokenMap {
	return &TokenMap{
		toToken:   make(map[string]string),
		fromToken: make(map[string]string),
		kinds:     make(map[string]Kind),
		counters:  make(map[string]int),
		reserved:  make(map[string]bool),
	}
}

// Reserve marks every placeholder already present in text as unavailable.
// Callers sanitizing several fields of one payload reserve the whole payload
// first so a token typed into one field is never issued for another.
func (m *TokenMap) Reserve(text string) {
	for _, tok := range FindTokens(text) {
		m.reserved[tok] = true
	}
}

// register records a mapping and returns the placeholder token.
// If the original was already registered, the existing token is returned.
// Tokens already present in src are skipped so a pre-existing placeholder in
// the user's text can never alias a new value.
func (m *TokenMap) register(original string, kind Kind, src string) string {
	if tok, ok := m.toToken[original]; ok {
		return tok
	}
	tag := kind.Tag()
	var tok string
	for {
		m.counters[tag]++
		tok = FormatToken(tag, m.counters[tag])
		if _, taken := m.fromToken[tok]; taken || m.reserved[tok] {
			continue
		}
		if strings.Contains(src, tok) {
			continue
		}
		break
	}
	m.toToken[original] = tok
	m.fromToken[tok] = original
	m.kinds[tok] = kind
	m.order = append(m.order, tok)
	return tok
}

// Token returns the placeholder registered for original.
func (m *TokenMap) Token(original string) (string, bool) {
	tok, ok := m.toToken[original]
	return tok, ok
}

// IsEmpty reports whether no replacements were recorded.
func (m *TokenMap) IsEmpty() bool {
	return len(m.toToken) == 0
}

// Count returns the number of distinct values that were replaced.
func (m *TokenMap) Count() int {
	return len(m.toToken)
}

// Reverse returns a copy of the fake → real mapping used for restoration.
func (m *TokenMap) Reverse() map[string]string {
	out := make(map[string]string, len(m.fromToken))
	for k, v := range m.fromToken {
		out[k] = v
	}
	return out
}

// Pair is one real → fake entry together with its kind.
type Pair struct {
	Real string
	Fake string
	Kind Kind
}

// Pairs returns all recorded replacements in issue order.
func (m *TokenMap) Pairs() []Pair {
	out := make([]Pair, 0, len(m.order))
	for _, tok := range m.order {
		out = append(out, Pair{Real: m.fromToken[tok], Fake: tok, Kind: m.kinds[tok]})
	}
	return out
}

// Sanitize replaces every finding in text with its placeholder and records
// the mapping in tm. Findings are applied right to left (descending Start) so
// a replacement never shifts the offsets of findings not yet processed.
//
// Overlapping findings are resolved deterministically: the finding processed
// first (higher Start, then longer span) is kept and any finding reaching into
// it is dropped.
func Sanitize(text string, findings []Finding, tm *TokenMap) string {
	spans := validFindings(text, findings)
	if len(spans) == 0 {
		return text
	}
	sortFindingsDesc(spans)
	spans = dropOverlaps(spans)

	out := text
	for _, f := range spans {
		tok := tm.register(f.Value, f.Kind, text)
		slog.Debug("sanitize: replaced", "kind", f.Kind, "method", f.Method, "token", tok)
		out = out[:f.Start] + tok + out[f.End:]
	}
	return out
}

// validFindings filters out findings with invalid offsets, offsets that are
// not on rune boundaries, or a value that does not match the text.
func validFindings(text string, findings []Finding) []Finding {
	out := make([]Finding, 0, len(findings))
	for _, f := range findings {
		if f.Start < 0 || f.End > len(text) || f.Start >= f.End {
			continue
		}
		if !isRuneBoundary(text, f.Start) || !isRuneBoundary(text, f.End) {
			continue
		}
		if text[f.Start:f.End] != f.Value {
			continue
		}
		out = append(out, f)
	}
	return out
}

// dropOverlaps removes overlapping findings (assumes sorted descending by Start).
func dropOverlaps(findings []Finding) []Finding {
	out := make([]Finding, 0, len(findings))
	lastStart := -1
	for _, f := range findings {
		if lastStart == -1 || f.End <= lastStart {
			out = append(out, f)
			lastStart = f.Start
			continue
		}
		slog.Debug("sanitize: dropped overlapping finding", "kind", f.Kind, "start", f.Start, "end", f.End)
	}
	return out
}

func sortFindingsDesc(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Start != findings[j].Start {
			return findings[i].Start > findings[j].Start
		}
		return findings[i].End > findings[j].End
	})
}

func isRuneBoundary(s string, i int) bool {
	if i == 0 || i == len(s) {
		return true
	}
	return s[i]&0xC0 != 0x80
}

// Restore replaces all placeholder tokens in text with their original values.
// Tokens without an entry in reverse are left verbatim.
func Restore(text string, reverse map[string]string) string {
	return NewRestorer(reverse, Raw).Restore(text)
}

// Encoding selects how restored values are written into the output.
type Encoding int

const (
	// Raw writes the real value as is.
	Raw Encoding = iota
	// JSON writes the real value escaped for placement inside a JSON string
	// literal. Placeholders only ever occur inside string literals, so this
	// keeps JSON bodies and SSE data lines well-formed.
	JSON
)

// Restorer applies one fake → real mapping to many texts.
type Restorer struct {
	reverse  map[string]string
	tokens   []string
	replacer *strings.Replacer
	maxToken int
}

// NewRestorer builds a Restorer for reverse using enc for the real values.
func NewRestorer(reverse map[string]string, enc Encoding) *Restorer {
	r := &Restorer{reverse: reverse}
	if len(reverse) == 0 {
		return r
	}
	r.tokens = make([]string, 0, len(reverse))
	for tok := range reverse {
		r.tokens = append(r.tokens, tok)
		r.maxToken = max(r.maxToken, len(tok))
	}
	slices.Sort(r.tokens)

	args := make([]string, 0, 2*len(r.tokens))
	for _, tok := range r.tokens {
		val := reverse[tok]
		if enc == JSON {
			val = escapeJSONString(val)
		}
		args = append(args, tok, val)
	}
	r.replacer = strings.NewReplacer(args...)
	return r
}

// IsEmpty reports whether the Restorer has nothing to restore.
func (r *Restorer) IsEmpty() bool {
	return r == nil || r.replacer == nil
}

// Restore replaces every known token in text in a single pass.
func (r *Restorer) Restore(text string) string {
	if r.IsEmpty() || !strings.Contains(text, tokenPrefix) {
		return text
	}
	return r.replacer.Replace(text)
}

// Count returns the number of distinct known tokens present in text.
func (r *Restorer) Count(text string) int {
	if r.IsEmpty() {
		return 0
	}
	n := 0
	for _, tok := range r.tokens {
		if strings.Contains(text, tok) {
			n++
		}
	}
	return n
}

// escapeJSONString returns s encoded as the inside of a JSON string literal.
func escapeJSONString(s string) string {
	var sb strings.Builder
	enc := json.NewEncoder(&sb)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return s
	}
	out := strings.TrimSuffix(sb.String(), "\n")
	return out[1 : len(out)-1]
}
