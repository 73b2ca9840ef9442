package sanitize

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"slices"
	"strconv"
	"strings"
)

// DefaultFields are the JSON paths scanned in a request body. They cover the
// OpenAI chat and responses formats (string or multi-part content), plain
// completion prompts and the ChatGPT web "parts" payload.
var DefaultFields = []string{
	"messages.*.content",
	"messages.*.content.*.text",
	"prompt",
	"input",
	"input.*.content",
	"input.*.content.*.text",
	"**.parts.*",
	"text",
}

// FieldSet is an allowlist of JSON paths. Paths are dot-separated; "*"
// matches any single key or array index and "**" matches any number of
// segments, including none.
type FieldSet struct {
	paths [][]string
}

// NewFieldSet compiles paths into a FieldSet. Empty paths are ignored.
func NewFieldSet(paths ...string) *FieldSet {
	fs := &FieldSet{}
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		fs.paths = append(fs.paths, strings.Split(p, "."))
	}
	return fs
}

// Match reports whether path is covered by at least one allowlisted pattern.
func (fs *FieldSet) Match(path []string) bool {
	for _, p := range fs.paths {
		if matchPath(p, path) {
			return true
		}
	}
	return false
}

func matchPath(pattern, path []string) bool {
	if len(pattern) == 0 {
		return len(path) == 0
	}
	if pattern[0] == "**" {
		for i := 0; i <= len(path); i++ {
			if matchPath(pattern[1:], path[i:]) {
				return true
			}
		}
		return false
	}
	if len(path) == 0 {
		return false
	}
	if pattern[0] != "*" && pattern[0] != path[0] {
		return false
	}
	return matchPath(pattern[1:], path[1:])
}

// Rewrite walks v and replaces every string leaf whose path matches the set
// with fn's return value. It reports how many leaves fn changed. Maps and
// slices are modified in place.
func (fs *FieldSet) Rewrite(v any, fn func(path []string, s string) string) (any, int) {
	changed := 0
	out := fs.walk(v, nil, fn, &changed)
	return out, changed
}

func (fs *FieldSet) walk(v any, path []string, fn func([]string, string) string, changed *int) any {
	switch x := v.(type) {
	case map[string]any:
		// Sorted keys keep token numbering stable across runs.
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			x[k] = fs.walk(x[k], append(path, k), fn, changed)
		}
		return x
	case []any:
		for i, child := range x {
			x[i] = fs.walk(child, append(path, strconv.Itoa(i)), fn, changed)
		}
		return x
	case string:
		if !fs.Match(path) {
			return x
		}
		p := make([]string, len(path))
		copy(p, path)
		if s := fn(p, x); s != x {
			*changed++
			return s
		}
		return x
	default:
		return v
	}
}

var errTrailingData = errors.New("sanitize: trailing data after JSON value")

// DecodeJSON parses body into a generic value. Numbers are kept as
// json.Number so re-encoding never changes their textual form.
func DecodeJSON(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errTrailingData
	}
	return v, nil
}

// EncodeJSON serializes v without HTML escaping so placeholders and user
// text keep their original characters.
func EncodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
