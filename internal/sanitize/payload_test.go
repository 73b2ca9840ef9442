package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldSet_Match(t *testing.T) {
	fs := NewFieldSet(DefaultFields...)

	cases := []struct {
		path string
		want bool
	}{
		{"messages.0.content", true},
		{"messages.3.content.1.text", true},
		{"messages.0.role", false},
		{"messages.0.content.1.type", false},
		{"prompt", true},
		{"input", true},
		{"input.2.content.0.text", true},
		{"parts.0", true},
		{"message.content.parts.0", true},
		{"a.b.c.parts.4", true},
		{"parts", false},
		{"model", false},
		{"text", true},
		{"meta.text", false},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			assert.Equal(t, tc.want, fs.Match(strings.Split(tc.path, ".")))
		})
	}
}

func TestFieldSet_IgnoresEmptyPaths(t *testing.T) {
	fs := NewFieldSet("", "  ", "a.*")
	assert.True(t, fs.Match([]string{"a", "b"}))
	assert.False(t, fs.Match([]string{"a"}))
	assert.False(t, NewFieldSet().Match([]string{"a"}))
}

func TestFieldSet_RewriteChatBody(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"temperature": 0.70,
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": [
				{"type": "text", "text": "mail bob@x.io"},
				{"type": "image_url", "image_url": {"url": "https://x.io/a.png?bob@x.io"}}
			]}
		]
	}`)
	v, err := DecodeJSON(body)
	require.NoError(t, err)

	var visited []string
	v, changed := NewFieldSet(DefaultFields...).Rewrite(v, func(path []string, s string) string {
		visited = append(visited, strings.Join(path, "."))
		return strings.ReplaceAll(s, "bob@x.io", "[RS-MAIL-01]")
	})
	assert.Equal(t, 1, changed)
	assert.Equal(t, []string{"messages.0.content", "messages.1.content.0.text"}, visited)

	out, err := EncodeJSON(v)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"text":"mail [RS-MAIL-01]"`)
	assert.Contains(t, string(out), `"url":"https://x.io/a.png?bob@x.io"`, "non-allowlisted fields are untouched")
	assert.Contains(t, string(out), `"temperature":0.70`, "numbers keep their text form")
}

func TestFieldSet_RewriteChatGPTParts(t *testing.T) {
	v, err := DecodeJSON([]byte(`{"action":"next","messages":[{"content":{"content_type":"text","parts":["call 555-123-4567"]}}]}`))
	require.NoError(t, err)

	_, changed := NewFieldSet(DefaultFields...).Rewrite(v, func(_ []string, s string) string {
		return strings.ReplaceAll(s, "555-123-4567", "[RS-PHONE-01]")
	})
	assert.Equal(t, 1, changed)
}

func TestDecodeJSON_Malformed(t *testing.T) {
	for _, in := range []string{"", "not json", `{"a":1} trailing`, `{"a":`} {
		_, err := DecodeJSON([]byte(in))
		assert.Error(t, err, "input %q", in)
	}
}

func TestEncodeJSON_NoHTMLEscaping(t *testing.T) {
	out, err := EncodeJSON(map[string]any{"content": "<b>&</b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"content":"<b>&</b>"}`, string(out))
}
