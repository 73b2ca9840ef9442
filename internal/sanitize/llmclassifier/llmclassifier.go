// Package llmclassifier provides a Strategy that asks a local
// OpenAI-compatible LLM (e.g. Ollama with qwen3:4b) for sensitive values
// the other strategies cannot catch, such as passwords mentioned in prose.
//
// The model returns the sensitive strings verbatim rather than byte
// offsets, because small models get offsets wrong. Go code locates them in
// the original text itself.
package llmclassifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gonkalabs/shadowgate/internal/sanitize"
)

const systemPrompt = `Extract sensitive data from the text. Return a JSON array of objects {"value": "<exact string>", "type": "<TYPE>"}. Return [] if nothing sensitive found.

TYPE is one of:
- CREDENTIAL: passwords, passphrases, API keys and tokens, private keys
- PERSON: full person names with first and last name
- ORG: company or organisation names that look internal or confidential
- CONFIDENTIAL: project code names, internal figures, anything explicitly marked secret

Do NOT flag: [RS-...] placeholders, city names alone, common words, dates, regular numbers.

Return ONLY the JSON array. No explanation.

Examples:
Input: "the staging password is tr0ub4dor&3"
Output: [{"value": "tr0ub4dor&3", "type": "CREDENTIAL"}]

Input: "ask John Smith about it"
Output: [{"value": "John Smith", "type": "PERSON"}]

Input: "how are you?"
Output: []`

// Client calls a local LLM to detect semantically sensitive values.
type Client struct {
	url     string
	model   string
	http    *http.Client
	timeout time.Duration
}

// New creates a Client. baseURL is the Ollama (or any OpenAI-compatible)
// server, e.g. "http://ollama:11434".
func New(baseURL, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Client{
		url:     strings.TrimRight(baseURL, "/") + "/v1/chat/completions",
		model:   model,
		http:    &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	// Hint to disable chain-of-thought (Qwen3 and some others honour it).
	// stripThinkBlock handles models that ignore it.
	Think bool `json:"think"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			Reasoning        string `json:"reasoning"`         // Qwen3 via Ollama
			ReasoningContent string `json:"reasoning_content"` // Qwen3 direct API
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// item is one element of the model's answer. Bare strings are accepted too.
type item struct {
	Value string `json:"value"`
	Type  string `json:"type"`
}

func (it *item) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &it.Value)
	}
	type plain item
	return json.Unmarshal(b, (*plain)(it))
}

func (c *Client) Name() string { return "llm" }

// Detect sends text to the LLM and returns the values it flags.
// It is safe for concurrent use.
func (c *Client) Detect(ctx context.Context, text string) ([]sanitize.Finding, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			// /no_think is Qwen3's control token to skip thinking.
			{Role: "user", Content: "Text to classify:\n" + text + "\n/no_think"},
		},
		MaxTokens: 2048,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: llm: unreachable: %w", sanitize.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: llm: status %d: %s", sanitize.ErrUnavailable, resp.StatusCode, snippet)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, nil
	}

	choice := out.Choices[0]
	if choice.FinishReason == "length" {
		slog.Warn("llmclassifier: response truncated by token limit")
	}

	// If content is empty the model spent its tokens thinking; the answer may
	// still be in the reasoning field.
	raw := strings.TrimSpace(choice.Message.Content)
	if raw == "" {
		raw = strings.TrimSpace(choice.Message.Reasoning)
	}
	if raw == "" {
		raw = strings.TrimSpace(choice.Message.ReasoningContent)
	}
	items, err := parseItems(raw)
	if err != nil {
		// A model that rambles is not an outage, just nothing usable.
		slog.Debug("llmclassifier: unparseable answer", "err", err)
		return nil, nil
	}

	findings := locate(text, items)
	if len(findings) > 0 {
		slog.Debug("llmclassifier: detected values", "count", len(findings))
	}
	return findings, nil
}

func parseItems(raw string) ([]item, error) {
	content := stripCodeFence(stripThinkBlock(raw))
	content = extractJSONArray(content)
	var items []item
	if err := json.Unmarshal([]byte(content), &items); err != nil {
		return nil, err
	}
	return items, nil
}

// locate maps each flagged value to its first word-aligned occurrence.
// The scanner expands the rest.
func locate(text string, items []item) []sanitize.Finding {
	var out []sanitize.Finding
	seen := make(map[string]bool)
	for _, it := range items {
		val := strings.TrimSpace(it.Value)
		if val == "" || seen[val] || len(sanitize.FindTokens(val)) > 0 {
			continue
		}
		seen[val] = true

		kind, ok := sanitize.ParseKind(strings.ToUpper(strings.TrimSpace(it.Type)))
		if !ok {
			kind = sanitize.KindCredential
		}

		from := 0
		for {
			idx := strings.Index(text[from:], val)
			if idx < 0 {
				break
			}
			start := from + idx
			end := start + len(val)
			if isInsideToken(text, start, end) {
				from = end
				continue
			}
			out = append(out, sanitize.Finding{
				Kind:   kind,
				Value:  val,
				Start:  start,
				End:    end,
				Method: sanitize.MethodLLM,
			})
			break
		}
	}
	return out
}

// isInsideToken reports whether span [start,end) sits inside a larger word,
// e.g. "sd@yandex.ru" inside "asd@yandex.ru".
func isInsideToken(text string, start, end int) bool {
	if start > 0 && !isBoundary(text[start-1]) {
		return true
	}
	if end < len(text) && !isBoundary(text[end]) {
		return true
	}
	return false
}

func isBoundary(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '<', '>', ',', ';', ':', '.', '!', '?', '(', ')', '[', ']', '{', '}', '"', '\'', '`':
		return true
	}
	return false
}

// extractJSONArray returns the outermost [...] substring of s, or s itself.
func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	if start < 0 {
		return s
	}
	end := strings.LastIndex(s, "]")
	if end < start {
		return s
	}
	return s[start : end+1]
}

// stripThinkBlock removes a <think>...</think> block that some models emit
// before the answer.
func stripThinkBlock(s string) string {
	const open, close = "<think>", "</think>"
	start := strings.Index(s, open)
	if start < 0 {
		return s
	}
	end := strings.Index(s, close)
	if end < 0 {
		return strings.TrimSpace(s[:start])
	}
	return strings.TrimSpace(s[:start] + s[end+len(close):])
}

// stripCodeFence removes ```json ... ``` wrappers.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	return s
}
