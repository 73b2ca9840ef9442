// Package ner provides a Strategy that calls the sanitize-ner sidecar over
// HTTP. If the sidecar is unreachable it reports sanitize.ErrUnavailable so
// the rest of the pipeline can still run in degraded mode.
package ner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/sync/semaphore"

	"github.com/gonkalabs/shadowgate/internal/sanitize"
)

// Client calls the NER sidecar's /classify endpoint.
type Client struct {
	url     string
	http    *http.Client
	timeout time.Duration
	sem     *semaphore.Weighted
}

// New creates a NER Client pointing at the given base URL
// (e.g. "http://sanitize-ner:8001"). concurrency bounds in-flight calls.
func New(baseURL string, timeout time.Duration, concurrency int) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Client{
		url:     strings.TrimRight(baseURL, "/") + "/classify",
		http:    &http.Client{Timeout: timeout},
		timeout: timeout,
		sem:     semaphore.NewWeighted(int64(concurrency)),
	}
}

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	Spans []nerSpan `json:"spans"`
}

// nerSpan offsets are code points, as produced by the Python sidecar.
type nerSpan struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Label string `json:"label"`
	Text  string `json:"text"`
}

var labels = map[string]sanitize.Kind{
	"PERSON":   sanitize.KindPerson,
	"PER":      sanitize.KindPerson,
	"ORG":      sanitize.KindOrg,
	"GPE":      sanitize.KindLocation,
	"LOC":      sanitize.KindLocation,
	"LOCATION": sanitize.KindLocation,
}

func (c *Client) Name() string { return "ner" }

// Detect sends text to the NER sidecar and returns entity findings.
// It is safe for concurrent use.
func (c *Client) Detect(ctx context.Context, text string) ([]sanitize.Finding, error) {
	body, err := json.Marshal(classifyRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("ner: marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: ner: waiting for slot: %w", sanitize.ErrUnavailable, err)
	}
	defer c.sem.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ner: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: ner: sidecar unreachable: %w", sanitize.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: ner: unexpected status %d", sanitize.ErrUnavailable, resp.StatusCode)
	}

	var result classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ner: decode: %w", err)
	}

	offsets := runeOffsets(text)
	out := make([]sanitize.Finding, 0, len(result.Spans))
	for _, s := range result.Spans {
		kind, ok := labels[strings.ToUpper(s.Label)]
		if !ok {
			continue
		}
		if s.Start < 0 || s.End >= len(offsets) || s.Start >= s.End {
			slog.Debug("sanitize-ner: span out of range", "start", s.Start, "end", s.End)
			continue
		}
		start, end := offsets[s.Start], offsets[s.End]
		val := text[start:end]
		if looksLikeCode(val) {
			continue
		}
		out = append(out, sanitize.Finding{
			Kind:   kind,
			Value:  val,
			Start:  start,
			End:    end,
			Method: sanitize.MethodNER,
		})
	}
	return out, nil
}

// runeOffsets maps each code point index (plus the end) to its byte offset.
func runeOffsets(text string) []int {
	offsets := make([]int, 0, utf8.RuneCountInString(text)+1)
	for i := range text {
		offsets = append(offsets, i)
	}
	return append(offsets, len(text))
}

// looksLikeCode rejects identifiers the model tends to tag as names:
// pure lowercase words, camelCase, PascalCase with an inner capital, and
// anything containing code punctuation.
func looksLikeCode(s string) bool {
	if strings.ContainsAny(s, "_(){}[]<>=;/\\`$#@") {
		return true
	}
	if strings.ContainsAny(s, " \t") {
		return false
	}
	if parts := strings.Split(s, "-"); len(parts) > 1 {
		for _, p := range parts {
			if looksLikeCode(p) {
				return true
			}
		}
		return false
	}
	runes := []rune(s)
	if len(runes) == 0 {
		return true
	}
	var lower, upper int
	for _, r := range runes {
		switch {
		case unicode.IsLower(r):
			lower++
		case unicode.IsUpper(r):
			upper++
		}
	}
	if upper == 0 && lower == len(runes) {
		return true
	}
	if lower == 0 {
		return false // acronyms such as "IBM"
	}
	for _, r := range runes[1:] {
		if unicode.IsUpper(r) {
			// Mc/Mac/O' surnames are the only inner capitals we accept.
			return !isNamePrefix(runes)
		}
	}
	return false
}

func isNamePrefix(runes []rune) bool {
	upper := 0
	for _, r := range runes {
		if unicode.IsUpper(r) {
			upper++
		}
	}
	if upper != 2 || !unicode.IsUpper(runes[0]) {
		return false
	}
	s := string(runes)
	return strings.HasPrefix(s, "Mc") || strings.HasPrefix(s, "Mac") || strings.HasPrefix(s, "O'")
}
