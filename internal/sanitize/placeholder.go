package sanitize

import (
	"fmt"
	"regexp"
)

// The placeholder envelope is shared by token generation, detector
// exclusion and rehydration. Changing it changes all three.
const (
	tokenPrefix = "[RS-"
	tokenSuffix = "]"
)

// placeholderRe matches our own [RS-TAG-NN] markers.
var placeholderRe = regexp.MustCompile(`\[RS-[A-Z]+-\d{2,}\]`)

// FormatToken builds the placeholder for the n-th value carrying tag.
func FormatToken(tag string, n int) string {
	return fmt.Sprintf("%s%s-%02d%s", tokenPrefix, tag, n, tokenSuffix)
}

// IsToken reports whether s is exactly one placeholder.
func IsToken(s string) bool {
	loc := placeholderRe.FindStringIndex(s)
	return loc != nil && loc[0] == 0 && loc[1] == len(s)
}

// FindTokens returns the distinct placeholders in text in order of first appearance.
func FindTokens(text string) []string {
	all := placeholderRe.FindAllString(text, -1)
	if len(all) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(all))
	out := make([]string, 0, len(all))
	for _, tok := range all {
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

// tokenSpans returns the byte ranges of every placeholder in text.
func tokenSpans(text string) [][]int {
	return placeholderRe.FindAllStringIndex(text, -1)
}
