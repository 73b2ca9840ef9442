// Package pattern provides the regex strategy: fixed-shape secrets and PII
// such as emails, phone numbers, cloud keys and card numbers.
package pattern

import (
	"context"
	"fmt"
	"regexp"

	"github.com/gonkalabs/shadowgate/internal/sanitize"
)

// Rule is one detection pattern. When Group > 0 only that sub-match is
// reported, so a rule can anchor on a label ("password:") without replacing it.
type Rule struct {
	Kind     sanitize.Kind
	Re       *regexp.Regexp
	Group    int
	Validate func(string) bool
}

// NewRule compiles expr into a Rule.
func NewRule(kind sanitize.Kind, expr string, group int) (Rule, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Rule{}, fmt.Errorf("pattern: compile %s: %w", kind, err)
	}
	if group < 0 || group > re.NumSubexp() {
		return Rule{}, fmt.Errorf("pattern: %s: group %d out of range (%d groups)", kind, group, re.NumSubexp())
	}
	return Rule{Kind: kind, Re: re, Group: group}, nil
}

// cardExpr accepts an unbroken 13-16 digit run or the printed group shapes
// 4-4-4-(1..4) and 4-6-5 with one consistent separator. Free-form digit
// runs would span lists of phone numbers.
const cardExpr = `\b(?:\d{13,16}` +
	`|\d{4} \d{4} \d{4} \d{1,4}|\d{4}-\d{4}-\d{4}-\d{1,4}` +
	`|\d{4} \d{6} \d{5}|\d{4}-\d{6}-\d{5})\b`

const octet = `(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)`

// DefaultRules returns the built-in rule set. Order matters: a span claimed
// by an earlier rule is never reported again by a later one.
func DefaultRules() []Rule {
	return []Rule{
		{Kind: sanitize.KindAWSKey, Re: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
		{Kind: sanitize.KindGitHubToken, Re: regexp.MustCompile(`\bghp_[A-Za-z0-9]{36}\b`)},
		{Kind: sanitize.KindSlackToken, Re: regexp.MustCompile(`\bxox[pbao]-[0-9A-Za-z-]{10,}`)},
		{Kind: sanitize.KindAPIKey, Re: regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{8,}`)},
		{Kind: sanitize.KindEmail, Re: regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)},
		{Kind: sanitize.KindCreditCard, Re: regexp.MustCompile(cardExpr), Validate: luhn},
		{Kind: sanitize.KindSSN, Re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
		{Kind: sanitize.KindPhone, Re: regexp.MustCompile(`(?:\+\d{1,3}[-. ]?)?(?:\(\d{3}\)|\b\d{3})[-. ]?\d{3}[-. ]?\d{4}\b`)},
		{Kind: sanitize.KindIPv4, Re: regexp.MustCompile(`\b` + octet + `(?:\.` + octet + `){3}\b`)},
		{Kind: sanitize.KindBudget, Re: regexp.MustCompile(`\$\d+(?:,\d{3})*(?:\.\d+)?[kKmMbB]?\b`)},
		{
			Kind:  sanitize.KindCredential,
			Re:    regexp.MustCompile(`(?i)\b(?:password|passwd|pwd|api[_-]?key|secret|token)\s*[:=]\s*["']?([^\s"',;]+)`),
			Group: 1,
		},
	}
}

// Detector runs a list of rules.
type Detector struct {
	rules []Rule
}

// New creates a Detector. With no rules the defaults are used; extra rules
// are appended after the defaults by passing DefaultRules() first.
func New(rules ...Rule) *Detector {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Detector{rules: rules}
}

func (d *Detector) Name() string { return "pattern" }

// Detect returns every rule match. Matches overlapping a span already claimed
// by an earlier rule are skipped.
func (d *Detector) Detect(ctx context.Context, text string) ([]sanitize.Finding, error) {
	var out []sanitize.Finding
	var claimed [][2]int
	for _, r := range d.rules {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		for _, m := range r.Re.FindAllStringSubmatchIndex(text, -1) {
			start, end := m[2*r.Group], m[2*r.Group+1]
			if start < 0 || start == end {
				continue
			}
			val := text[start:end]
			if r.Validate != nil && !r.Validate(val) {
				continue
			}
			if overlaps(claimed, start, end) {
				continue
			}
			claimed = append(claimed, [2]int{start, end})
			out = append(out, sanitize.Finding{
				Kind:   r.Kind,
				Value:  val,
				Start:  start,
				End:    end,
				Method: sanitize.MethodRegex,
			})
		}
	}
	return out, nil
}

func overlaps(spans [][2]int, start, end int) bool {
	for _, s := range spans {
		if start < s[1] && s[0] < end {
			return true
		}
	}
	return false
}

// luhn validates a card number, ignoring spaces and dashes.
func luhn(s string) bool {
	sum, n := 0, 0
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c == ' ' || c == '-' {
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if n%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		n++
	}
	return n >= 13 && n <= 16 && sum%10 == 0
}
