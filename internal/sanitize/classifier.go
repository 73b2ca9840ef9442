package sanitize

import (
	"context"
	"errors"
)

// Kind is the entity class of a detected value.
type Kind string

const (
	KindEmail        Kind = "EMAIL"
	KindPhone        Kind = "PHONE"
	KindAPIKey       Kind = "API_KEY"
	KindAWSKey       Kind = "AWS_KEY"
	KindGitHubToken  Kind = "GITHUB_TOKEN"
	KindSlackToken   Kind = "SLACK_TOKEN"
	KindSSN          Kind = "SSN"
	KindIPv4         Kind = "IPV4"
	KindCreditCard   Kind = "CREDIT_CARD"
	KindBudget       Kind = "BUDGET"
	KindCredential   Kind = "CREDENTIAL"
	KindPerson       Kind = "PERSON"
	KindOrg          Kind = "ORG"
	KindLocation     Kind = "LOCATION"
	KindConfidential Kind = "CONFIDENTIAL"
	KindIntent       Kind = "INTENT"
)

// tags maps each kind to the tag used inside its placeholder.
var tags = map[Kind]string{
	KindEmail:        "MAIL",
	KindPhone:        "PHONE",
	KindAPIKey:       "KEY",
	KindAWSKey:       "KEY",
	KindGitHubToken:  "KEY",
	KindSlackToken:   "KEY",
	KindSSN:          "ID",
	KindIPv4:         "IP",
	KindCreditCard:   "CARD",
	KindBudget:       "MONEY",
	KindCredential:   "SECRET",
	KindPerson:       "USER",
	KindOrg:          "ORG",
	KindLocation:     "LOC",
	KindConfidential: "DATA",
	KindIntent:       "INTENT",
}

// Tag returns the placeholder tag for k. Unknown kinds share the SECRET tag.
func (k Kind) Tag() string {
	if t, ok := tags[k]; ok {
		return t
	}
	return "SECRET"
}

// ParseKind returns the Kind named s, or false if s is not a known kind.
func ParseKind(s string) (Kind, bool) {
	k := Kind(s)
	_, ok := tags[k]
	return k, ok
}

// Method records which strategy produced a Finding.
type Method string

const (
	MethodRegex   Method = "regex"
	MethodNER     Method = "ner"
	MethodKeyword Method = "keyword"
	MethodIntent  Method = "intent"
	MethodLLM     Method = "llm"
)

// Finding describes a sensitive substring detected within a text.
// Start and End are UTF-8 byte offsets (half-open) that fall on rune
// boundaries, and text[Start:End] == Value.
type Finding struct {
	Kind   Kind   `json:"type"`
	Value  string `json:"value"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Method Method `json:"method"`
}

// ErrUnavailable is returned (wrapped) by a strategy whose backing resource
// is missing or timed out. The scanner treats it as degraded mode.
var ErrUnavailable = errors.New("sanitize: strategy unavailable")

// Strategy detects sensitive spans in a text string.
// Implementations must be safe for concurrent use.
type Strategy interface {
	Name() string
	Detect(ctx context.Context, text string) ([]Finding, error)
}

// StrategyFunc adapts a plain function to the Strategy interface.
type StrategyFunc struct {
	ID string
	Fn func(ctx context.Context, text string) ([]Finding, error)
}

func (s StrategyFunc) Name() string { return s.ID }

func (s StrategyFunc) Detect(ctx context.Context, text string) ([]Finding, error) {
	return s.Fn(ctx, text)
}
