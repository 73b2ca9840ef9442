// Package pipeline ties detection, tokenization, the vault and flow
// correlation together. OnRequest sanitizes an outbound body and binds the
// flow to a stored session; OnResponse restores the matching inbound body.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gonkalabs/shadowgate/internal/correlate"
	"github.com/gonkalabs/shadowgate/internal/metrics"
	"github.com/gonkalabs/shadowgate/internal/sanitize"
	"github.com/gonkalabs/shadowgate/internal/vault"
)

// ErrStoreFailed is returned when the mapping for a sanitized body could not
// be stored. The sanitized body is never handed out in that case.
var ErrStoreFailed = errors.New("pipeline: mapping store failed")

// FailurePolicy decides what happens to a request whose mapping could not be
// stored.
type FailurePolicy string

const (
	// PolicyBlock refuses the request.
	PolicyBlock FailurePolicy = "block"
	// PolicyForwardOriginal lets the original, unsanitized body through.
	PolicyForwardOriginal FailurePolicy = "forward_original"
)

// Detector finds sensitive spans. *sanitize.Scanner satisfies it.
type Detector interface {
	Scan(ctx context.Context, text string) []sanitize.Finding
}

// Vault is the subset of the mapping store the pipeline needs.
type Vault interface {
	CreateSession() string
	StoreMapping(ctx context.Context, sid string, entries []vault.Entry) error
	Mappings(ctx context.Context, sid string) (map[string]string, error)
	RealByFake(ctx context.Context, fake string) (string, error)
	RealValue(ctx context.Context, id int64) (string, error)
	LogEvent(ctx context.Context, typ vault.EventType, message string) error
}

// Outcome describes what OnRequest did to a body.
type Outcome struct {
	SessionID string           `json:"session_id,omitempty"`
	Findings  []FindingSummary `json:"findings,omitempty"`
	Sanitized bool             `json:"sanitized"`
	Degraded  bool             `json:"degraded,omitempty"`  // store failed, original forwarded
	Malformed bool             `json:"malformed,omitempty"` // body was not JSON, scanned as text
}

// FindingSummary describes one replaced value without revealing it.
type FindingSummary struct {
	Kind   sanitize.Kind   `json:"type"`
	Method sanitize.Method `json:"method"`
	Token  string          `json:"token"`
}

// Pipeline is safe for concurrent use; every call works on its own TokenMap.
type Pipeline struct {
	detector Detector
	vault    Vault
	flows    *correlate.Correlator
	fields   *sanitize.FieldSet
	policy   FailurePolicy
	retry    RetryConfig
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithFields replaces the default JSON field allowlist.
func WithFields(fs *sanitize.FieldSet) Option {
	return func(p *Pipeline) {
		if fs != nil {
			p.fields = fs
		}
	}
}

// WithPolicy sets the store failure policy. Unknown values keep PolicyBlock.
func WithPolicy(policy FailurePolicy) Option {
	return func(p *Pipeline) {
		if policy == PolicyForwardOriginal {
			p.policy = policy
		}
	}
}

// WithRetry sets the vault write retry schedule.
func WithRetry(cfg RetryConfig) Option {
	return func(p *Pipeline) { p.retry = cfg }
}

// WithMetrics records pipeline counters on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New creates a Pipeline.
func New(d Detector, v Vault, flows *correlate.Correlator, opts ...Option) *Pipeline {
	p := &Pipeline{
		detector: d,
		vault:    v,
		flows:    flows,
		fields:   sanitize.NewFieldSet(sanitize.DefaultFields...),
		policy:   PolicyBlock,
		retry:    DefaultRetryConfig(),
		tracer:   otel.Tracer("github.com/gonkalabs/shadowgate/internal/pipeline"),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// OnRequest sanitizes an outbound body for flowID. With no findings the
// original body is returned and nothing is stored or bound. On a store
// failure the original body is returned; with PolicyBlock the error wraps
// ErrStoreFailed and the caller must not forward it.
func (p *Pipeline) OnRequest(ctx context.Context, flowID string, body []byte) ([]byte, Outcome, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.OnRequest", trace.WithAttributes(attribute.Int("body.len", len(body))))
	defer span.End()

	out, res, err := p.intercept(ctx, body, true)
	recordOutcome(span, res, err)
	if err != nil || !res.Sanitized {
		return out, res, err
	}
	if flowID != "" {
		p.flows.Bind(flowID, res.SessionID)
	}
	return out, res, nil
}

// Processed is the result of ProcessText.
type Processed struct {
	Text      string           `json:"text"`
	Sanitized bool             `json:"sanitized"`
	SessionID string           `json:"session_id,omitempty"`
	Findings  []FindingSummary `json:"findings,omitempty"`
}

// ProcessText sanitizes standalone text the way OnRequest does, storing the
// session without binding any flow. JSON documents go through the field
// allowlist; anything else is scanned as plain text.
func (p *Pipeline) ProcessText(ctx context.Context, text string) (Processed, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.ProcessText", trace.WithAttributes(attribute.Int("text.len", len(text))))
	defer span.End()

	out, res, err := p.intercept(ctx, []byte(text), false)
	recordOutcome(span, res, err)
	if err != nil {
		return Processed{Text: text}, err
	}
	return Processed{
		Text:      string(out),
		Sanitized: res.Sanitized,
		SessionID: res.SessionID,
		Findings:  res.Findings,
	}, nil
}

// intercept runs detection and tokenization over body and stores the
// resulting mapping under a new session. strict marks non-JSON bodies as
// malformed.
func (p *Pipeline) intercept(ctx context.Context, body []byte, strict bool) ([]byte, Outcome, error) {
	var res Outcome
	tm := sanitize.NewTokenMap()
	tm.Reserve(string(body))

	var findings []sanitize.Finding
	scan := func(text string) string {
		fs := p.detector.Scan(ctx, text)
		if len(fs) == 0 {
			return text
		}
		findings = append(findings, fs...)
		return sanitize.Sanitize(text, fs, tm)
	}

	var out []byte
	doc, err := sanitize.DecodeJSON(body)
	switch {
	case err == nil && isContainer(doc):
		doc, _ = p.fields.Rewrite(doc, func(_ []string, s string) string { return scan(s) })
		if tm.IsEmpty() {
			return body, res, nil
		}
		if out, err = sanitize.EncodeJSON(doc); err != nil {
			return body, res, fmt.Errorf("pipeline: encode body: %w", err)
		}
	default:
		if err != nil && (strict || looksLikeJSON(body)) {
			res.Malformed = true
			p.metrics.IncMalformed()
			slog.Warn("pipeline: body is not valid JSON, scanning as text", "len", len(body), "err", err)
		}
		out = []byte(scan(string(body)))
		if tm.IsEmpty() {
			return body, res, nil
		}
	}

	pairs := tm.Pairs()
	res.Findings = summarize(findings, tm)

	sid := p.vault.CreateSession()
	entries := make([]vault.Entry, len(pairs))
	for i, pr := range pairs {
		entries[i] = vault.Entry{Real: pr.Real, Fake: pr.Fake, Kind: string(pr.Kind)}
	}
	attempts, err := withRetry(ctx, p.retry, func() error {
		return p.vault.StoreMapping(ctx, sid, entries)
	})
	if err != nil {
		return p.storeFailed(ctx, body, res, sid, attempts, err)
	}

	res.SessionID = sid
	res.Sanitized = true
	p.metrics.IncIntercept()
	p.metrics.AddFindings(countKinds(pairs))
	p.audit(ctx, vault.EventIntercept, fmt.Sprintf("session %s: masked %d values (%s)", sid, len(pairs), kindList(pairs)))
	slog.Info("pipeline: intercepted", "session", sid, "values", len(pairs), "findings", len(findings))
	return out, res, nil
}

func (p *Pipeline) storeFailed(ctx context.Context, body []byte, res Outcome, sid string, attempts int, err error) ([]byte, Outcome, error) {
	p.metrics.IncStoreFailure()
	res.Findings = nil
	slog.Error("pipeline: store mapping failed", "session", sid, "attempts", attempts, "policy", p.policy, "err", err)
	p.audit(ctx, vault.EventStoreFailure, fmt.Sprintf("session %s: store failed after %d attempts, policy %s", sid, attempts, p.policy))

	if p.policy == PolicyForwardOriginal {
		res.Degraded = true
		return body, res, nil
	}
	return body, res, fmt.Errorf("%w: %w", ErrStoreFailed, err)
}

// OnResponse restores an inbound body for flowID and releases the binding.
// A flow with no binding, or a vault read failure, passes body through.
func (p *Pipeline) OnResponse(ctx context.Context, flowID string, body []byte, enc sanitize.Encoding) []byte {
	ctx, span := p.tracer.Start(ctx, "pipeline.OnResponse")
	defer span.End()

	r, sid := p.restorer(ctx, flowID, enc)
	if r.IsEmpty() {
		return body
	}

	in := string(body)
	n := r.Count(in)
	if n == 0 {
		return body
	}
	out := r.Restore(in)
	span.SetAttributes(attribute.Int("tokens.restored", n))
	p.metrics.IncRestore()
	p.audit(ctx, vault.EventRestore, fmt.Sprintf("session %s: restored %d tokens", sid, n))
	return []byte(out)
}

// RestoreStream wraps an inbound SSE body so placeholders are restored as
// they stream through, including tokens split across delta events. The
// binding is released immediately.
func (p *Pipeline) RestoreStream(ctx context.Context, flowID string, src io.Reader) io.Reader {
	r, sid := p.restorer(ctx, flowID, sanitize.JSON)
	if r.IsEmpty() {
		return src
	}
	return &eofHook{
		r: sanitize.NewEventReader(src, r),
		fn: func() {
			p.metrics.IncRestore()
			p.audit(context.WithoutCancel(ctx), vault.EventRestore, fmt.Sprintf("session %s: stream restored", sid))
		},
	}
}

// restorer takes the binding for flowID and builds a Restorer from the
// session's mappings. It returns a nil Restorer when there is nothing to do.
func (p *Pipeline) restorer(ctx context.Context, flowID string, enc sanitize.Encoding) (*sanitize.Restorer, string) {
	sid, ok := p.flows.Take(flowID)
	if !ok {
		p.metrics.IncCorrelationMiss()
		slog.Debug("pipeline: no session bound to flow", "flow", flowID)
		return nil, ""
	}
	reverse, err := p.vault.Mappings(ctx, sid)
	if err != nil {
		slog.Error("pipeline: load mappings failed, passing response through", "session", sid, "err", err)
		return nil, sid
	}
	return sanitize.NewRestorer(reverse, enc), sid
}

// Release drops the binding for flowID. Hosts call it when a flow ends,
// whether or not a response arrived.
func (p *Pipeline) Release(flowID string) {
	p.flows.Release(flowID)
}

// Reveal returns the real value of mapping id and records the disclosure.
func (p *Pipeline) Reveal(ctx context.Context, id int64) (string, error) {
	val, err := p.vault.RealValue(ctx, id)
	if err != nil {
		return "", err
	}
	p.audit(ctx, vault.EventReveal, fmt.Sprintf("mapping %d revealed", id))
	return val, nil
}

func (p *Pipeline) audit(ctx context.Context, typ vault.EventType, msg string) {
	if err := p.vault.LogEvent(ctx, typ, msg); err != nil {
		slog.Warn("pipeline: audit log write failed", "event", typ, "err", err)
	}
}

func recordOutcome(span trace.Span, res Outcome, err error) {
	span.SetAttributes(
		attribute.Bool("sanitized", res.Sanitized),
		attribute.Int("findings", len(res.Findings)),
		attribute.Bool("degraded", res.Degraded),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// summarize lists each replaced span with the token it became.
func summarize(findings []sanitize.Finding, tm *sanitize.TokenMap) []FindingSummary {
	out := make([]FindingSummary, 0, len(findings))
	for _, f := range findings {
		tok, ok := tm.Token(f.Value)
		if !ok {
			continue
		}
		out = append(out, FindingSummary{Kind: f.Kind, Method: f.Method, Token: tok})
	}
	return out
}

func countKinds(pairs []sanitize.Pair) map[sanitize.Kind]int {
	out := make(map[sanitize.Kind]int)
	for _, pr := range pairs {
		out[pr.Kind]++
	}
	return out
}

// kindList renders "EMAIL=1, PHONE=2" in sorted order.
func kindList(pairs []sanitize.Pair) string {
	counts := countKinds(pairs)
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, string(k))
	}
	slices.Sort(kinds)
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = fmt.Sprintf("%s=%d", k, counts[sanitize.Kind(k)])
	}
	return strings.Join(parts, ", ")
}

func isContainer(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

func looksLikeJSON(b []byte) bool {
	s := strings.TrimSpace(string(b))
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}

// eofHook calls fn once when the wrapped reader reports io.EOF.
type eofHook struct {
	r    io.Reader
	fn   func()
	done bool
}

func (h *eofHook) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if errors.Is(err, io.EOF) && !h.done {
		h.done = true
		h.fn()
	}
	return n, err
}
