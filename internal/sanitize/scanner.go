package sanitize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// DefaultBudget is the maximum time a scan waits for all strategies.
// Strategies that miss the deadline are treated as unavailable; their
// goroutines keep running in the background but their results are discarded.
const DefaultBudget = 10 * time.Second

// StrategyResult is the outcome of one strategy in one scan.
type StrategyResult struct {
	Name     string
	Findings []Finding
	Err      error
	Elapsed  time.Duration
}

// Degraded reports whether the strategy was unavailable for this scan.
func (r StrategyResult) Degraded() bool {
	return errors.Is(r.Err, ErrUnavailable)
}

// ScanReport is the merged result of a scan plus per-strategy diagnostics.
type ScanReport struct {
	Findings []Finding
	Results  []StrategyResult
}

// Scanner runs an ordered list of strategies over a text and merges their
// findings. A Scanner is safe for concurrent use.
type Scanner struct {
	strategies []Strategy
	budget     time.Duration
	observe    func(StrategyResult)
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithBudget overrides DefaultBudget.
func WithBudget(d time.Duration) Option {
	return func(s *Scanner) {
		if d > 0 {
			s.budget = d
		}
	}
}

// WithObserver registers fn to be called with every strategy result.
func WithObserver(fn func(StrategyResult)) Option {
	return func(s *Scanner) { s.observe = fn }
}

// NewScanner creates a Scanner. The order of strategies is the merge order:
// when two strategies report the same value, the earlier one wins.
func NewScanner(strategies []Strategy, opts ...Option) *Scanner {
	s := &Scanner{strategies: strategies, budget: DefaultBudget}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Strategies returns the configured strategy names in merge order.
func (s *Scanner) Strategies() []string {
	names := make([]string, len(s.strategies))
	for i, st := range s.strategies {
		names[i] = st.Name()
	}
	return names
}

// Scan returns the merged findings for text. It never fails: a strategy that
// errors, panics or times out contributes nothing.
func (s *Scanner) Scan(ctx context.Context, text string) []Finding {
	return s.Report(ctx, text).Findings
}

// Report is Scan plus per-strategy results.
func (s *Scanner) Report(ctx context.Context, text string) ScanReport {
	if text == "" || len(s.strategies) == 0 {
		return ScanReport{}
	}
	results := s.run(ctx, text)
	if s.observe != nil {
		for _, r := range results {
			s.observe(r)
		}
	}
	return ScanReport{Findings: merge(text, results), Results: results}
}

// run executes all strategies concurrently and returns their results in
// configured order. Returns after all strategies finish or the budget elapses.
func (s *Scanner) run(ctx context.Context, text string) []StrategyResult {
	type indexed struct {
		i int
		r StrategyResult
	}
	ch := make(chan indexed, len(s.strategies))

	ctx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()

	for i, st := range s.strategies {
		go func(i int, st Strategy) {
			start := time.Now()
			res := StrategyResult{Name: st.Name()}
			defer func() {
				if p := recover(); p != nil {
					res.Findings = nil
					res.Err = fmt.Errorf("sanitize: strategy %s panicked: %v", st.Name(), p)
				}
				res.Elapsed = time.Since(start)
				ch <- indexed{i: i, r: res}
			}()
			res.Findings, res.Err = st.Detect(ctx, text)
			if res.Err != nil && ctx.Err() != nil && !errors.Is(res.Err, ErrUnavailable) {
				res.Err = fmt.Errorf("%w: %s: %w", ErrUnavailable, st.Name(), res.Err)
			}
		}(i, st)
	}

	results := make([]StrategyResult, len(s.strategies))
	done := make([]bool, len(s.strategies))
	for range s.strategies {
		select {
		case x := <-ch:
			results[x.i] = x.r
			done[x.i] = true
		case <-ctx.Done():
			slog.Warn("sanitize: scan budget exceeded, using partial results", "budget", s.budget)
			for i, st := range s.strategies {
				if !done[i] {
					results[i] = StrategyResult{
						Name: st.Name(),
						Err:  fmt.Errorf("%w: %s: %w", ErrUnavailable, st.Name(), ctx.Err()),
					}
				}
			}
			return logResults(results)
		}
	}
	return logResults(results)
}

func logResults(results []StrategyResult) []StrategyResult {
	for i := range results {
		r := &results[i]
		if r.Err == nil {
			continue
		}
		if r.Degraded() {
			slog.Warn("sanitize: strategy unavailable, degraded mode", "strategy", r.Name, "err", r.Err)
		} else {
			slog.Error("sanitize: strategy failed", "strategy", r.Name, "err", r.Err)
		}
		r.Findings = nil
	}
	return results
}

// merge combines strategy results in configured order.
//
// A value first contributed by strategy i is dropped from every later
// strategy; strategy i keeps all of its own occurrences. Findings that touch
// an existing placeholder or have invalid spans are dropped. Finally every
// accepted value is expanded to all of its uncovered occurrences so the same
// value is always tokenized everywhere it appears.
func merge(text string, results []StrategyResult) []Finding {
	placeholders := tokenSpans(text)
	seen := make(map[string]int)
	var accepted []Finding
	var values []Finding // first finding per distinct value, in acceptance order

	for i, r := range results {
		fs := validFindings(text, r.Findings)
		sort.SliceStable(fs, func(a, b int) bool {
			if fs[a].Start != fs[b].Start {
				return fs[a].Start < fs[b].Start
			}
			return fs[a].End < fs[b].End
		})
		for _, f := range fs {
			if overlapsAny(f.Start, f.End, placeholders) {
				continue
			}
			if owner, ok := seen[f.Value]; ok {
				if owner != i {
					continue
				}
			} else {
				seen[f.Value] = i
				values = append(values, f)
			}
			accepted = append(accepted, f)
		}
	}

	return expandOccurrences(text, accepted, values, placeholders)
}

func expandOccurrences(text string, accepted, values []Finding, placeholders [][]int) []Finding {
	for _, v := range values {
		from := 0
		for {
			j := strings.Index(text[from:], v.Value)
			if j < 0 {
				break
			}
			start := from + j
			end := start + len(v.Value)
			from = start + 1
			if !wordAligned(text, start, end) || overlapsAny(start, end, placeholders) {
				continue
			}
			if overlapsFinding(start, end, accepted) {
				continue
			}
			accepted = append(accepted, Finding{
				Kind:   v.Kind,
				Value:  v.Value,
				Start:  start,
				End:    end,
				Method: v.Method,
			})
		}
	}
	return accepted
}

func overlapsAny(start, end int, spans [][]int) bool {
	for _, sp := range spans {
		if start < sp[1] && sp[0] < end {
			return true
		}
	}
	return false
}

func overlapsFinding(start, end int, fs []Finding) bool {
	for _, f := range fs {
		if start < f.End && f.Start < end {
			return true
		}
	}
	return false
}

// isWordByte reports whether b can be part of a word. Any non-ASCII byte
// counts so multi-byte letters are never split.
func isWordByte(b byte) bool {
	return b == '_' || b >= 0x80 ||
		('0' <= b && b <= '9') || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}

// wordAligned reports whether text[start:end] does not cut into a longer word.
func wordAligned(text string, start, end int) bool {
	if !isRuneBoundary(text, start) || !isRuneBoundary(text, end) {
		return false
	}
	if start > 0 && isWordByte(text[start-1]) && isWordByte(text[start]) {
		return false
	}
	if end < len(text) && isWordByte(text[end]) && isWordByte(text[end-1]) {
		return false
	}
	return true
}
