package sanitize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixed returns a strategy that reports every occurrence of the given values.
func fixed(name string, kind Kind, method Method, values ...string) Strategy {
	return StrategyFunc{ID: name, Fn: func(_ context.Context, text string) ([]Finding, error) {
		var out []Finding
		for _, v := range values {
			from := 0
			for {
				i := strings.Index(text[from:], v)
				if i < 0 {
					break
				}
				s := from + i
				out = append(out, Finding{Kind: kind, Value: v, Start: s, End: s + len(v), Method: method})
				from = s + len(v)
			}
		}
		return out, nil
	}}
}

// firstOnly reports only the first occurrence of value, like the NER sidecar often does.
func firstOnly(name string, kind Kind, value string) Strategy {
	return StrategyFunc{ID: name, Fn: func(_ context.Context, text string) ([]Finding, error) {
		i := strings.Index(text, value)
		if i < 0 {
			return nil, nil
		}
		return []Finding{{Kind: kind, Value: value, Start: i, End: i + len(value), Method: MethodNER}}, nil
	}}
}

func failing(name string, err error) Strategy {
	return StrategyFunc{ID: name, Fn: func(context.Context, string) ([]Finding, error) {
		return []Finding{{Kind: KindPerson, Value: "x", Start: 0, End: 1}}, err
	}}
}

func TestScan_EarlierStrategyWinsDuplicateValue(t *testing.T) {
	text := "Acme hired Acme"
	s := NewScanner([]Strategy{
		fixed("first", KindOrg, MethodRegex, "Acme"),
		fixed("second", KindPerson, MethodNER, "Acme"),
	})

	got := s.Scan(context.Background(), text)
	require.Len(t, got, 2)
	for _, f := range got {
		assert.Equal(t, KindOrg, f.Kind)
		assert.Equal(t, MethodRegex, f.Method)
	}
}

func TestScan_OrderIsDeterministic(t *testing.T) {
	text := "bob@x.io met Alice"
	s := NewScanner([]Strategy{
		firstOnly("slow", KindPerson, "Alice"),
		fixed("fast", KindEmail, MethodRegex, "bob@x.io"),
	})
	for range 20 {
		got := s.Scan(context.Background(), text)
		require.Len(t, got, 2)
		assert.Equal(t, "Alice", got[0].Value)
		assert.Equal(t, "bob@x.io", got[1].Value)
	}
}

func TestScan_ExpandsEveryOccurrence(t *testing.T) {
	text := "Alice met Bob. Later Alice and Alicent left; Alice."
	s := NewScanner([]Strategy{firstOnly("ner", KindPerson, "Alice")})

	got := s.Scan(context.Background(), text)
	require.Len(t, got, 3, "Alicent must not be split")

	tm := NewTokenMap()
	out := Sanitize(text, got, tm)
	assert.Equal(t, "[RS-USER-01] met Bob. Later [RS-USER-01] and Alicent left; [RS-USER-01].", out)
}

func TestScan_IgnoresPlaceholders(t *testing.T) {
	text := "mail [RS-MAIL-01] to Bob"
	s := NewScanner([]Strategy{
		fixed("greedy", Kind("UNLISTED"), MethodRegex, "[RS-MAIL-01]", "RS-MAIL", "Bob"),
	})

	got := s.Scan(context.Background(), text)
	require.Len(t, got, 1)
	assert.Equal(t, "Bob", got[0].Value)
}

func TestScan_NoRedetectionAfterSanitize(t *testing.T) {
	text := "ping Bob about Bob"
	s := NewScanner([]Strategy{fixed("names", KindPerson, MethodNER, "Bob")})

	tm := NewTokenMap()
	out := Sanitize(text, s.Scan(context.Background(), text), tm)
	assert.Equal(t, "ping [RS-USER-01] about [RS-USER-01]", out)
	assert.Empty(t, s.Scan(context.Background(), out))
}

func TestScan_DropsInvalidSpans(t *testing.T) {
	bad := StrategyFunc{ID: "bad", Fn: func(context.Context, string) ([]Finding, error) {
		return []Finding{
			{Kind: KindPerson, Value: "Bob", Start: 100, End: 103},
			{Kind: KindPerson, Value: "Zed", Start: 0, End: 3},
		}, nil
	}}
	assert.Empty(t, NewScanner([]Strategy{bad}).Scan(context.Background(), "Bob is here"))
}

func TestScan_FailingStrategiesContributeNothing(t *testing.T) {
	text := "Alice and Bob"
	panicky := StrategyFunc{ID: "panicky", Fn: func(context.Context, string) ([]Finding, error) {
		panic("boom")
	}}
	s := NewScanner([]Strategy{
		failing("down", fmt.Errorf("wrap: %w", ErrUnavailable)),
		failing("broken", errors.New("bad response")),
		panicky,
		fixed("ok", KindPerson, MethodNER, "Bob"),
	})

	rep := s.Report(context.Background(), text)
	require.Len(t, rep.Findings, 1)
	assert.Equal(t, "Bob", rep.Findings[0].Value)

	require.Len(t, rep.Results, 4)
	assert.True(t, rep.Results[0].Degraded())
	assert.Empty(t, rep.Results[0].Findings)
	assert.Error(t, rep.Results[1].Err)
	assert.False(t, rep.Results[1].Degraded())
	assert.ErrorContains(t, rep.Results[2].Err, "panicked")
	assert.NoError(t, rep.Results[3].Err)
}

func TestScan_BudgetMarksSlowStrategyUnavailable(t *testing.T) {
	slow := StrategyFunc{ID: "slow", Fn: func(context.Context, string) ([]Finding, error) {
		time.Sleep(500 * time.Millisecond)
		return []Finding{{Kind: KindPerson, Value: "Alice", Start: 0, End: 5}}, nil
	}}
	var observed []string
	s := NewScanner(
		[]Strategy{slow, fixed("fast", KindPerson, MethodNER, "Bob")},
		WithBudget(50*time.Millisecond),
		WithObserver(func(r StrategyResult) { observed = append(observed, r.Name) }),
	)

	rep := s.Report(context.Background(), "Alice and Bob")
	require.Len(t, rep.Findings, 1)
	assert.Equal(t, "Bob", rep.Findings[0].Value)
	assert.True(t, rep.Results[0].Degraded())
	assert.ErrorIs(t, rep.Results[0].Err, context.DeadlineExceeded)
	assert.Equal(t, []string{"slow", "fast"}, observed)
}

func TestScan_EmptyInput(t *testing.T) {
	s := NewScanner([]Strategy{fixed("x", KindPerson, MethodNER, "a")})
	assert.Empty(t, s.Scan(context.Background(), ""))
	assert.Empty(t, NewScanner(nil).Scan(context.Background(), "text"))
	assert.Equal(t, []string{"x"}, s.Strategies())
}
