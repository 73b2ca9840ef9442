package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gonkalabs/shadowgate/internal/sanitize"
	"github.com/gonkalabs/shadowgate/internal/vault"
)

// RehydrateResult is the outcome of Rehydrate. Replaced and Orphans count
// distinct tokens.
type RehydrateResult struct {
	Text     string `json:"text"`
	Replaced int    `json:"replaced"`
	Orphans  int    `json:"orphans"`
}

// Rehydrate restores every placeholder in text from the vault, regardless of
// session. Tokens the vault does not know are left verbatim and counted as
// orphans.
func (p *Pipeline) Rehydrate(ctx context.Context, text string) (RehydrateResult, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.Rehydrate")
	defer span.End()

	tokens := sanitize.FindTokens(text)
	reverse := make(map[string]string, len(tokens))
	orphans := 0
	for _, tok := range tokens {
		val, err := p.vault.RealByFake(ctx, tok)
		switch {
		case errors.Is(err, vault.ErrNotFound):
			orphans++
			slog.Debug("pipeline: orphan token", "token", tok)
		case err != nil:
			span.RecordError(err)
			return RehydrateResult{Text: text}, fmt.Errorf("pipeline: rehydrate %s: %w", tok, err)
		default:
			reverse[tok] = val
		}
	}

	res := RehydrateResult{
		Text:     sanitize.Restore(text, reverse),
		Replaced: len(reverse),
		Orphans:  orphans,
	}
	span.SetAttributes(attribute.Int("tokens.replaced", res.Replaced), attribute.Int("tokens.orphaned", orphans))
	p.metrics.IncRehydrate(orphans)
	p.audit(ctx, vault.EventRehydrate, fmt.Sprintf("rehydrated %d tokens, %d orphans", res.Replaced, orphans))
	return res, nil
}
