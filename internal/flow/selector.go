package flow

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dsalaberry/turnero/internal/models"
	"github.com/dsalaberry/turnero/internal/store"
)

// restartKeywords interrupt an ongoing conversation when a force-restart flow
// matches. Matching is prefix-based on the normalized input, so "hola, buen
// día" restarts but "buenas tardes" does not.
var restartKeywords = []string{"hola", "menu", "inicio", "empezar", "reset"}

// Signals carries everything flow selection depends on for one inbound event.
type Signals struct {
	Source      models.Source
	IsKnown     bool   // whether the transport reports the phone as a known contact
	InboundText string // raw inbound text, used for restart keyword matching
	ForceOnly   bool   // restrict selection to force-restart flows (mid-conversation)
}

// Selector picks the flow that should handle an inbound contact.
type Selector struct {
	store store.Store
}

// NewSelector creates a Selector backed by the given store.
func NewSelector(st store.Store) *Selector {
	return &Selector{store: st}
}

// Select returns the best matching active published flow for the signals, or
// nil when no flow applies (the engine stays silent in that case).
//
// Candidates must match both the source rule (ad/organic) and the contact rule
// (known/unknown). In force-only mode a candidate must additionally declare
// force-restart and the inbound text must start with a restart keyword. Ties
// break by priority descending, then most recently updated, then name.
func (s *Selector) Select(ctx context.Context, sig Signals) (*models.Flow, error) {
	flows, err := s.store.ActivePublishedFlows()
	if err != nil {
		return nil, err
	}

	restart := matchesRestartKeyword(sig.InboundText)
	var best *models.Flow
	for i := range flows {
		f := flows[i]
		if !f.Rules.MatchesSource(sig.Source) || !f.Rules.MatchesContact(sig.IsKnown) {
			continue
		}
		if sig.ForceOnly && (!f.Rules.ForceRestart || !restart) {
			continue
		}
		if best == nil || betterCandidate(f, *best) {
			best = &flows[i]
		}
	}

	if best == nil {
		slog.Debug("Selector no matching flow",
			"source", sig.Source, "known", sig.IsKnown, "force_only", sig.ForceOnly)
		return nil, nil
	}
	slog.Debug("Selector matched flow",
		"flow", best.Name, "priority", best.Rules.Priority, "force_only", sig.ForceOnly)
	out := *best
	return &out, nil
}

// betterCandidate reports whether a should win over b.
func betterCandidate(a, b models.Flow) bool {
	if a.Rules.Priority != b.Rules.Priority {
		return a.Rules.Priority > b.Rules.Priority
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.Name < b.Name
}

// matchesRestartKeyword reports whether the normalized text begins with one of
// the restart keywords.
func matchesRestartKeyword(text string) bool {
	normalized := normalizeInput(text)
	for _, kw := range restartKeywords {
		if strings.HasPrefix(normalized, kw) {
			return true
		}
	}
	return false
}

// normalizeInput lowercases and trims an inbound text for matching.
func normalizeInput(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}
