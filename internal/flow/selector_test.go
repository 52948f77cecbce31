package flow

import (
	"context"
	"testing"
	"time"

	"github.com/dsalaberry/turnero/internal/models"
)

func TestSelectPicksHighestPriority(t *testing.T) {
	low := bookingFlow()
	low.ID = "flow-low"
	low.Name = "Genérico"
	low.Rules.Priority = 10

	high := bookingFlow()
	high.ID = "flow-high"
	high.Name = "Campaña"
	high.Rules.Priority = 100

	sel := NewSelector(seededStore(low, high))
	f, err := sel.Select(context.Background(), Signals{Source: models.SourceOrganic})
	if err != nil {
		t.Fatalf("Select() error: %v", err)
	}
	if f == nil || f.ID != "flow-high" {
		t.Fatalf("Select() = %v, want flow-high", f)
	}
}

func TestSelectFiltersBySourceAndContact(t *testing.T) {
	adOnly := bookingFlow()
	adOnly.ID = "flow-ad"
	adOnly.Rules = models.ActivationRules{FromAd: true, KnownContact: true, UnknownContact: true, Priority: 50}

	sel := NewSelector(seededStore(adOnly))

	if f, _ := sel.Select(context.Background(), Signals{Source: models.SourceOrganic}); f != nil {
		t.Errorf("organic contact should not match an ad-only flow, got %s", f.ID)
	}
	f, err := sel.Select(context.Background(), Signals{Source: models.SourceAd})
	if err != nil {
		t.Fatalf("Select() error: %v", err)
	}
	if f == nil || f.ID != "flow-ad" {
		t.Fatalf("ad contact should match the ad-only flow, got %v", f)
	}
}

func TestSelectSkipsUnpublishedAndInactive(t *testing.T) {
	inactive := bookingFlow()
	inactive.ID = "flow-inactive"
	inactive.IsActive = false

	unpublished := bookingFlow()
	unpublished.ID = "flow-unpublished"
	unpublished.Published = nil

	sel := NewSelector(seededStore(inactive, unpublished))
	if f, _ := sel.Select(context.Background(), Signals{Source: models.SourceOrganic}); f != nil {
		t.Errorf("Select() = %s, want nil", f.ID)
	}
}

func TestSelectForceOnlyRequiresRestartKeyword(t *testing.T) {
	force := bookingFlow()
	sel := NewSelector(seededStore(force))

	cases := []struct {
		text string
		want bool
	}{
		{"hola", true},
		{"Hola, quiero un turno", true},
		{"MENU", true},
		{"empezar de nuevo", true},
		{"buenas tardes", false}, // greeting, not a restart request
		{"quiero cambiar mi turno", false},
		{"", false},
	}
	for _, tc := range cases {
		f, err := sel.Select(context.Background(), Signals{
			Source:      models.SourceOrganic,
			InboundText: tc.text,
			ForceOnly:   true,
		})
		if err != nil {
			t.Fatalf("Select(%q) error: %v", tc.text, err)
		}
		if (f != nil) != tc.want {
			t.Errorf("Select(force, %q) matched=%v, want %v", tc.text, f != nil, tc.want)
		}
	}
}

func TestSelectForceOnlyExcludesNonForceFlows(t *testing.T) {
	noForce := bookingFlow()
	noForce.Rules.ForceRestart = false

	sel := NewSelector(seededStore(noForce))
	f, err := sel.Select(context.Background(), Signals{
		Source:      models.SourceOrganic,
		InboundText: "hola",
		ForceOnly:   true,
	})
	if err != nil {
		t.Fatalf("Select() error: %v", err)
	}
	if f != nil {
		t.Errorf("flow without force-restart must not interrupt, got %s", f.ID)
	}
}

func TestSelectTieBreaksByMostRecentlyUpdated(t *testing.T) {
	older := bookingFlow()
	older.ID = "flow-older"
	older.UpdatedAt = time.Now().Add(-time.Hour)

	newer := bookingFlow()
	newer.ID = "flow-newer"
	newer.UpdatedAt = time.Now()

	sel := NewSelector(seededStore(older, newer))
	f, err := sel.Select(context.Background(), Signals{Source: models.SourceOrganic})
	if err != nil {
		t.Fatalf("Select() error: %v", err)
	}
	if f == nil || f.ID != "flow-newer" {
		t.Fatalf("Select() = %v, want flow-newer", f)
	}
}
