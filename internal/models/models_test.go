package models

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validContent() *FlowContent {
	return &FlowContent{
		EntryStepID:     "menu",
		FallbackMessage: "No te entendí.",
		Steps: map[string]Step{
			"menu": {ID: "menu", Message: "¡Hola!", Options: []Option{
				{Key: "A", Label: "Turno", NextStepID: "fin"},
			}},
			"fin": {ID: "fin", Message: "¡Gracias!"},
		},
	}
}

func TestFlowContentValidate(t *testing.T) {
	if err := validContent().Validate(); err != nil {
		t.Fatalf("valid content rejected: %v", err)
	}
}

func TestFlowContentValidateMissingEntry(t *testing.T) {
	c := validContent()
	c.EntryStepID = "desaparecido"
	if err := c.Validate(); !errors.Is(err, ErrMissingEntryStep) {
		t.Errorf("Validate() = %v, want ErrMissingEntryStep", err)
	}
}

func TestFlowContentValidateDanglingNextStep(t *testing.T) {
	c := validContent()
	step := c.Steps["menu"]
	step.Options = []Option{{Key: "A", Label: "Turno", NextStepID: "nada"}}
	c.Steps["menu"] = step
	if err := c.Validate(); !errors.Is(err, ErrDanglingNextStep) {
		t.Errorf("Validate() = %v, want ErrDanglingNextStep", err)
	}
}

func TestFlowContentValidateDuplicateKeysCaseInsensitive(t *testing.T) {
	c := validContent()
	step := c.Steps["menu"]
	step.Options = []Option{
		{Key: "a", Label: "Uno", NextStepID: "fin"},
		{Key: "A", Label: "Dos", NextStepID: "fin"},
	}
	c.Steps["menu"] = step
	if err := c.Validate(); !errors.Is(err, ErrDuplicateOptionKey) {
		t.Errorf("Validate() = %v, want ErrDuplicateOptionKey", err)
	}
}

func TestFlowContentValidateLimits(t *testing.T) {
	c := validContent()
	step := c.Steps["fin"]
	step.Message = strings.Repeat("x", MaxStepMessageLength+1)
	c.Steps["fin"] = step
	if err := c.Validate(); !errors.Is(err, ErrStepMessageTooLong) {
		t.Errorf("Validate() = %v, want ErrStepMessageTooLong", err)
	}

	c = validContent()
	step = c.Steps["menu"]
	step.Options = nil
	for i := 0; i <= MaxOptionsPerStep; i++ {
		step.Options = append(step.Options, Option{Key: string(rune('a' + i)), Label: "x", NextStepID: "fin"})
	}
	c.Steps["menu"] = step
	if err := c.Validate(); !errors.Is(err, ErrTooManyOptions) {
		t.Errorf("Validate() = %v, want ErrTooManyOptions", err)
	}
}

func TestActivationRulesMatching(t *testing.T) {
	r := ActivationRules{FromAd: true, UnknownContact: true}
	if !r.MatchesSource(SourceAd) || r.MatchesSource(SourceOrganic) {
		t.Error("source matching wrong")
	}
	if r.MatchesContact(true) || !r.MatchesContact(false) {
		t.Error("contact matching wrong")
	}
}

func TestConversationTags(t *testing.T) {
	var c Conversation
	c.AddTags("turno", "", "turno", "auto-handoff")
	if len(c.Tags) != 2 {
		t.Errorf("Tags = %v, want deduplicated non-empty set", c.Tags)
	}
	if !c.HasTag("turno") || c.HasTag("otro") {
		t.Error("HasTag wrong")
	}
}

func TestInboundEventValidate(t *testing.T) {
	ev := InboundEvent{Kind: EventTextMessage, Phone: "5491155550000"}
	if err := ev.Validate(); err != nil {
		t.Errorf("valid event rejected: %v", err)
	}
	ev.Phone = ""
	if err := ev.Validate(); !errors.Is(err, ErrEmptyPhone) {
		t.Errorf("Validate() = %v, want ErrEmptyPhone", err)
	}
	ev = InboundEvent{Kind: "sticker", Phone: "5491155550000"}
	if err := ev.Validate(); err == nil {
		t.Error("unknown kind accepted")
	}
}

func TestBusinessHoursIsOpen(t *testing.T) {
	hours := BusinessHours{
		Enabled: true,
		Schedule: map[string]DayHours{
			"mon": {Open: "09:00", Close: "18:00"},
		},
	}
	monMorning := time.Date(2026, 9, 7, 10, 30, 0, 0, time.UTC) // Monday
	monNight := time.Date(2026, 9, 7, 19, 0, 0, 0, time.UTC)
	tuesday := time.Date(2026, 9, 8, 10, 30, 0, 0, time.UTC)

	if !hours.IsOpen(monMorning) {
		t.Error("Monday 10:30 should be open")
	}
	if hours.IsOpen(monNight) {
		t.Error("Monday 19:00 should be closed")
	}
	if hours.IsOpen(tuesday) {
		t.Error("a day without schedule should be closed")
	}

	hours.Schedule["bad"] = DayHours{Open: "9am", Close: "6pm"}
	malformed := BusinessHours{Enabled: true, Schedule: map[string]DayHours{"mon": {Open: "9am", Close: "6pm"}}}
	if malformed.IsOpen(monMorning) {
		t.Error("malformed ranges must count as closed")
	}
}

func TestPaymentConfigRenderMessage(t *testing.T) {
	p := PaymentConfig{Link: "https://pago.example/abc", Message: "Aboná la seña acá: {LINK}"}
	if got := p.RenderMessage(); got != "Aboná la seña acá: https://pago.example/abc" {
		t.Errorf("RenderMessage() = %q", got)
	}
	p.Message = "Aboná la seña:"
	if got := p.RenderMessage(); !strings.HasSuffix(got, p.Link) {
		t.Errorf("RenderMessage() without placeholder = %q, want link appended", got)
	}
	p.Message = ""
	if got := p.RenderMessage(); got != p.Link {
		t.Errorf("RenderMessage() empty template = %q, want bare link", got)
	}
}
