package flow

import (
	"context"
	"strings"
	"testing"

	"github.com/dsalaberry/turnero/internal/models"
	"github.com/dsalaberry/turnero/internal/store"
)

func newTestExecutor(st store.Store) (*Executor, *recordingSender) {
	sender := &recordingSender{}
	handoff := NewHandoff(newMockMessenger(), sender, HandoffOpts{})
	return NewExecutor(sender, NewDispatcher(st, sender, handoff)), sender
}

func activeConversation(stepID string, count int) *models.Conversation {
	return &models.Conversation{
		ID:            "conv-1",
		Phone:         "5491155550000",
		FlowID:        "flow-booking",
		FlowVersion:   3,
		CurrentStepID: stepID,
		State:         models.ConversationStateActive,
		Loop:          models.LoopDetection{CurrentStepID: stepID, MessagesInCurrentStep: count},
	}
}

func TestAdvanceSendsEntryPromptFirst(t *testing.T) {
	exec, sender := newTestExecutor(store.NewInMemoryStore())
	conv := activeConversation("menu", 0)
	content := bookingFlow().Published

	out, err := exec.Advance(context.Background(), conv, nil, content, "hola")
	if err != nil {
		t.Fatalf("Advance() error: %v", err)
	}
	if out.Kind != OutcomeSentInitial {
		t.Fatalf("Advance() kind = %s, want %s", out.Kind, OutcomeSentInitial)
	}
	if conv.Loop.MessagesInCurrentStep != 1 {
		t.Errorf("counter = %d, want 1 after entry send", conv.Loop.MessagesInCurrentStep)
	}
	if conv.CurrentStepID != "menu" {
		t.Errorf("step = %s, the triggering message must not be interpreted", conv.CurrentStepID)
	}
	if len(sender.sent) != 1 || !strings.Contains(sender.sent[0].Body, "¿En qué te podemos ayudar?") {
		t.Errorf("entry prompt not sent, got %v", sender.sent)
	}
}

func TestAdvanceMatchesKeyCaseInsensitive(t *testing.T) {
	for _, input := range []string{"a", "A", " a "} {
		exec, sender := newTestExecutor(store.NewInMemoryStore())
		conv := activeConversation("menu", 1)

		out, err := exec.Advance(context.Background(), conv, nil, bookingFlow().Published, input)
		if err != nil {
			t.Fatalf("Advance(%q) error: %v", input, err)
		}
		if out.Kind != OutcomeMatched || out.Step.ID != "dia" {
			t.Fatalf("Advance(%q) = %s/%s, want matched/dia", input, out.Kind, out.Step.ID)
		}
		if conv.CurrentStepID != "dia" || conv.Loop.MessagesInCurrentStep != 1 {
			t.Errorf("Advance(%q): conv at %s count %d, want dia count 1",
				input, conv.CurrentStepID, conv.Loop.MessagesInCurrentStep)
		}
		if len(sender.sent) != 1 {
			t.Fatalf("Advance(%q): %d sends, want the new step's prompt only", input, len(sender.sent))
		}
	}
}

func TestAdvanceMatchesFullLabel(t *testing.T) {
	exec, _ := newTestExecutor(store.NewInMemoryStore())
	conv := activeConversation("menu", 1)

	out, err := exec.Advance(context.Background(), conv, nil, bookingFlow().Published, "Sacar un turno")
	if err != nil {
		t.Fatalf("Advance() error: %v", err)
	}
	if out.Kind != OutcomeMatched || conv.CurrentStepID != "dia" {
		t.Errorf("label match failed: %s at %s", out.Kind, conv.CurrentStepID)
	}
}

func TestAdvanceLegacyReturningPatientShortcut(t *testing.T) {
	exec, _ := newTestExecutor(store.NewInMemoryStore())
	conv := activeConversation("menu", 1)

	out, err := exec.Advance(context.Background(), conv, nil, bookingFlow().Published, "ya quiero volver a atenderme")
	if err != nil {
		t.Fatalf("Advance() error: %v", err)
	}
	if out.Kind != OutcomeMatched || conv.CurrentStepID != "dia" {
		t.Errorf("\"volve\" shortcut on key M failed: %s at %s", out.Kind, conv.CurrentStepID)
	}
}

func TestAdvanceFallbackKeepsStep(t *testing.T) {
	exec, sender := newTestExecutor(store.NewInMemoryStore())
	conv := activeConversation("menu", 1)
	content := bookingFlow().Published

	out, err := exec.Advance(context.Background(), conv, nil, content, "qué onda")
	if err != nil {
		t.Fatalf("Advance() error: %v", err)
	}
	if out.Kind != OutcomeFallback || out.FallbackCount != 1 {
		t.Fatalf("Advance() = %s/%d, want fallback/1", out.Kind, out.FallbackCount)
	}
	if conv.CurrentStepID != "menu" || conv.Loop.MessagesInCurrentStep != 2 {
		t.Errorf("conv at %s count %d, want menu count 2", conv.CurrentStepID, conv.Loop.MessagesInCurrentStep)
	}
	if len(sender.sent) != 1 || sender.sent[0].Body != content.FallbackMessage {
		t.Errorf("fallback message not sent, got %v", sender.sent)
	}
}

func TestAdvanceEscalatesOnThirdMiss(t *testing.T) {
	exec, sender := newTestExecutor(store.NewInMemoryStore())
	conv := activeConversation("menu", 1)
	content := bookingFlow().Published
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		out, err := exec.Advance(ctx, conv, nil, content, "mmm")
		if err != nil {
			t.Fatalf("miss %d: %v", i+1, err)
		}
		if out.Kind != OutcomeFallback {
			t.Fatalf("miss %d kind = %s, want fallback", i+1, out.Kind)
		}
	}

	out, err := exec.Advance(ctx, conv, nil, content, "mmm")
	if err != nil {
		t.Fatalf("third miss: %v", err)
	}
	if out.Kind != OutcomeEscalated || out.Reason != ReasonLoopDetected {
		t.Fatalf("third miss = %s/%s, want escalated/loop_detected", out.Kind, out.Reason)
	}
	if out.FallbackCount != 3 {
		t.Errorf("FallbackCount = %d, want 3", out.FallbackCount)
	}
	if conv.CurrentStepID != "menu" {
		t.Errorf("escalation must not change the step, got %s", conv.CurrentStepID)
	}
	// Two fallback sends, no third: escalation replaces the fallback message.
	if len(sender.sent) != 2 {
		t.Errorf("%d sends, want 2 fallback messages", len(sender.sent))
	}
}

func TestAdvanceHandoffKeywordEscalatesImmediately(t *testing.T) {
	for _, input := range []string{"quiero hablar con una persona", "ASESOR ya", "necesito ayuda"} {
		exec, _ := newTestExecutor(store.NewInMemoryStore())
		conv := activeConversation("menu", 1)

		out, err := exec.Advance(context.Background(), conv, nil, bookingFlow().Published, input)
		if err != nil {
			t.Fatalf("Advance(%q) error: %v", input, err)
		}
		if out.Kind != OutcomeEscalated || out.Reason != ReasonHandoffKeyword {
			t.Errorf("Advance(%q) = %s/%s, want escalated/handoff_keyword", input, out.Kind, out.Reason)
		}
	}
}

func TestAdvanceMatchedOptionRunsActions(t *testing.T) {
	st := store.NewInMemoryStore()
	exec, _ := newTestExecutor(st)
	conv := activeConversation("dia", 1)
	contact := &models.Contact{Phone: conv.Phone, Name: "Ana", DNI: "30111222"}

	out, err := exec.Advance(context.Background(), conv, contact, bookingFlow().Published, "b")
	if err != nil {
		t.Fatalf("Advance() error: %v", err)
	}
	if out.Kind != OutcomeMatched || conv.CurrentStepID != "confirmado" {
		t.Fatalf("Advance() = %s at %s, want matched at confirmado", out.Kind, conv.CurrentStepID)
	}
	if !conv.HasTag("turno") {
		t.Error("addTags action did not run")
	}
	appts, err := st.ListAppointments(models.AppointmentStatusPending)
	if err != nil {
		t.Fatalf("ListAppointments() error: %v", err)
	}
	if len(appts) != 1 {
		t.Fatalf("got %d appointments, want 1", len(appts))
	}
	if appts[0].PatientName != "Ana" || appts[0].PatientDNI != "30111222" {
		t.Errorf("appointment identity = %q/%q, want contact data", appts[0].PatientName, appts[0].PatientDNI)
	}
}

func TestAdvanceSendFailureStillAdvancesState(t *testing.T) {
	st := store.NewInMemoryStore()
	exec, sender := newTestExecutor(st)
	sender.err = context.DeadlineExceeded
	conv := activeConversation("dia", 1)

	out, err := exec.Advance(context.Background(), conv, nil, bookingFlow().Published, "b")
	if err != nil {
		t.Fatalf("Advance() error: %v", err)
	}
	if out.Kind != OutcomeMatched || conv.CurrentStepID != "confirmado" {
		t.Fatalf("Advance() = %s at %s, want matched at confirmado despite the send failure", out.Kind, conv.CurrentStepID)
	}
	if conv.Loop.MessagesInCurrentStep != 1 {
		t.Errorf("counter = %d, want 1 on the new step", conv.Loop.MessagesInCurrentStep)
	}
	// Step actions ran even though the prompt never went out.
	appts, _ := st.ListAppointments(models.AppointmentStatusPending)
	if len(appts) != 1 {
		t.Errorf("got %d appointments, want 1", len(appts))
	}
	if len(sender.sent) != 0 {
		t.Errorf("sends recorded while failing: %v", sender.sent)
	}
}

func TestAdvanceUnknownStepFailsWithoutMutation(t *testing.T) {
	exec, sender := newTestExecutor(store.NewInMemoryStore())
	conv := activeConversation("desaparecido", 1)

	if _, err := exec.Advance(context.Background(), conv, nil, bookingFlow().Published, "a"); err == nil {
		t.Fatal("Advance() on a missing step must fail")
	}
	if len(sender.sent) != 0 {
		t.Errorf("nothing should be sent on a missing step, got %v", sender.sent)
	}
	if conv.Loop.MessagesInCurrentStep != 1 {
		t.Errorf("counter mutated on error: %d", conv.Loop.MessagesInCurrentStep)
	}
}
