package flow

import (
	"context"
	"sync"
	"time"

	"github.com/dsalaberry/turnero/internal/models"
	"github.com/dsalaberry/turnero/internal/store"
)

// mockMessenger is a messaging.Service that records outbound traffic.
type mockMessenger struct {
	mu       sync.Mutex
	sent     []mockSend
	labels   []mockLabel
	known    bool
	sendErr  error
	inbound  chan models.InboundEvent
}

type mockSend struct {
	To   string
	Body string
}

type mockLabel struct {
	Phone   string
	LabelID string
	Labeled bool
}

func newMockMessenger() *mockMessenger {
	return &mockMessenger{inbound: make(chan models.InboundEvent, 10)}
}

func (m *mockMessenger) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return recipient, nil
}

func (m *mockMessenger) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, mockSend{To: to, Body: body})
	return nil
}

func (m *mockMessenger) SendTyping(ctx context.Context, to string, typing bool) error {
	return nil
}

func (m *mockMessenger) IsKnownContact(ctx context.Context, phone string) (bool, error) {
	return m.known, nil
}

func (m *mockMessenger) LabelChat(ctx context.Context, phone string, labelID string, labeled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels = append(m.labels, mockLabel{Phone: phone, LabelID: labelID, Labeled: labeled})
	return nil
}

func (m *mockMessenger) Start(ctx context.Context) error { return nil }
func (m *mockMessenger) Stop() error                     { return nil }

func (m *mockMessenger) Events() <-chan models.InboundEvent { return m.inbound }

func (m *mockMessenger) sentBodies() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, s := range m.sent {
		out[i] = s.Body
	}
	return out
}

func (m *mockMessenger) sentTo(phone string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.sent {
		if s.To == phone {
			out = append(out, s.Body)
		}
	}
	return out
}

// recordingSender is a bare PromptSender for executor-level tests.
type recordingSender struct {
	sent []mockSend
	err  error
}

func (r *recordingSender) SendPrompt(ctx context.Context, phone, body string) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, mockSend{To: phone, Body: body})
	return nil
}

// bookingFlow is the canonical fixture: a menu with a day picker, an
// appointment confirmation step and an advisor hand-over step.
func bookingFlow() models.Flow {
	dayOptions := []models.Option{
		{Key: "A", Label: "Primer día", NextStepID: "confirmado"},
		{Key: "B", Label: "Segundo día", NextStepID: "confirmado"},
		{Key: "C", Label: "Tercer día", NextStepID: "confirmado"},
		{Key: "D", Label: "Cuarto día", NextStepID: "confirmado"},
		{Key: "E", Label: "Quinto día", NextStepID: "confirmado"},
	}
	content := &models.FlowContent{
		EntryStepID:     "menu",
		FallbackMessage: "No te entendí. Elegí una opción del menú.",
		Steps: map[string]models.Step{
			"menu": {
				ID:      "menu",
				Title:   "Menú principal",
				Message: "¡Hola! ¿En qué te podemos ayudar?",
				Options: []models.Option{
					{Key: "A", Label: "Sacar un turno", NextStepID: "dia"},
					{Key: "B", Label: "Hablar con un asesor", NextStepID: "consulta"},
					{Key: "M", Label: "Ya me atendí antes", NextStepID: "dia"},
				},
			},
			"dia": {
				ID:      "dia",
				Title:   "Elegir día",
				Message: "¿Qué día te queda cómodo?\n{PROXIMOS_DIAS}",
				Options: dayOptions,
			},
			"confirmado": {
				ID:      "confirmado",
				Title:   "Turno registrado",
				Message: "¡Listo! Quedó registrado tu turno.",
				Actions: &models.StepActions{
					RegisterAppointment: true,
					AddTags:             []string{"turno"},
				},
			},
			"consulta": {
				ID:      "consulta",
				Title:   "Consulta con asesor",
				Message: "Contanos tu consulta y te respondemos a la brevedad.",
				Actions: &models.StepActions{PauseConversation: true},
			},
		},
	}
	now := time.Now()
	return models.Flow{
		ID:       "flow-booking",
		Name:     "Captación de turnos",
		IsActive: true,
		Rules: models.ActivationRules{
			FromAd:         true,
			Organic:        true,
			KnownContact:   true,
			UnknownContact: true,
			Priority:       100,
			ForceRestart:   true,
		},
		Published:        content,
		PublishedVersion: 3,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func seededStore(flows ...models.Flow) *store.InMemoryStore {
	st := store.NewInMemoryStore()
	for _, f := range flows {
		if err := st.SaveFlow(f); err != nil {
			panic(err)
		}
	}
	return st
}

// testEngine wires an engine with no typing delay against the given store.
func testEngine(st store.Store, msg *mockMessenger, opts ...Option) *Engine {
	base := []Option{WithTypingDelay(0)}
	return NewEngine(st, msg, append(base, opts...)...)
}

func textEvent(phone, id, text string) models.InboundEvent {
	return models.InboundEvent{
		Kind:      models.EventTextMessage,
		Phone:     phone,
		MessageID: id,
		Text:      text,
		Source:    models.SourceOrganic,
		Timestamp: time.Now(),
	}
}
