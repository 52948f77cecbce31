package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dsalaberry/turnero/internal/messaging"
	"github.com/dsalaberry/turnero/internal/models"
	"github.com/dsalaberry/turnero/internal/store"
)

type stubMessenger struct{}

func (stubMessenger) ValidateAndCanonicalizeRecipient(r string) (string, error) {
	return messaging.CanonicalizePhone(r)
}
func (stubMessenger) SendMessage(ctx context.Context, to, body string) error          { return nil }
func (stubMessenger) SendTyping(ctx context.Context, to string, typing bool) error    { return nil }
func (stubMessenger) IsKnownContact(ctx context.Context, phone string) (bool, error)  { return false, nil }
func (stubMessenger) LabelChat(ctx context.Context, p, l string, labeled bool) error  { return nil }
func (stubMessenger) Start(ctx context.Context) error                                 { return nil }
func (stubMessenger) Stop() error                                                     { return nil }
func (stubMessenger) Events() <-chan models.InboundEvent                              { return nil }

func newTestServer(st store.Store) *Server {
	return NewServer(st, stubMessenger{})
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	var envelope struct {
		Status string          `json:"status"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decoding envelope: %v (%s)", err, rec.Body.String())
	}
	if envelope.Status != "ok" {
		t.Fatalf("status = %q, body: %s", envelope.Status, rec.Body.String())
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			t.Fatalf("decoding result: %v", err)
		}
	}
}

func draftContent() *models.FlowContent {
	return &models.FlowContent{
		EntryStepID:     "menu",
		FallbackMessage: "No te entendí.",
		Steps: map[string]models.Step{
			"menu": {ID: "menu", Message: "¡Hola!", Options: []models.Option{
				{Key: "A", Label: "Turno", NextStepID: "fin"},
			}},
			"fin": {ID: "fin", Message: "¡Gracias!"},
		},
	}
}

func TestHealthEndpoint(t *testing.T) {
	rec := doRequest(t, newTestServer(store.NewInMemoryStore()).Router(), http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
}

func TestFlowSaveAndPublishLifecycle(t *testing.T) {
	st := store.NewInMemoryStore()
	router := newTestServer(st).Router()

	f := models.Flow{
		ID:    "flow-1",
		Name:  "Captación",
		Rules: models.ActivationRules{Organic: true, UnknownContact: true, Priority: 10},
		Draft: draftContent(),
	}
	if rec := doRequest(t, router, http.MethodPost, "/api/flows", f); rec.Code != http.StatusOK {
		t.Fatalf("save flow = %d: %s", rec.Code, rec.Body.String())
	}

	rec := doRequest(t, router, http.MethodPost, "/api/flows/flow-1/publish", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("publish = %d: %s", rec.Code, rec.Body.String())
	}
	var published models.Flow
	decodeResult(t, rec, &published)
	if published.PublishedVersion != 1 || published.Published == nil {
		t.Fatalf("published version = %d, content nil = %v", published.PublishedVersion, published.Published == nil)
	}

	// A republish bumps the version again.
	rec = doRequest(t, router, http.MethodPost, "/api/flows/flow-1/publish", nil)
	decodeResult(t, rec, &published)
	if published.PublishedVersion != 2 {
		t.Errorf("republished version = %d, want 2", published.PublishedVersion)
	}
}

func TestPublishRejectsInvalidDraft(t *testing.T) {
	st := store.NewInMemoryStore()
	router := newTestServer(st).Router()

	broken := draftContent()
	step := broken.Steps["menu"]
	step.Options = []models.Option{{Key: "A", Label: "Turno", NextStepID: "desaparecido"}}
	broken.Steps["menu"] = step

	f := models.Flow{ID: "flow-broken", Name: "Rota", Draft: broken}
	if rec := doRequest(t, router, http.MethodPost, "/api/flows", f); rec.Code != http.StatusBadRequest {
		t.Fatalf("saving a flow with a dangling draft = %d, want 400", rec.Code)
	}
}

func TestSaveFlowPreservesPublishedContent(t *testing.T) {
	st := store.NewInMemoryStore()
	router := newTestServer(st).Router()

	f := models.Flow{ID: "flow-1", Name: "Captación", Draft: draftContent()}
	doRequest(t, router, http.MethodPost, "/api/flows", f)
	doRequest(t, router, http.MethodPost, "/api/flows/flow-1/publish", nil)

	// An editor save must not silently alter what live conversations see.
	update := models.Flow{ID: "flow-1", Name: "Captación v2", Draft: draftContent(), PublishedVersion: 99}
	rec := doRequest(t, router, http.MethodPost, "/api/flows", update)
	var saved models.Flow
	decodeResult(t, rec, &saved)
	if saved.PublishedVersion != 1 || saved.Published == nil {
		t.Errorf("editor save changed published side: version %d", saved.PublishedVersion)
	}
}

func TestConversationPauseAndResume(t *testing.T) {
	st := store.NewInMemoryStore()
	conv := models.Conversation{
		ID: "conv-1", Phone: "5491155550000", FlowID: "f", FlowVersion: 1,
		CurrentStepID: "menu", State: models.ConversationStateActive,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := st.CreateConversation(conv); err != nil {
		t.Fatal(err)
	}
	router := newTestServer(st).Router()

	if rec := doRequest(t, router, http.MethodPost, "/api/conversations/conv-1/pause", nil); rec.Code != http.StatusOK {
		t.Fatalf("pause = %d", rec.Code)
	}
	paused, _ := st.ListConversations(models.ConversationStatePaused)
	if len(paused) != 1 {
		t.Fatalf("paused conversations = %d, want 1", len(paused))
	}

	if rec := doRequest(t, router, http.MethodPost, "/api/conversations/conv-1/resume", nil); rec.Code != http.StatusOK {
		t.Fatalf("resume = %d", rec.Code)
	}
	active, _ := st.ListConversations(models.ConversationStateActive)
	if len(active) != 1 {
		t.Fatalf("active conversations = %d, want 1", len(active))
	}

	if rec := doRequest(t, router, http.MethodPost, "/api/conversations/missing/pause", nil); rec.Code != http.StatusNotFound {
		t.Errorf("pause on unknown id = %d, want 404", rec.Code)
	}
}

func TestAppointmentStatusUpdate(t *testing.T) {
	st := store.NewInMemoryStore()
	appt := models.Appointment{ID: "appt-1", Phone: "5491155550000", Status: models.AppointmentStatusPending, CreatedAt: time.Now()}
	if err := st.CreateAppointment(appt); err != nil {
		t.Fatal(err)
	}
	router := newTestServer(st).Router()

	body := map[string]string{"status": "confirmed"}
	if rec := doRequest(t, router, http.MethodPost, "/api/appointments/appt-1/status", body); rec.Code != http.StatusOK {
		t.Fatalf("status update = %d: %s", rec.Code, rec.Body.String())
	}
	confirmed, _ := st.ListAppointments(models.AppointmentStatusConfirmed)
	if len(confirmed) != 1 {
		t.Fatalf("confirmed = %d, want 1", len(confirmed))
	}

	bad := map[string]string{"status": "whenever"}
	if rec := doRequest(t, router, http.MethodPost, "/api/appointments/appt-1/status", bad); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid status = %d, want 400", rec.Code)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	st := store.NewInMemoryStore()
	router := newTestServer(st).Router()

	if rec := doRequest(t, router, http.MethodGet, "/api/settings/business_hours", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unset setting = %d, want 404", rec.Code)
	}

	hours := models.BusinessHours{
		Enabled:       true,
		Schedule:      map[string]models.DayHours{"mon": {Open: "09:00", Close: "18:00"}},
		ClosedMessage: "Estamos cerrados.",
	}
	if rec := doRequest(t, router, http.MethodPut, "/api/settings/business_hours", hours); rec.Code != http.StatusOK {
		t.Fatalf("put setting = %d: %s", rec.Code, rec.Body.String())
	}

	rec := doRequest(t, router, http.MethodGet, "/api/settings/business_hours", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get setting = %d", rec.Code)
	}
	var got models.BusinessHours
	decodeResult(t, rec, &got)
	if !got.Enabled || got.Schedule["mon"].Open != "09:00" {
		t.Errorf("setting round trip lost data: %+v", got)
	}

	if rec := doRequest(t, router, http.MethodPut, "/api/settings/unknown", hours); rec.Code != http.StatusNotFound {
		t.Errorf("unknown setting = %d, want 404", rec.Code)
	}
}

func TestContactMessagesValidation(t *testing.T) {
	router := newTestServer(store.NewInMemoryStore()).Router()

	if rec := doRequest(t, router, http.MethodGet, "/api/contacts/5491155550000/messages?limit=abc", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", rec.Code)
	}
	if rec := doRequest(t, router, http.MethodGet, "/api/contacts/12/messages", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("short phone = %d, want 400", rec.Code)
	}
}
