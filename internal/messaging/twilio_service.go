package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dsalaberry/turnero/internal/models"
	"github.com/dsalaberry/turnero/internal/twiliowhatsapp"
)

// TwilioService implements the Service interface using the Twilio API.
// Inbound messages arrive through the webhook handler instead of a live
// connection, and typing indicators, contact checks and chat labels are
// unsupported by the API.
type TwilioService struct {
	client  twiliowhatsapp.Sender
	events  chan models.InboundEvent
	mu      sync.RWMutex
	stopped bool
}

// NewTwilioService creates a new TwilioService wrapping the given Sender.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{
		client: client,
		events: make(chan models.InboundEvent, DefaultChannelBufferSize),
	}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start is a no-op for Twilio (inbound arrives via webhook).
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the event channel and stops the service.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.events)
	return nil
}

// SendMessage sends a message via Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}
	return s.client.SendMessage(ctx, canonical, body)
}

// SendTyping is a no-op: the Twilio API does not support typing indicators.
func (s *TwilioService) SendTyping(ctx context.Context, to string, typing bool) error {
	slog.Debug("TwilioService SendTyping ignored (unsupported)", "to", to, "typing", typing)
	return nil
}

// IsKnownContact always reports false: the Twilio API cannot query the
// WhatsApp contact registry, so every contact selects through the
// unknown-contact activation rules.
func (s *TwilioService) IsKnownContact(ctx context.Context, phone string) (bool, error) {
	return false, nil
}

// LabelChat is a no-op: chat labels require a paired phone.
func (s *TwilioService) LabelChat(ctx context.Context, phone string, labelID string, labeled bool) error {
	slog.Debug("TwilioService LabelChat ignored (unsupported)", "phone", phone, "label", labelID)
	return nil
}

// Events returns the channel of inbound events.
func (s *TwilioService) Events() <-chan models.InboundEvent {
	return s.events
}

// WebhookHandler handles inbound Twilio webhook requests. It parses incoming
// messages and emits them as inbound events.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	messageID := r.FormValue("MessageSid")
	if from == "" || body == "" {
		slog.Warn("Twilio webhook missing fields", "from_set", from != "", "body_set", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	canonical, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		slog.Error("Twilio webhook invalid sender", "error", err, "from", from)
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	slog.Info("Inbound WhatsApp message from Twilio", "from", canonical, "body_length", len(body))
	s.emit(models.InboundEvent{
		Kind:      models.EventTextMessage,
		Phone:     canonical,
		MessageID: messageID,
		Text:      body,
		Source:    models.SourceOrganic,
		Timestamp: time.Now(),
	})

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// emit safely pushes an event into the events channel.
func (s *TwilioService) emit(event models.InboundEvent) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("TwilioService dropping inbound event (service stopped)", "from", event.Phone)
		return
	}

	select {
	case s.events <- event:
		slog.Debug("TwilioService emitted inbound event", "from", event.Phone)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService events channel blocked, dropping event", "from", event.Phone)
	}
}
