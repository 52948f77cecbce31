package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dsalaberry/turnero/internal/models"
	"github.com/dsalaberry/turnero/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client // access to the underlying client for event handling
	events   chan models.InboundEvent
	mu       sync.RWMutex
	stopped  bool
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given Sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		client: client,
		events: make(chan models.InboundEvent, DefaultChannelBufferSize),
	}

	// If the client is a full Client (not just an interface), store it for event handling
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}

	return service
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start begins background processing (event polling).
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")
	if s.waClient != nil {
		go s.handleEvents(ctx)
		slog.Debug("WhatsAppService event handler started")
	} else {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
	}
	return nil
}

// Stop stops background processing and closes the event channel.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.events)
	slog.Info("WhatsAppService stopped")
	return nil
}

// SendMessage sends a text message over WhatsApp.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService SendMessage validation error", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonical)
		return err
	}
	slog.Debug("WhatsAppService message sent", "to", canonical, "body_length", len(body))
	return nil
}

// SendTyping toggles the composing presence.
func (s *WhatsAppService) SendTyping(ctx context.Context, to string, typing bool) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	return s.client.SendTyping(ctx, canonical, typing)
}

// IsKnownContact reports whether the phone is registered on WhatsApp.
func (s *WhatsAppService) IsKnownContact(ctx context.Context, phone string) (bool, error) {
	canonical, err := s.ValidateAndCanonicalizeRecipient(phone)
	if err != nil {
		return false, err
	}
	return s.client.IsOnWhatsApp(ctx, canonical)
}

// LabelChat adds or removes a CRM chat label.
func (s *WhatsAppService) LabelChat(ctx context.Context, phone string, labelID string, labeled bool) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(phone)
	if err != nil {
		return err
	}
	return s.client.LabelChat(ctx, canonical, labelID, labeled)
}

// Events returns the channel of inbound events.
func (s *WhatsAppService) Events() <-chan models.InboundEvent {
	return s.events
}

// handleEvents registers the whatsmeow event handler and feeds text messages
// and rejected calls into the events channel.
func (s *WhatsAppService) handleEvents(ctx context.Context) {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService handleEvents: no client available")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		case *events.CallOffer:
			s.handleIncomingCall(v)
		default:
			// Ignore other event types
		}
	})
	slog.Debug("WhatsAppService event handler registered")

	<-ctx.Done()
	slog.Debug("WhatsAppService handleEvents stopping due to context cancellation")
}

// handleIncomingMessage converts an incoming text message into an InboundEvent.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil {
		return
	}
	if evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}

	var messageText string
	source := models.SourceOrganic
	if evt.Message.Conversation != nil {
		messageText = *evt.Message.Conversation
	} else if evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil {
		messageText = *evt.Message.ExtendedTextMessage.Text
		// Click-to-WhatsApp ads arrive as extended text with an ad reply
		// attached to the context info.
		if ctxInfo := evt.Message.ExtendedTextMessage.ContextInfo; ctxInfo != nil && ctxInfo.ExternalAdReply != nil {
			source = models.SourceAd
		}
	} else {
		// Skip non-text messages (images, audio, etc.)
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	event := models.InboundEvent{
		Kind:      models.EventTextMessage,
		Phone:     evt.Info.Sender.User,
		MessageID: string(evt.Info.ID),
		Text:      messageText,
		PushName:  evt.Info.PushName,
		Source:    source,
		Timestamp: evt.Info.Timestamp,
	}
	s.emit(event)
}

// handleIncomingCall rejects the call at the transport and emits a
// call_rejected event so the engine can still answer with the flow's prompt.
func (s *WhatsAppService) handleIncomingCall(evt *events.CallOffer) {
	from := evt.BasicCallMeta.From.User
	callID := evt.BasicCallMeta.CallID
	slog.Info("WhatsAppService rejecting incoming call", "from", from, "callID", callID)

	if err := s.client.RejectCall(from, callID); err != nil {
		slog.Error("WhatsAppService failed to reject call", "error", err, "from", from)
	}

	event := models.InboundEvent{
		Kind:      models.EventCallRejected,
		Phone:     from,
		MessageID: "call-" + callID,
		Source:    models.SourceOrganic,
		Timestamp: evt.BasicCallMeta.Timestamp,
	}
	s.emit(event)
}

// emit pushes an event into the channel without blocking the whatsmeow
// handler goroutine indefinitely.
func (s *WhatsAppService) emit(event models.InboundEvent) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("WhatsAppService dropping inbound event (service stopped)", "from", event.Phone)
		return
	}

	select {
	case s.events <- event:
		slog.Debug("WhatsAppService inbound event forwarded", "from", event.Phone, "kind", event.Kind)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService events channel blocked, dropping event", "from", event.Phone, "timeout", DefaultChannelTimeout)
	}
}
