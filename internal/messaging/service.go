// Package messaging provides the transport abstraction between the
// conversation engine and the WhatsApp wire clients.
package messaging

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/dsalaberry/turnero/internal/models"
)

// Constants for messaging service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for the inbound event channel
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when an operation is attempted on a stopped service.
var ErrServiceStopped = errors.New("messaging service is stopped")

// phoneNumberRegex strips everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction. It supports
// outbound sends, typing presence, contact checks, CRM chat labels, and
// provides a channel of inbound events (text messages and rejected calls).
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// identifier to digits only.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a text message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// SendTyping toggles the typing indicator for a recipient. Transports
	// without presence support implement this as a no-op.
	SendTyping(ctx context.Context, to string, typing bool) error

	// IsKnownContact reports whether the phone is a known WhatsApp contact.
	IsKnownContact(ctx context.Context, phone string) (bool, error)

	// LabelChat adds or removes a CRM chat label for the phone's chat.
	LabelChat(ctx context.Context, phone string, labelID string, labeled bool) error

	// Start begins any background processing (e.g., event polling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Events returns a channel of inbound events.
	Events() <-chan models.InboundEvent
}

// CanonicalizePhone reduces a recipient identifier to digits and validates a
// minimum length. Shared by all service implementations.
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", errors.New("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", errors.New("invalid phone number: no digits found")
	}
	if len(canonical) < 6 {
		return "", errors.New("invalid phone number: too short (minimum 6 digits required)")
	}
	return canonical, nil
}
