// Package models defines the core data structures for Turnero.
//
// It includes flow definitions, conversation state, contacts, the message
// audit log and appointments, which are shared across modules.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Source classifies where a contact came from.
type Source string

const (
	// SourceAd marks contacts that arrived through an advertisement click.
	SourceAd Source = "ad"
	// SourceOrganic marks contacts that wrote in on their own.
	SourceOrganic Source = "organic"
)

// ConversationState represents the lifecycle state of a conversation.
type ConversationState string

const (
	// ConversationStateActive indicates the bot is driving the dialogue.
	ConversationStateActive ConversationState = "active"
	// ConversationStatePaused indicates a human operator has taken over.
	ConversationStatePaused ConversationState = "paused"
	// ConversationStateClosed indicates the conversation ended or was superseded.
	ConversationStateClosed ConversationState = "closed"
)

// ContactStatus is the business classification of a contact. It is maintained
// by operators through the dashboard, not by the engine.
type ContactStatus string

const (
	ContactStatusPending     ContactStatus = "pending"
	ContactStatusScheduled   ContactStatus = "scheduled"
	ContactStatusUnscheduled ContactStatus = "unscheduled"
)

// Direction indicates whether a logged message was inbound or outbound.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// AppointmentStatus represents the confirmation state of an appointment.
type AppointmentStatus string

const (
	// AppointmentStatusPending indicates the appointment awaits human confirmation.
	AppointmentStatusPending AppointmentStatus = "pending"
	// AppointmentStatusConfirmed indicates an operator confirmed the appointment.
	AppointmentStatusConfirmed AppointmentStatus = "confirmed"
	// AppointmentStatusCancelled indicates the appointment was cancelled.
	AppointmentStatusCancelled AppointmentStatus = "cancelled"
)

// Validation constants for flow content.
const (
	// MaxStepMessageLength defines the maximum allowed length for a step message template.
	MaxStepMessageLength = 4096
	// MaxOptionLabelLength defines the maximum allowed length for option labels.
	MaxOptionLabelLength = 200
	// MaxOptionsPerStep defines the maximum number of options a step may declare.
	MaxOptionsPerStep = 15
)

// Error variables for better error handling and testability.
var (
	ErrEmptyPhone           = errors.New("phone cannot be empty")
	ErrNoPublishedContent   = errors.New("flow has no published content")
	ErrMissingEntryStep     = errors.New("published content entry step does not exist")
	ErrDanglingNextStep     = errors.New("option references a step id that does not exist")
	ErrDuplicateOptionKey   = errors.New("duplicate option key within step")
	ErrEmptyOptionKey       = errors.New("option key cannot be empty")
	ErrStepMessageTooLong   = errors.New("step message exceeds maximum length")
	ErrOptionLabelTooLong   = errors.New("option label exceeds maximum length")
	ErrTooManyOptions       = errors.New("step declares too many options")
	ErrStepNotFound         = errors.New("step not found in flow content")
	ErrFlowVersionNotFound  = errors.New("flow version not found")
	ErrConversationConflict = errors.New("conversation was modified concurrently")
	ErrActiveConversation   = errors.New("an active conversation already exists for this phone")
)

// ActivationRules determine which inbound contacts a flow applies to.
type ActivationRules struct {
	FromAd         bool `json:"from_ad"`         // matches contacts arriving from ads
	Organic        bool `json:"organic"`         // matches contacts arriving organically
	KnownContact   bool `json:"known_contact"`   // matches numbers already known to WhatsApp
	UnknownContact bool `json:"unknown_contact"` // matches numbers not previously seen
	Priority       int  `json:"priority"`
	ForceRestart   bool `json:"force_restart"` // may interrupt an existing conversation on a restart keyword
}

// MatchesSource reports whether the rules accept a contact from the given source.
func (r ActivationRules) MatchesSource(src Source) bool {
	switch src {
	case SourceAd:
		return r.FromAd
	case SourceOrganic:
		return r.Organic
	default:
		return false
	}
}

// MatchesContact reports whether the rules accept a known or unknown contact.
func (r ActivationRules) MatchesContact(isKnown bool) bool {
	if isKnown {
		return r.KnownContact
	}
	return r.UnknownContact
}

// Option represents a selectable branch from a step to another step.
type Option struct {
	Key        string `json:"key"`   // short token shown to the user, e.g. "A"
	Label      string `json:"label"` // human text
	NextStepID string `json:"next_step_id"`
}

// StepActions are the side effects declared by a step, executed when the step
// is entered.
type StepActions struct {
	RegisterAppointment bool     `json:"register_appointment,omitempty"`
	PauseConversation   bool     `json:"pause_conversation,omitempty"`
	AddTags             []string `json:"add_tags,omitempty"`
}

// Step is a node in the dialogue graph.
type Step struct {
	ID      string       `json:"id"`
	Title   string       `json:"title"`
	Message string       `json:"message"` // template, may contain {PROXIMOS_DIAS}
	Options []Option     `json:"options"`
	Actions *StepActions `json:"actions,omitempty"`
}

// FlowContent is one versionable content blob of a flow (draft or published).
type FlowContent struct {
	EntryStepID     string          `json:"entry_step_id"`
	FallbackMessage string          `json:"fallback_message"`
	Steps           map[string]Step `json:"steps"`
}

// Validate checks structural validity of flow content: the entry step and
// every Option.NextStepID must resolve to an existing step, and option keys
// must be unique within a step (case-insensitive).
func (c *FlowContent) Validate() error {
	if _, ok := c.Steps[c.EntryStepID]; !ok {
		return fmt.Errorf("%w: %q", ErrMissingEntryStep, c.EntryStepID)
	}
	for stepID, step := range c.Steps {
		if step.Message == "" {
			return fmt.Errorf("step %q: message template is empty", stepID)
		}
		if len(step.Message) > MaxStepMessageLength {
			return fmt.Errorf("step %q: %w", stepID, ErrStepMessageTooLong)
		}
		if len(step.Options) > MaxOptionsPerStep {
			return fmt.Errorf("step %q: %w", stepID, ErrTooManyOptions)
		}
		seen := make(map[string]bool, len(step.Options))
		for _, opt := range step.Options {
			if opt.Key == "" {
				return fmt.Errorf("step %q: %w", stepID, ErrEmptyOptionKey)
			}
			if len(opt.Label) > MaxOptionLabelLength {
				return fmt.Errorf("step %q option %q: %w", stepID, opt.Key, ErrOptionLabelTooLong)
			}
			key := strings.ToLower(opt.Key)
			if seen[key] {
				return fmt.Errorf("step %q option %q: %w", stepID, opt.Key, ErrDuplicateOptionKey)
			}
			seen[key] = true
			if _, ok := c.Steps[opt.NextStepID]; !ok {
				return fmt.Errorf("step %q option %q -> %q: %w", stepID, opt.Key, opt.NextStepID, ErrDanglingNextStep)
			}
		}
	}
	return nil
}

// Step returns the step with the given id, or an error wrapping ErrStepNotFound.
func (c *FlowContent) Step(id string) (Step, error) {
	step, ok := c.Steps[id]
	if !ok {
		return Step{}, fmt.Errorf("%w: %q", ErrStepNotFound, id)
	}
	return step, nil
}

// Flow is a versioned dialogue definition. Only Published content drives live
// conversations; Draft belongs to the editor and is never read by the engine.
type Flow struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	IsActive         bool            `json:"is_active"`
	Rules            ActivationRules `json:"activation_rules"`
	Draft            *FlowContent    `json:"draft,omitempty"`
	Published        *FlowContent    `json:"published,omitempty"`
	PublishedVersion int             `json:"published_version"` // monotonic, incremented each publish
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Validate checks that a flow intended for live use has valid published content.
func (f *Flow) Validate() error {
	if f.Published == nil {
		return fmt.Errorf("flow %q: %w", f.Name, ErrNoPublishedContent)
	}
	if err := f.Published.Validate(); err != nil {
		return fmt.Errorf("flow %q: %w", f.Name, err)
	}
	return nil
}

// LoopDetection tracks consecutive unmatched inputs per step. The counter
// doubles as the step phase: 0 means the step prompt has not been sent yet,
// any positive value means the prompt went out and inputs are being counted.
type LoopDetection struct {
	CurrentStepID         string    `json:"current_step_id"`
	MessagesInCurrentStep int       `json:"messages_in_current_step"`
	LastStepChangeAt      time.Time `json:"last_step_change_at"`
}

// Conversation is one ongoing dialogue instance per phone number. At most one
// active conversation per phone may exist at any time.
type Conversation struct {
	ID            string            `json:"id"`
	Phone         string            `json:"phone"`
	FlowID        string            `json:"flow_id"`
	FlowVersion   int               `json:"flow_version"` // pins a specific published version
	CurrentStepID string            `json:"current_step_id"`
	State         ConversationState `json:"state"`
	Tags          []string          `json:"tags,omitempty"`
	Loop          LoopDetection     `json:"loop_detection"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// HasTag reports whether the conversation carries the given tag.
func (c *Conversation) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AddTags unions the given tags into the conversation's tag set.
func (c *Conversation) AddTags(tags ...string) {
	for _, tag := range tags {
		if tag != "" && !c.HasTag(tag) {
			c.Tags = append(c.Tags, tag)
		}
	}
}

// Contact is the durable record per phone number, independent of any one
// conversation.
type Contact struct {
	Phone       string        `json:"phone"`
	Name        string        `json:"name,omitempty"`
	DNI         string        `json:"dni,omitempty"`
	Status      ContactStatus `json:"status"`
	Source      Source        `json:"source"`
	Tags        []string      `json:"tags,omitempty"`
	FirstSeenAt time.Time     `json:"first_seen_at"`
	LastSeenAt  time.Time     `json:"last_seen_at"`
}

// Message is one entry of the append-only message audit trail.
type Message struct {
	ID        int64     `json:"id,omitempty"`
	Phone     string    `json:"phone"`
	Direction Direction `json:"direction"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// Appointment is created as a side effect when a step declares
// registerAppointment. Name and DNI are best-effort from contact metadata.
type Appointment struct {
	ID          string            `json:"id"`
	Phone       string            `json:"phone"`
	PatientName string            `json:"patient_name,omitempty"`
	PatientDNI  string            `json:"patient_dni,omitempty"`
	Service     string            `json:"service,omitempty"`
	Status      AppointmentStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
}

// InboundEventKind discriminates the variants of InboundEvent.
type InboundEventKind string

const (
	// EventTextMessage is an inbound text message.
	EventTextMessage InboundEventKind = "text"
	// EventCallRejected is an inbound voice call that the transport rejected.
	// It is routed through the same engine entry point as a text event so the
	// caller still receives the applicable flow's prompt.
	EventCallRejected InboundEventKind = "call_rejected"
)

// InboundEvent is one inbound occurrence from the transport, either a text
// message or a rejected voice call.
type InboundEvent struct {
	Kind      InboundEventKind `json:"kind"`
	Phone     string           `json:"phone"`
	MessageID string           `json:"message_id,omitempty"` // transport id, used for dedup
	Text      string           `json:"text,omitempty"`
	PushName  string           `json:"push_name,omitempty"`
	Source    Source           `json:"source,omitempty"` // ad attribution when the transport reports it
	Timestamp time.Time        `json:"timestamp"`
}

// Validate performs basic validation on an inbound event.
func (e *InboundEvent) Validate() error {
	if e.Phone == "" {
		return ErrEmptyPhone
	}
	switch e.Kind {
	case EventTextMessage, EventCallRejected:
		return nil
	default:
		return fmt.Errorf("invalid inbound event kind %q", e.Kind)
	}
}

// Settings keys recognized by the settings store.
const (
	// SettingBusinessHours stores a BusinessHours value.
	SettingBusinessHours = "business_hours"
	// SettingPaymentConfig stores a PaymentConfig value.
	SettingPaymentConfig = "payment_config"
)

// DayHours is an opening range for a single weekday, "15:04" formatted.
type DayHours struct {
	Open  string `json:"open"`
	Close string `json:"close"`
}

// BusinessHours configures the out-of-hours notice.
type BusinessHours struct {
	Enabled       bool                `json:"enabled"`
	Schedule      map[string]DayHours `json:"schedule"` // keys: "mon".."sun"
	ClosedMessage string              `json:"closed_message"`
}

var weekdayKeys = map[time.Weekday]string{
	time.Monday:    "mon",
	time.Tuesday:   "tue",
	time.Wednesday: "wed",
	time.Thursday:  "thu",
	time.Friday:    "fri",
	time.Saturday:  "sat",
	time.Sunday:    "sun",
}

// IsOpen reports whether t falls inside the configured schedule. Days without
// an entry count as closed, as do malformed ranges.
func (b BusinessHours) IsOpen(t time.Time) bool {
	day, ok := b.Schedule[weekdayKeys[t.Weekday()]]
	if !ok {
		return false
	}
	open, err := time.Parse("15:04", day.Open)
	if err != nil {
		return false
	}
	closeAt, err := time.Parse("15:04", day.Close)
	if err != nil {
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	return minute >= open.Hour()*60+open.Minute() && minute < closeAt.Hour()*60+closeAt.Minute()
}

// PaymentConfig configures the payment-link message sent after an appointment
// is registered. Message may contain the {LINK} placeholder.
type PaymentConfig struct {
	Enabled bool   `json:"enabled"`
	Link    string `json:"link"`
	Message string `json:"message"`
}

// RenderMessage substitutes the payment link into the configured template.
func (p PaymentConfig) RenderMessage() string {
	if p.Message == "" {
		return p.Link
	}
	if strings.Contains(p.Message, "{LINK}") {
		return strings.ReplaceAll(p.Message, "{LINK}", p.Link)
	}
	return strings.TrimSpace(p.Message + "\n" + p.Link)
}
