// Package store provides storage backends for Turnero.
//
// It includes an in-memory store for tests and persistent SQLite and
// PostgreSQL backends used in production.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dsalaberry/turnero/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string // database connection string (file path for SQLite, URL/DSN for Postgres)
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL-style DSNs and "sqlite"
// otherwise (plain file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// ConversationPrecondition is the optimistic precondition for conversation
// updates. An update only applies while the stored state, step and counter
// still match the values the caller loaded.
type ConversationPrecondition struct {
	State                 models.ConversationState
	CurrentStepID         string
	MessagesInCurrentStep int
}

// Store is the persistence contract consumed by the conversation engine and
// the dashboard API.
type Store interface {
	// Flows
	ActivePublishedFlows() ([]models.Flow, error)
	FlowByVersion(flowID string, version int) (*models.Flow, error)
	SaveFlow(f models.Flow) error
	ListFlows() ([]models.Flow, error)

	// Conversations
	// OpenConversation returns the phone's non-closed conversation (active or
	// paused), or nil when none exists.
	OpenConversation(phone string) (*models.Conversation, error)
	CreateConversation(c models.Conversation) error
	// UpdateConversation applies c only if pre still matches the stored row;
	// otherwise it returns models.ErrConversationConflict.
	UpdateConversation(c models.Conversation, pre ConversationPrecondition) error
	SetConversationState(id string, state models.ConversationState) error
	ListConversations(state models.ConversationState) ([]models.Conversation, error)

	// Contacts
	FindOrCreateContact(phone string, source models.Source, name string) (*models.Contact, error)
	TouchContact(phone string) error
	SaveContact(c models.Contact) error
	ListContacts() ([]models.Contact, error)

	// Message log (append-only)
	AppendMessage(m models.Message) error
	MessagesByPhone(phone string, limit int) ([]models.Message, error)

	// Appointments
	CreateAppointment(a models.Appointment) error
	ListAppointments(status models.AppointmentStatus) ([]models.Appointment, error)
	SetAppointmentStatus(id string, status models.AppointmentStatus) error

	// Settings
	GetSetting(key string, out any) (bool, error)
	SetSetting(key string, value any) error

	// RecordInbound inserts an inbound message id for deduplication. It
	// returns false if the id was already recorded (duplicate delivery).
	RecordInbound(messageID, phone string) (bool, error)

	Close() error
}

// InMemoryStore is a map-backed Store used by tests and by deployments that
// do not configure a database DSN.
type InMemoryStore struct {
	mu            sync.Mutex
	flows         map[string]models.Flow
	conversations map[string]models.Conversation
	contacts      map[string]models.Contact
	messages      []models.Message
	appointments  []models.Appointment
	settings      map[string]json.RawMessage
	dedup         map[string]time.Time
	nextMessageID int64
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:         make(map[string]models.Flow),
		conversations: make(map[string]models.Conversation),
		contacts:      make(map[string]models.Contact),
		settings:      make(map[string]json.RawMessage),
		dedup:         make(map[string]time.Time),
	}
}

// ActivePublishedFlows returns flows that are active and have published content.
func (s *InMemoryStore) ActivePublishedFlows() ([]models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var flows []models.Flow
	for _, f := range s.flows {
		if f.IsActive && f.Published != nil {
			flows = append(flows, f)
		}
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i].Name < flows[j].Name })
	return flows, nil
}

// FlowByVersion returns the flow only if its published version still matches v.
func (s *InMemoryStore) FlowByVersion(flowID string, version int) (*models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[flowID]
	if !ok || f.PublishedVersion != version {
		return nil, nil
	}
	out := f
	return &out, nil
}

// SaveFlow stores or replaces a flow definition.
func (s *InMemoryStore) SaveFlow(f models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[f.ID] = f
	return nil
}

// ListFlows returns all flow definitions.
func (s *InMemoryStore) ListFlows() ([]models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	flows := make([]models.Flow, 0, len(s.flows))
	for _, f := range s.flows {
		flows = append(flows, f)
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i].Name < flows[j].Name })
	return flows, nil
}

// OpenConversation returns the phone's active or paused conversation, or nil.
func (s *InMemoryStore) OpenConversation(phone string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conversations {
		if c.Phone == phone && c.State != models.ConversationStateClosed {
			out := c
			return &out, nil
		}
	}
	return nil, nil
}

// CreateConversation inserts a new conversation. At most one open (active or
// paused) conversation is allowed per phone.
func (s *InMemoryStore) CreateConversation(c models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.State != models.ConversationStateClosed {
		for _, existing := range s.conversations {
			if existing.Phone == c.Phone && existing.State != models.ConversationStateClosed {
				return fmt.Errorf("phone %s: %w", c.Phone, models.ErrActiveConversation)
			}
		}
	}
	s.conversations[c.ID] = c
	return nil
}

// UpdateConversation applies c if the precondition still holds.
func (s *InMemoryStore) UpdateConversation(c models.Conversation, pre ConversationPrecondition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.conversations[c.ID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", c.ID, models.ErrConversationConflict)
	}
	if existing.State != pre.State || existing.CurrentStepID != pre.CurrentStepID ||
		existing.Loop.MessagesInCurrentStep != pre.MessagesInCurrentStep {
		return fmt.Errorf("conversation %s: %w", c.ID, models.ErrConversationConflict)
	}
	c.UpdatedAt = time.Now()
	s.conversations[c.ID] = c
	return nil
}

// SetConversationState updates only the state (operator pause/resume).
func (s *InMemoryStore) SetConversationState(id string, state models.ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return fmt.Errorf("conversation %s not found", id)
	}
	c.State = state
	c.UpdatedAt = time.Now()
	s.conversations[id] = c
	return nil
}

// ListConversations returns conversations, optionally filtered by state.
func (s *InMemoryStore) ListConversations(state models.ConversationState) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Conversation
	for _, c := range s.conversations {
		if state == "" || c.State == state {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// FindOrCreateContact returns the contact for phone, creating it on first sight.
func (s *InMemoryStore) FindOrCreateContact(phone string, source models.Source, name string) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.contacts[phone]; ok {
		if name != "" && c.Name == "" {
			c.Name = name
			s.contacts[phone] = c
		}
		out := s.contacts[phone]
		return &out, nil
	}
	now := time.Now()
	c := models.Contact{
		Phone:       phone,
		Name:        name,
		Status:      models.ContactStatusPending,
		Source:      source,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	s.contacts[phone] = c
	return &c, nil
}

// TouchContact updates the contact's last-seen timestamp.
func (s *InMemoryStore) TouchContact(phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[phone]
	if !ok {
		return fmt.Errorf("contact %s not found", phone)
	}
	c.LastSeenAt = time.Now()
	s.contacts[phone] = c
	return nil
}

// SaveContact stores or replaces a contact record.
func (s *InMemoryStore) SaveContact(c models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.Phone] = c
	return nil
}

// ListContacts returns all contact records.
func (s *InMemoryStore) ListContacts() ([]models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Phone < out[j].Phone })
	return out, nil
}

// AppendMessage records one message log entry.
func (s *InMemoryStore) AppendMessage(m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMessageID++
	m.ID = s.nextMessageID
	s.messages = append(s.messages, m)
	return nil
}

// MessagesByPhone returns the most recent messages for a phone, oldest first.
func (s *InMemoryStore) MessagesByPhone(phone string, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.messages {
		if m.Phone == phone {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// CreateAppointment records a new appointment.
func (s *InMemoryStore) CreateAppointment(a models.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appointments = append(s.appointments, a)
	return nil
}

// ListAppointments returns appointments, optionally filtered by status.
func (s *InMemoryStore) ListAppointments(status models.AppointmentStatus) ([]models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Appointment
	for _, a := range s.appointments {
		if status == "" || a.Status == status {
			out = append(out, a)
		}
	}
	return out, nil
}

// SetAppointmentStatus updates the confirmation state of one appointment.
func (s *InMemoryStore) SetAppointmentStatus(id string, status models.AppointmentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.appointments {
		if s.appointments[i].ID == id {
			s.appointments[i].Status = status
			return nil
		}
	}
	return fmt.Errorf("appointment %s not found", id)
}

// GetSetting unmarshals the stored value for key into out. It returns false
// when the key has never been set.
func (s *InMemoryStore) GetSetting(key string, out any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.settings[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("failed to decode setting %s: %w", key, err)
	}
	return true, nil
}

// SetSetting stores value under key as JSON.
func (s *InMemoryStore) SetSetting(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode setting %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = raw
	return nil
}

// RecordInbound records a transport message id, returning false on duplicates.
func (s *InMemoryStore) RecordInbound(messageID, phone string) (bool, error) {
	if messageID == "" {
		return true, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = time.Now()
	return true, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
