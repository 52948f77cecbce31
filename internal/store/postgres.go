// Package store provides storage backends for Turnero.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/dsalaberry/turnero/internal/models"
	"github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore implements Store on top of a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running PostgreSQL migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgreSQL migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	return s.db.Close()
}

// isUniqueViolation reports whether err is a Postgres unique constraint error.
func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

const pgFlowColumns = `id, name, is_active, rules, draft, published, published_version, created_at, updated_at`

// ActivePublishedFlows returns flows that are active and have published content.
func (s *PostgresStore) ActivePublishedFlows() ([]models.Flow, error) {
	rows, err := s.db.Query(`SELECT ` + pgFlowColumns + ` FROM flows WHERE is_active = TRUE AND published IS NOT NULL ORDER BY name`)
	if err != nil {
		slog.Error("PostgresStore ActivePublishedFlows query failed", "error", err)
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()

	var flows []models.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow row: %w", err)
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

// FlowByVersion returns the flow only if its published version still matches.
func (s *PostgresStore) FlowByVersion(flowID string, version int) (*models.Flow, error) {
	row := s.db.QueryRow(`SELECT `+pgFlowColumns+` FROM flows WHERE id = $1 AND published_version = $2`, flowID, version)
	f, err := scanFlow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore FlowByVersion failed", "error", err, "flowID", flowID, "version", version)
		return nil, err
	}
	return &f, nil
}

// SaveFlow stores or replaces a flow definition.
func (s *PostgresStore) SaveFlow(f models.Flow) error {
	rules, err := encodeJSON(f.Rules)
	if err != nil {
		return err
	}
	draft, err := encodeJSON(f.Draft)
	if err != nil {
		return err
	}
	published, err := encodeJSON(f.Published)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO flows (id, name, is_active, rules, draft, published, published_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, is_active = EXCLUDED.is_active, rules = EXCLUDED.rules,
			draft = EXCLUDED.draft, published = EXCLUDED.published,
			published_version = EXCLUDED.published_version, updated_at = EXCLUDED.updated_at`,
		f.ID, f.Name, f.IsActive, rules, draft, published, f.PublishedVersion, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveFlow failed", "error", err, "flow", f.Name)
		return fmt.Errorf("failed to save flow %s: %w", f.Name, err)
	}
	return nil
}

// ListFlows returns all flow definitions.
func (s *PostgresStore) ListFlows() ([]models.Flow, error) {
	rows, err := s.db.Query(`SELECT ` + pgFlowColumns + ` FROM flows ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()

	var flows []models.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow row: %w", err)
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

const pgConversationColumns = `id, phone, flow_id, flow_version, current_step_id, state, tags, loop_step_id, messages_in_step, last_step_change_at, created_at, updated_at`

// OpenConversation returns the phone's active or paused conversation, or nil.
func (s *PostgresStore) OpenConversation(phone string) (*models.Conversation, error) {
	row := s.db.QueryRow(`SELECT `+pgConversationColumns+` FROM conversations WHERE phone = $1 AND state IN ('active', 'paused')`, phone)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore OpenConversation failed", "error", err, "phone", phone)
		return nil, err
	}
	return &c, nil
}

// CreateConversation inserts a new conversation. The partial unique index
// over open (active or paused) conversations allows at most one per phone.
func (s *PostgresStore) CreateConversation(c models.Conversation) error {
	tags, err := encodeJSON(c.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO conversations (id, phone, flow_id, flow_version, current_step_id, state, tags, loop_step_id, messages_in_step, last_step_change_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.Phone, c.FlowID, c.FlowVersion, c.CurrentStepID, c.State, tags,
		c.Loop.CurrentStepID, c.Loop.MessagesInCurrentStep, c.Loop.LastStepChangeAt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("phone %s: %w", c.Phone, models.ErrActiveConversation)
		}
		slog.Error("PostgresStore CreateConversation failed", "error", err, "phone", c.Phone)
		return fmt.Errorf("failed to create conversation for %s: %w", c.Phone, err)
	}
	return nil
}

// UpdateConversation applies c only while the precondition still matches.
func (s *PostgresStore) UpdateConversation(c models.Conversation, pre ConversationPrecondition) error {
	tags, err := encodeJSON(c.Tags)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE conversations
		SET current_step_id = $1, state = $2, tags = $3, loop_step_id = $4, messages_in_step = $5, last_step_change_at = $6, updated_at = $7
		WHERE id = $8 AND state = $9 AND current_step_id = $10 AND messages_in_step = $11`,
		c.CurrentStepID, c.State, tags, c.Loop.CurrentStepID, c.Loop.MessagesInCurrentStep,
		c.Loop.LastStepChangeAt, time.Now(),
		c.ID, pre.State, pre.CurrentStepID, pre.MessagesInCurrentStep)
	if err != nil {
		slog.Error("PostgresStore UpdateConversation failed", "error", err, "id", c.ID)
		return fmt.Errorf("failed to update conversation %s: %w", c.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		slog.Warn("PostgresStore UpdateConversation precondition failed", "id", c.ID, "pre_step", pre.CurrentStepID, "pre_count", pre.MessagesInCurrentStep)
		return fmt.Errorf("conversation %s: %w", c.ID, models.ErrConversationConflict)
	}
	return nil
}

// SetConversationState updates only the state (operator pause/resume).
func (s *PostgresStore) SetConversationState(id string, state models.ConversationState) error {
	res, err := s.db.Exec(`UPDATE conversations SET state = $1, updated_at = $2 WHERE id = $3`, state, time.Now(), id)
	if err != nil {
		slog.Error("PostgresStore SetConversationState failed", "error", err, "id", id)
		return fmt.Errorf("failed to set conversation state: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("conversation %s not found", id)
	}
	return nil
}

// ListConversations returns conversations, optionally filtered by state.
func (s *PostgresStore) ListConversations(state models.ConversationState) ([]models.Conversation, error) {
	query := `SELECT ` + pgConversationColumns + ` FROM conversations`
	var args []any
	if state != "" {
		query += ` WHERE state = $1`
		args = append(args, state)
	}
	query += ` ORDER BY created_at`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FindOrCreateContact returns the contact for phone, creating it on first sight.
func (s *PostgresStore) FindOrCreateContact(phone string, source models.Source, name string) (*models.Contact, error) {
	row := s.db.QueryRow(`SELECT phone, name, dni, status, source, tags, first_seen_at, last_seen_at FROM contacts WHERE phone = $1`, phone)
	c, err := scanContact(row)
	if err == nil {
		if name != "" && c.Name == "" {
			c.Name = name
			if _, uerr := s.db.Exec(`UPDATE contacts SET name = $1 WHERE phone = $2`, name, phone); uerr != nil {
				slog.Error("PostgresStore FindOrCreateContact name update failed", "error", uerr, "phone", phone)
			}
		}
		return &c, nil
	}
	if err != sql.ErrNoRows {
		slog.Error("PostgresStore FindOrCreateContact query failed", "error", err, "phone", phone)
		return nil, err
	}

	now := time.Now()
	c = models.Contact{
		Phone:       phone,
		Name:        name,
		Status:      models.ContactStatusPending,
		Source:      source,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	_, err = s.db.Exec(`
		INSERT INTO contacts (phone, name, dni, status, source, tags, first_seen_at, last_seen_at)
		VALUES ($1, $2, NULL, $3, $4, NULL, $5, $6)
		ON CONFLICT (phone) DO NOTHING`,
		c.Phone, nilIfEmpty(c.Name), c.Status, c.Source, c.FirstSeenAt, c.LastSeenAt)
	if err != nil {
		slog.Error("PostgresStore FindOrCreateContact insert failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to create contact %s: %w", phone, err)
	}
	slog.Info("PostgresStore contact created", "phone", phone, "source", source)
	return &c, nil
}

// TouchContact updates the contact's last-seen timestamp.
func (s *PostgresStore) TouchContact(phone string) error {
	_, err := s.db.Exec(`UPDATE contacts SET last_seen_at = $1 WHERE phone = $2`, time.Now(), phone)
	if err != nil {
		slog.Error("PostgresStore TouchContact failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to touch contact %s: %w", phone, err)
	}
	return nil
}

// SaveContact stores or replaces a contact record.
func (s *PostgresStore) SaveContact(c models.Contact) error {
	tags, err := encodeJSON(c.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO contacts (phone, name, dni, status, source, tags, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (phone) DO UPDATE SET
			name = EXCLUDED.name, dni = EXCLUDED.dni, status = EXCLUDED.status,
			source = EXCLUDED.source, tags = EXCLUDED.tags, last_seen_at = EXCLUDED.last_seen_at`,
		c.Phone, nilIfEmpty(c.Name), nilIfEmpty(c.DNI), c.Status, c.Source, tags, c.FirstSeenAt, c.LastSeenAt)
	if err != nil {
		slog.Error("PostgresStore SaveContact failed", "error", err, "phone", c.Phone)
		return fmt.Errorf("failed to save contact %s: %w", c.Phone, err)
	}
	return nil
}

// ListContacts returns all contact records.
func (s *PostgresStore) ListContacts() ([]models.Contact, error) {
	rows, err := s.db.Query(`SELECT phone, name, dni, status, source, tags, first_seen_at, last_seen_at FROM contacts ORDER BY phone`)
	if err != nil {
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}
	defer rows.Close()

	var out []models.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contact row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendMessage records one message log entry.
func (s *PostgresStore) AppendMessage(m models.Message) error {
	_, err := s.db.Exec(`INSERT INTO messages (phone, direction, body, timestamp) VALUES ($1, $2, $3, $4)`,
		m.Phone, m.Direction, m.Body, m.Timestamp)
	if err != nil {
		slog.Error("PostgresStore AppendMessage failed", "error", err, "phone", m.Phone)
		return fmt.Errorf("failed to append message for %s: %w", m.Phone, err)
	}
	return nil
}

// MessagesByPhone returns the most recent messages for a phone, oldest first.
func (s *PostgresStore) MessagesByPhone(phone string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, phone, direction, body, timestamp FROM (
			SELECT id, phone, direction, body, timestamp FROM messages
			WHERE phone = $1 ORDER BY id DESC LIMIT $2
		) recent ORDER BY id ASC`, phone, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.Phone, &m.Direction, &m.Body, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateAppointment records a new appointment.
func (s *PostgresStore) CreateAppointment(a models.Appointment) error {
	_, err := s.db.Exec(`
		INSERT INTO appointments (id, phone, patient_name, patient_dni, service, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.Phone, nilIfEmpty(a.PatientName), nilIfEmpty(a.PatientDNI), nilIfEmpty(a.Service), a.Status, a.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore CreateAppointment failed", "error", err, "phone", a.Phone)
		return fmt.Errorf("failed to create appointment for %s: %w", a.Phone, err)
	}
	slog.Info("PostgresStore appointment created", "id", a.ID, "phone", a.Phone)
	return nil
}

// ListAppointments returns appointments, optionally filtered by status.
func (s *PostgresStore) ListAppointments(status models.AppointmentStatus) ([]models.Appointment, error) {
	query := `SELECT id, phone, patient_name, patient_dni, service, status, created_at FROM appointments`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query appointments: %w", err)
	}
	defer rows.Close()

	var out []models.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan appointment row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetAppointmentStatus updates the confirmation state of one appointment.
func (s *PostgresStore) SetAppointmentStatus(id string, status models.AppointmentStatus) error {
	res, err := s.db.Exec(`UPDATE appointments SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		slog.Error("PostgresStore SetAppointmentStatus failed", "error", err, "id", id)
		return fmt.Errorf("failed to set appointment status: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("appointment %s not found", id)
	}
	return nil
}

// GetSetting unmarshals the stored value for key into out.
func (s *PostgresStore) GetSetting(key string, out any) (bool, error) {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = $1`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSetting failed", "error", err, "key", key)
		return false, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	if err := decodeSetting(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

// SetSetting stores value under key as JSON.
func (s *PostgresStore) SetSetting(key string, value any) error {
	raw, err := encodeJSON(value)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, raw)
	if err != nil {
		slog.Error("PostgresStore SetSetting failed", "error", err, "key", key)
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// RecordInbound records a transport message id, returning false on duplicates.
func (s *PostgresStore) RecordInbound(messageID, phone string) (bool, error) {
	if messageID == "" {
		return true, nil
	}
	res, err := s.db.Exec(`
		INSERT INTO inbound_dedup (message_id, phone, received_at) VALUES ($1, $2, $3)
		ON CONFLICT (message_id) DO NOTHING`, messageID, phone, time.Now())
	if err != nil {
		slog.Error("PostgresStore RecordInbound failed", "error", err, "messageID", messageID)
		return false, fmt.Errorf("failed to record inbound message %s: %w", messageID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}
