// Package store provides storage backends for Turnero.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/dsalaberry/turnero/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore implements Store on top of a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

const sqliteFlowColumns = `id, name, is_active, rules, draft, published, published_version, created_at, updated_at`

// ActivePublishedFlows returns flows that are active and have published content.
func (s *SQLiteStore) ActivePublishedFlows() ([]models.Flow, error) {
	rows, err := s.db.Query(`SELECT ` + sqliteFlowColumns + ` FROM flows WHERE is_active = 1 AND published IS NOT NULL ORDER BY name`)
	if err != nil {
		slog.Error("SQLiteStore ActivePublishedFlows query failed", "error", err)
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()

	var flows []models.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			slog.Error("SQLiteStore ActivePublishedFlows scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan flow row: %w", err)
		}
		flows = append(flows, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flow rows: %w", err)
	}
	slog.Debug("SQLiteStore ActivePublishedFlows succeeded", "count", len(flows))
	return flows, nil
}

// FlowByVersion returns the flow only if its published version still matches.
func (s *SQLiteStore) FlowByVersion(flowID string, version int) (*models.Flow, error) {
	row := s.db.QueryRow(`SELECT `+sqliteFlowColumns+` FROM flows WHERE id = ? AND published_version = ?`, flowID, version)
	f, err := scanFlow(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore FlowByVersion not found", "flowID", flowID, "version", version)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore FlowByVersion failed", "error", err, "flowID", flowID, "version", version)
		return nil, err
	}
	return &f, nil
}

// SaveFlow stores or replaces a flow definition.
func (s *SQLiteStore) SaveFlow(f models.Flow) error {
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
		INSERT OR REPLACE INTO flows (id, name, is_active, rules, draft, published, published_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Name, f.IsActive, rules, draft, published, f.PublishedVersion, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveFlow failed", "error", err, "flow", f.Name)
		return fmt.Errorf("failed to save flow %s: %w", f.Name, err)
	}
	slog.Debug("SQLiteStore SaveFlow succeeded", "flow", f.Name, "version", f.PublishedVersion)
	return nil
}

// ListFlows returns all flow definitions.
func (s *SQLiteStore) ListFlows() ([]models.Flow, error) {
	rows, err := s.db.Query(`SELECT ` + sqliteFlowColumns + ` FROM flows ORDER BY name`)
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

const sqliteConversationColumns = `id, phone, flow_id, flow_version, current_step_id, state, tags, loop_step_id, messages_in_step, last_step_change_at, created_at, updated_at`

// OpenConversation returns the phone's active or paused conversation, or nil.
func (s *SQLiteStore) OpenConversation(phone string) (*models.Conversation, error) {
	row := s.db.QueryRow(`SELECT `+sqliteConversationColumns+` FROM conversations WHERE phone = ? AND state IN ('active', 'paused')`, phone)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore OpenConversation failed", "error", err, "phone", phone)
		return nil, err
	}
	return &c, nil
}

// CreateConversation inserts a new conversation. The partial unique index
// over open (active or paused) conversations allows at most one per phone.
func (s *SQLiteStore) CreateConversation(c models.Conversation) error {
	tags, err := encodeJSON(c.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO conversations (id, phone, flow_id, flow_version, current_step_id, state, tags, loop_step_id, messages_in_step, last_step_change_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Phone, c.FlowID, c.FlowVersion, c.CurrentStepID, c.State, tags,
		c.Loop.CurrentStepID, c.Loop.MessagesInCurrentStep, c.Loop.LastStepChangeAt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("phone %s: %w", c.Phone, models.ErrActiveConversation)
		}
		slog.Error("SQLiteStore CreateConversation failed", "error", err, "phone", c.Phone)
		return fmt.Errorf("failed to create conversation for %s: %w", c.Phone, err)
	}
	slog.Debug("SQLiteStore CreateConversation succeeded", "phone", c.Phone, "id", c.ID)
	return nil
}

// UpdateConversation applies c only while the precondition still matches.
func (s *SQLiteStore) UpdateConversation(c models.Conversation, pre ConversationPrecondition) error {
	tags, err := encodeJSON(c.Tags)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE conversations
		SET current_step_id = ?, state = ?, tags = ?, loop_step_id = ?, messages_in_step = ?, last_step_change_at = ?, updated_at = ?
		WHERE id = ? AND state = ? AND current_step_id = ? AND messages_in_step = ?`,
		c.CurrentStepID, c.State, tags, c.Loop.CurrentStepID, c.Loop.MessagesInCurrentStep,
		c.Loop.LastStepChangeAt, time.Now(),
		c.ID, pre.State, pre.CurrentStepID, pre.MessagesInCurrentStep)
	if err != nil {
		slog.Error("SQLiteStore UpdateConversation failed", "error", err, "id", c.ID)
		return fmt.Errorf("failed to update conversation %s: %w", c.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		slog.Warn("SQLiteStore UpdateConversation precondition failed", "id", c.ID, "pre_step", pre.CurrentStepID, "pre_count", pre.MessagesInCurrentStep)
		return fmt.Errorf("conversation %s: %w", c.ID, models.ErrConversationConflict)
	}
	slog.Debug("SQLiteStore UpdateConversation succeeded", "id", c.ID, "step", c.CurrentStepID)
	return nil
}

// SetConversationState updates only the state (operator pause/resume).
func (s *SQLiteStore) SetConversationState(id string, state models.ConversationState) error {
	res, err := s.db.Exec(`UPDATE conversations SET state = ?, updated_at = ? WHERE id = ?`, state, time.Now(), id)
	if err != nil {
		slog.Error("SQLiteStore SetConversationState failed", "error", err, "id", id)
		return fmt.Errorf("failed to set conversation state: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("conversation %s not found", id)
	}
	return nil
}

// ListConversations returns conversations, optionally filtered by state.
func (s *SQLiteStore) ListConversations(state models.ConversationState) ([]models.Conversation, error) {
	query := `SELECT ` + sqliteConversationColumns + ` FROM conversations`
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
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
func (s *SQLiteStore) FindOrCreateContact(phone string, source models.Source, name string) (*models.Contact, error) {
	row := s.db.QueryRow(`SELECT phone, name, dni, status, source, tags, first_seen_at, last_seen_at FROM contacts WHERE phone = ?`, phone)
	c, err := scanContact(row)
	if err == nil {
		if name != "" && c.Name == "" {
			c.Name = name
			if _, uerr := s.db.Exec(`UPDATE contacts SET name = ? WHERE phone = ?`, name, phone); uerr != nil {
				slog.Error("SQLiteStore FindOrCreateContact name update failed", "error", uerr, "phone", phone)
			}
		}
		return &c, nil
	}
	if err != sql.ErrNoRows {
		slog.Error("SQLiteStore FindOrCreateContact query failed", "error", err, "phone", phone)
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
		VALUES (?, ?, NULL, ?, ?, NULL, ?, ?)`,
		c.Phone, nilIfEmpty(c.Name), c.Status, c.Source, c.FirstSeenAt, c.LastSeenAt)
	if err != nil {
		slog.Error("SQLiteStore FindOrCreateContact insert failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to create contact %s: %w", phone, err)
	}
	slog.Info("SQLiteStore contact created", "phone", phone, "source", source)
	return &c, nil
}

// TouchContact updates the contact's last-seen timestamp.
func (s *SQLiteStore) TouchContact(phone string) error {
	_, err := s.db.Exec(`UPDATE contacts SET last_seen_at = ? WHERE phone = ?`, time.Now(), phone)
	if err != nil {
		slog.Error("SQLiteStore TouchContact failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to touch contact %s: %w", phone, err)
	}
	return nil
}

// SaveContact stores or replaces a contact record.
func (s *SQLiteStore) SaveContact(c models.Contact) error {
	tags, err := encodeJSON(c.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO contacts (phone, name, dni, status, source, tags, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Phone, nilIfEmpty(c.Name), nilIfEmpty(c.DNI), c.Status, c.Source, tags, c.FirstSeenAt, c.LastSeenAt)
	if err != nil {
		slog.Error("SQLiteStore SaveContact failed", "error", err, "phone", c.Phone)
		return fmt.Errorf("failed to save contact %s: %w", c.Phone, err)
	}
	return nil
}

// ListContacts returns all contact records.
func (s *SQLiteStore) ListContacts() ([]models.Contact, error) {
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
func (s *SQLiteStore) AppendMessage(m models.Message) error {
	_, err := s.db.Exec(`INSERT INTO messages (phone, direction, body, timestamp) VALUES (?, ?, ?, ?)`,
		m.Phone, m.Direction, m.Body, m.Timestamp)
	if err != nil {
		slog.Error("SQLiteStore AppendMessage failed", "error", err, "phone", m.Phone)
		return fmt.Errorf("failed to append message for %s: %w", m.Phone, err)
	}
	return nil
}

// MessagesByPhone returns the most recent messages for a phone, oldest first.
func (s *SQLiteStore) MessagesByPhone(phone string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, phone, direction, body, timestamp FROM (
			SELECT id, phone, direction, body, timestamp FROM messages
			WHERE phone = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, phone, limit)
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
func (s *SQLiteStore) CreateAppointment(a models.Appointment) error {
	_, err := s.db.Exec(`
		INSERT INTO appointments (id, phone, patient_name, patient_dni, service, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Phone, nilIfEmpty(a.PatientName), nilIfEmpty(a.PatientDNI), nilIfEmpty(a.Service), a.Status, a.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateAppointment failed", "error", err, "phone", a.Phone)
		return fmt.Errorf("failed to create appointment for %s: %w", a.Phone, err)
	}
	slog.Info("SQLiteStore appointment created", "id", a.ID, "phone", a.Phone)
	return nil
}

// ListAppointments returns appointments, optionally filtered by status.
func (s *SQLiteStore) ListAppointments(status models.AppointmentStatus) ([]models.Appointment, error) {
	query := `SELECT id, phone, patient_name, patient_dni, service, status, created_at FROM appointments`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
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
func (s *SQLiteStore) SetAppointmentStatus(id string, status models.AppointmentStatus) error {
	res, err := s.db.Exec(`UPDATE appointments SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		slog.Error("SQLiteStore SetAppointmentStatus failed", "error", err, "id", id)
		return fmt.Errorf("failed to set appointment status: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("appointment %s not found", id)
	}
	return nil
}

// GetSetting unmarshals the stored value for key into out.
func (s *SQLiteStore) GetSetting(key string, out any) (bool, error) {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSetting failed", "error", err, "key", key)
		return false, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	if err := decodeSetting(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

// SetSetting stores value under key as JSON.
func (s *SQLiteStore) SetSetting(key string, value any) error {
	raw, err := encodeJSON(value)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`, key, raw)
	if err != nil {
		slog.Error("SQLiteStore SetSetting failed", "error", err, "key", key)
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// RecordInbound records a transport message id, returning false on duplicates.
func (s *SQLiteStore) RecordInbound(messageID, phone string) (bool, error) {
	if messageID == "" {
		return true, nil
	}
	res, err := s.db.Exec(`INSERT OR IGNORE INTO inbound_dedup (message_id, phone, received_at) VALUES (?, ?, ?)`,
		messageID, phone, time.Now())
	if err != nil {
		slog.Error("SQLiteStore RecordInbound failed", "error", err, "messageID", messageID)
		return false, fmt.Errorf("failed to record inbound message %s: %w", messageID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		slog.Debug("SQLiteStore RecordInbound duplicate", "messageID", messageID, "phone", phone)
		return false, nil
	}
	return true, nil
}
