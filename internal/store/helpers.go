package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dsalaberry/turnero/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// encodeJSON marshals v, returning nil for use in nullable columns when v is nil.
func encodeJSON(v any) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode JSON column: %w", err)
	}
	return string(raw), nil
}

// decodeContent unmarshals a nullable flow content column.
func decodeContent(raw sql.NullString) (*models.FlowContent, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var content models.FlowContent
	if err := json.Unmarshal([]byte(raw.String), &content); err != nil {
		return nil, fmt.Errorf("failed to decode flow content: %w", err)
	}
	return &content, nil
}

// decodeSetting unmarshals a settings column into out.
func decodeSetting(raw string, out any) error {
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("failed to decode setting value: %w", err)
	}
	return nil
}

// decodeTags unmarshals a nullable tags column.
func decodeTags(raw sql.NullString) ([]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw.String), &tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags: %w", err)
	}
	return tags, nil
}

// scanFlow scans one flows row.
func scanFlow(sc rowScanner) (models.Flow, error) {
	var f models.Flow
	var rules string
	var draft, published sql.NullString
	err := sc.Scan(&f.ID, &f.Name, &f.IsActive, &rules, &draft, &published,
		&f.PublishedVersion, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal([]byte(rules), &f.Rules); err != nil {
		return f, fmt.Errorf("failed to decode activation rules: %w", err)
	}
	if f.Draft, err = decodeContent(draft); err != nil {
		return f, err
	}
	if f.Published, err = decodeContent(published); err != nil {
		return f, err
	}
	return f, nil
}

// scanConversation scans one conversations row.
func scanConversation(sc rowScanner) (models.Conversation, error) {
	var c models.Conversation
	var tags sql.NullString
	err := sc.Scan(&c.ID, &c.Phone, &c.FlowID, &c.FlowVersion, &c.CurrentStepID,
		&c.State, &tags, &c.Loop.CurrentStepID, &c.Loop.MessagesInCurrentStep,
		&c.Loop.LastStepChangeAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	if c.Tags, err = decodeTags(tags); err != nil {
		return c, err
	}
	return c, nil
}

// scanContact scans one contacts row.
func scanContact(sc rowScanner) (models.Contact, error) {
	var c models.Contact
	var name, dni, tags sql.NullString
	err := sc.Scan(&c.Phone, &name, &dni, &c.Status, &c.Source, &tags,
		&c.FirstSeenAt, &c.LastSeenAt)
	if err != nil {
		return c, err
	}
	c.Name = name.String
	c.DNI = dni.String
	if c.Tags, err = decodeTags(tags); err != nil {
		return c, err
	}
	return c, nil
}

// scanAppointment scans one appointments row.
func scanAppointment(sc rowScanner) (models.Appointment, error) {
	var a models.Appointment
	var name, dni, service sql.NullString
	err := sc.Scan(&a.ID, &a.Phone, &name, &dni, &service, &a.Status, &a.CreatedAt)
	if err != nil {
		return a, err
	}
	a.PatientName = name.String
	a.PatientDNI = dni.String
	a.Service = service.String
	return a, nil
}
