// Package whatsapp wraps the Whatsmeow client for WhatsApp integration in Turnero.
//
// It provides methods for sending messages, chat presence, call rejection and
// CRM chat labels, plus the QR login flow.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dsalaberry/turnero/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/appstate"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for the whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/turnero/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
)

// Sender is the subset of client operations the messaging layer depends on.
// The mock implementation satisfies it for tests.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
	SendTyping(ctx context.Context, to string, typing bool) error
	IsOnWhatsApp(ctx context.Context, phone string) (bool, error)
	RejectCall(callFrom string, callID string) error
	LabelChat(ctx context.Context, phone string, labelID string, labeled bool) error
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDriver    string // whatsmeow database driver ("sqlite3" or "postgres")
	DBDSN       string // whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDriver sets the whatsmeow database driver.
func WithDBDriver(driver string) Option {
	return func(o *Opts) {
		o.DBDriver = driver
	}
}

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs the WhatsApp client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs the WhatsApp client to use numeric login code instead of QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps the Whatsmeow client for modular use.
type Client struct {
	waClient *whatsmeow.Client
}

// NewClient creates a new WhatsApp client, applying any provided options for
// customization, and connects it (running the QR login flow on first use).
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	dbDriver := cfg.DBDriver
	if dbDriver == "" {
		if store.DetectDSNType(dbDSN) == "postgres" {
			dbDriver = "postgres"
		} else {
			dbDriver = "sqlite3"
			if !strings.Contains(dbDSN, "_foreign_keys") && !strings.Contains(dbDSN, "foreign_keys") {
				slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
					"The whatsmeow library strongly recommends enabling foreign keys for data integrity.",
					"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
			}
		}
	}

	slog.Debug("WhatsApp NewClient initializing DB store", "driver", dbDriver, "dsn_set", dbDSN != "")
	logger := waLog.Stdout("Database", "INFO", true)
	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, logger)
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	clientLog := waLog.Stdout("Client", "INFO", true)
	waClient := whatsmeow.NewClient(deviceStore, clientLog)

	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		qrChan, _ := waClient.GetQRChannel(context.Background())
		err = waClient.Connect()
		if err != nil {
			slog.Error("Failed to connect to WhatsApp during login", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				slog.Error("Failed to create QR file", "error", ferr)
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				slog.Debug("WhatsApp login event code received")
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Debug("WhatsApp login event", "event", evt.Event)
			}
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected successfully")
	return &Client{waClient: waClient}, nil
}

// SendMessage sends a WhatsApp text message to the specified recipient.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}

	slog.Debug("Sending WhatsApp message", "to", to, "body_length", len(body))
	jid := types.NewJID(to, JIDSuffix)
	msg := &waE2E.Message{Conversation: &body}

	_, err := c.waClient.SendMessage(ctx, jid, msg)
	if err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	return nil
}

// SendTyping toggles the composing chat presence for the recipient.
func (c *Client) SendTyping(ctx context.Context, to string, typing bool) error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	jid := types.NewJID(to, JIDSuffix)
	state := types.ChatPresencePaused
	if typing {
		state = types.ChatPresenceComposing
	}
	if err := c.waClient.SendChatPresence(jid, state, types.ChatPresenceMediaText); err != nil {
		return fmt.Errorf("failed to send chat presence to %s: %w", to, err)
	}
	return nil
}

// IsOnWhatsApp reports whether the phone number is registered on WhatsApp.
func (c *Client) IsOnWhatsApp(ctx context.Context, phone string) (bool, error) {
	if c.waClient == nil {
		return false, fmt.Errorf("whatsapp client not initialized")
	}
	query := phone
	if !strings.HasPrefix(query, "+") {
		query = "+" + query
	}
	resp, err := c.waClient.IsOnWhatsApp([]string{query})
	if err != nil {
		return false, fmt.Errorf("failed to query WhatsApp registration for %s: %w", phone, err)
	}
	if len(resp) == 0 {
		return false, nil
	}
	return resp[0].IsIn, nil
}

// RejectCall declines an incoming voice call.
func (c *Client) RejectCall(callFrom string, callID string) error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	jid := types.NewJID(callFrom, JIDSuffix)
	if err := c.waClient.RejectCall(jid, callID); err != nil {
		return fmt.Errorf("failed to reject call %s from %s: %w", callID, callFrom, err)
	}
	return nil
}

// LabelChat adds or removes a chat label via an app state patch. Labels are
// how the paired phone's WhatsApp Business CRM views conversation status.
func (c *Client) LabelChat(ctx context.Context, phone string, labelID string, labeled bool) error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	jid := types.NewJID(phone, JIDSuffix)
	patch := appstate.BuildLabelChat(jid, labelID, labeled)
	if err := c.waClient.SendAppState(ctx, patch); err != nil {
		return fmt.Errorf("failed to label chat %s: %w", phone, err)
	}
	slog.Debug("WhatsApp chat label updated", "phone", phone, "label", labelID, "labeled", labeled)
	return nil
}

// GetClient returns the underlying whatsmeow client for event handling.
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// Disconnect closes the underlying connection.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// MockClient implements Sender but records instead of sending (for tests).
type MockClient struct {
	SentMessages  []string
	SentTo        []string
	RejectedCalls []string
	Labels        map[string]string
}

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{Labels: make(map[string]string)}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.SentTo = append(m.SentTo, to)
	m.SentMessages = append(m.SentMessages, body)
	return nil
}

func (m *MockClient) SendTyping(ctx context.Context, to string, typing bool) error {
	return nil
}

func (m *MockClient) IsOnWhatsApp(ctx context.Context, phone string) (bool, error) {
	return false, nil
}

func (m *MockClient) RejectCall(callFrom string, callID string) error {
	m.RejectedCalls = append(m.RejectedCalls, callID)
	return nil
}

func (m *MockClient) LabelChat(ctx context.Context, phone string, labelID string, labeled bool) error {
	if labeled {
		m.Labels[phone] = labelID
	} else {
		delete(m.Labels, phone)
	}
	return nil
}
