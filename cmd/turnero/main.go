// Turnero is a WhatsApp appointment bot for small businesses: it drives
// inbound contacts through configurable conversation flows, registers
// appointments and hands off to a human when the dialogue stalls.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dsalaberry/turnero/internal/api"
	"github.com/dsalaberry/turnero/internal/flow"
	"github.com/dsalaberry/turnero/internal/messaging"
	"github.com/dsalaberry/turnero/internal/scheduler"
	"github.com/dsalaberry/turnero/internal/store"
	"github.com/dsalaberry/turnero/internal/twiliowhatsapp"
	"github.com/dsalaberry/turnero/internal/util"
	"github.com/dsalaberry/turnero/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Turnero state data
	DefaultStateDir = "/var/lib/turnero"
	// DefaultDBFileName is the default SQLite database filename for the store
	DefaultDBFileName = "turnero.db"
	// DefaultWhatsmeowDBFileName is the default SQLite filename for the WhatsApp session
	DefaultWhatsmeowDBFileName = "whatsmeow.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	if err := run(flags); err != nil {
		slog.Error("Turnero failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Turnero exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir       string
	DatabaseURL    string
	WhatsAppDSN    string
	WhatsAppDriver string
	Backend        string
	APIAddr        string
	OperatorPhone  string
	HandoffLabelID string
	DigestCron     string
	TypingDelay    time.Duration
	DebugLog       bool
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	dbDSN         *string
	waDriver      *string
	waDSN         *string
	backend       *string
	apiAddr       *string
	operatorPhone *string
	handoffLabel  *string
	digestCron    *string
	typingDelay   time.Duration
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("TURNERO_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:       os.Getenv("TURNERO_STATE_DIR"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		WhatsAppDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		WhatsAppDriver: os.Getenv("WHATSAPP_DB_DRIVER"),
		Backend:        os.Getenv("MESSAGING_BACKEND"),
		APIAddr:        os.Getenv("API_ADDR"),
		OperatorPhone:  os.Getenv("OPERATOR_PHONE"),
		HandoffLabelID: os.Getenv("HANDOFF_LABEL_ID"),
		DigestCron:     os.Getenv("DIGEST_SCHEDULE"),
		TypingDelay:    util.ParseMillisEnv("TYPING_DELAY_MS", flow.DefaultTypingDelay),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No TURNERO_STATE_DIR set, using default", "state_dir", config.StateDir)
	}
	if config.Backend == "" {
		config.Backend = "whatsmeow"
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, DefaultWhatsmeowDBFileName)
	}

	slog.Debug("environment variables loaded",
		"TURNERO_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"MESSAGING_BACKEND", config.Backend,
		"API_ADDR", config.APIAddr,
		"OPERATOR_PHONE_SET", config.OperatorPhone != "",
		"DIGEST_SCHEDULE", config.DigestCron)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:      flag.String("qr-output", "", "path to write login QR code"),
		numeric:       flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for Turnero data (overrides $TURNERO_STATE_DIR)"),
		dbDSN:         flag.String("db-dsn", config.DatabaseURL, "database DSN for the store (overrides $DATABASE_URL)"),
		waDriver:      flag.String("wa-db-driver", config.WhatsAppDriver, "database driver for the WhatsApp session (overrides $WHATSAPP_DB_DRIVER)"),
		waDSN:         flag.String("wa-db-dsn", config.WhatsAppDSN, "database DSN for the WhatsApp session (overrides $WHATSAPP_DB_DSN)"),
		backend:       flag.String("backend", config.Backend, "messaging backend: whatsmeow or twilio (overrides $MESSAGING_BACKEND)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		operatorPhone: flag.String("operator-phone", config.OperatorPhone, "operator phone for escalations and digests (overrides $OPERATOR_PHONE)"),
		handoffLabel:  flag.String("handoff-label", config.HandoffLabelID, "chat label id applied on handoff (overrides $HANDOFF_LABEL_ID)"),
		digestCron:    flag.String("digest-cron", config.DigestCron, "cron schedule for the pending appointments digest (overrides $DIGEST_SCHEDULE)"),
		typingDelay:   config.TypingDelay,
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"backend", *flags.backend,
		"apiAddr", *flags.apiAddr,
		"operatorPhone_set", *flags.operatorPhone != "")

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	for _, dsn := range []string{*flags.dbDSN, *flags.waDSN} {
		if dsn == "" || store.DetectDSNType(dsn) == "postgres" {
			continue
		}
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// buildStore constructs the persistence backend from the DSN.
func buildStore(flags Flags) (store.Store, error) {
	dsn := *flags.dbDSN
	if dsn == "" {
		slog.Info("No database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildMessaging constructs the transport. The Twilio backend also returns its
// webhook handler for the API server to mount.
func buildMessaging(flags Flags) (messaging.Service, []api.Option, error) {
	if *flags.backend == "twilio" {
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, err
		}
		service := messaging.NewTwilioService(client)
		slog.Info("Messaging backend configured", "backend", "twilio")
		return service, []api.Option{api.WithTwilioWebhook(service.WebhookHandler)}, nil
	}

	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.waDriver != "" {
		waOpts = append(waOpts, whatsapp.WithDBDriver(*flags.waDriver))
	}
	if *flags.waDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
	}
	client, err := whatsapp.NewClient(waOpts...)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("Messaging backend configured", "backend", "whatsmeow")
	return messaging.NewWhatsAppService(client), nil, nil
}

// engineOptions constructs conversation engine options.
func engineOptions(flags Flags) []flow.Option {
	opts := []flow.Option{flow.WithTypingDelay(flags.typingDelay)}
	if *flags.operatorPhone != "" {
		opts = append(opts, flow.WithOperatorPhone(*flags.operatorPhone))
	}
	if *flags.handoffLabel != "" {
		opts = append(opts, flow.WithHandoffLabelID(*flags.handoffLabel))
	}
	return opts
}

// schedulerOptions constructs scheduler options.
func schedulerOptions(flags Flags) []scheduler.Option {
	var opts []scheduler.Option
	if *flags.operatorPhone != "" {
		opts = append(opts, scheduler.WithOperatorPhone(*flags.operatorPhone))
	}
	if *flags.digestCron != "" {
		opts = append(opts, scheduler.WithDigestSchedule(*flags.digestCron))
	}
	return opts
}

// run wires the modules together and blocks until shutdown.
func run(flags Flags) error {
	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	msgService, apiOpts, err := buildMessaging(flags)
	if err != nil {
		return err
	}

	engine := flow.NewEngine(st, msgService, engineOptions(flags)...)
	sched := scheduler.NewScheduler(st, msgService, schedulerOptions(flags)...)
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(st, msgService, apiOpts...)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := msgService.Start(ctx); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	go engine.Run(ctx)
	go func() {
		if err := server.Start(); err != nil {
			slog.Error("API server failed", "error", err)
			cancel()
		}
	}()

	slog.Info("Turnero running", "api_addr", *flags.apiAddr, "backend", *flags.backend)
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("API server shutdown failed", "error", err)
	}
	sched.Stop()
	if err := msgService.Stop(); err != nil {
		slog.Error("Messaging service stop failed", "error", err)
	}
	return nil
}
