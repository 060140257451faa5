package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/FlowDeskHQ/FlowDesk/internal/api"
	"github.com/FlowDeskHQ/FlowDesk/internal/flow"
	"github.com/FlowDeskHQ/FlowDesk/internal/lockfile"
	"github.com/FlowDeskHQ/FlowDesk/internal/messaging"
	"github.com/FlowDeskHQ/FlowDesk/internal/store"
	"github.com/FlowDeskHQ/FlowDesk/internal/twiliowhatsapp"
	"github.com/FlowDeskHQ/FlowDesk/internal/util"
	"github.com/FlowDeskHQ/FlowDesk/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FlowDesk state data
	DefaultStateDir = "/var/lib/flowdesk"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "flowdesk.db"
	// TwilioWebhookPattern is the route Twilio posts inbound messages to
	TwilioWebhookPattern = "POST /webhook/twilio"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Prevent a second instance from sharing the state directory
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping FlowDesk", "state_dir", *flags.stateDir, "api_addr", *flags.apiAddr)
	if err := run(ctx, config, flags); err != nil {
		slog.Error("FlowDesk failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FlowDesk exited successfully")
}

// run wires the store, transport, conversation engine, and API server, then
// serves until ctx is cancelled.
func run(ctx context.Context, config Config, flags Flags) error {
	st, closeStore, err := openStore(flags)
	if err != nil {
		return err
	}
	defer closeStore()

	service, registerWebhook, err := buildMessagingService(config, flags)
	if err != nil {
		return err
	}

	sessions := flow.NewSessionManager(st, messaging.NewStoreDispatcher(st))
	responder := messaging.NewResponder(service, st, sessions)
	outbox := store.NewOutboxSender(st, service.SendMessage,
		store.WithOutboxInterval(util.ParseDurationEnv("OUTBOX_INTERVAL", store.DefaultOutboxInterval)),
		store.WithOutboxBatchSize(util.ParseIntEnv("OUTBOX_BATCH_SIZE", store.DefaultOutboxBatchSize)),
		store.WithOutboxMaxAttempts(util.ParseIntEnv("OUTBOX_MAX_ATTEMPTS", store.DefaultOutboxMaxAttempts)),
	)

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(st, apiOpts...)
	if registerWebhook != nil {
		registerWebhook(server)
	}

	if err := service.Start(ctx); err != nil {
		return err
	}
	defer service.Stop()

	go responder.Start(ctx)
	go outbox.Start(ctx)

	return server.Run(ctx)
}

// openStore selects the persistent backend from the DSN flag. An empty DSN
// never reaches this point: loadEnvironmentConfig defaults it to SQLite in
// the state directory.
func openStore(flags Flags) (store.Store, func(), error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		st, err := store.NewPostgresStore(store.WithDSN(*flags.dbDSN))
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
	st, err := store.NewSQLiteStore(store.WithDSN(*flags.dbDSN))
	if err != nil {
		return nil, nil, err
	}
	return st, func() { st.Close() }, nil
}

// buildMessagingService picks the transport. Twilio is used when credentials
// are configured; otherwise a whatsmeow client logs in directly. The returned
// hook registers the Twilio inbound webhook on the API server when needed.
func buildMessagingService(config Config, flags Flags) (messaging.Service, func(*api.Server), error) {
	if config.TwilioAccountSID != "" {
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(config.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(config.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(config.TwilioFromNumber),
		)
		if err != nil {
			return nil, nil, err
		}
		svc := messaging.NewTwilioService(client)
		register := func(s *api.Server) {
			s.Handle(TwilioWebhookPattern, svc.WebhookHandler)
			slog.Info("Twilio webhook registered", "pattern", TwilioWebhookPattern)
		}
		slog.Info("Using Twilio WhatsApp transport")
		return svc, register, nil
	}

	waOpts := buildWhatsAppOptions(flags)
	client, err := whatsapp.NewClient(waOpts...)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("Using whatsmeow WhatsApp transport")
	return messaging.NewWhatsAppService(client), nil, nil
}

// Config holds environment configuration
type Config struct {
	DatabaseURL      string
	StateDir         string
	APIAddr          string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput *string
	numeric  *bool
	stateDir *string
	dbDSN    *string
	apiAddr  *string
}

// initializeLogger sets up structured logging; FLOWDESK_DEBUG enables debug level
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("FLOWDESK_DEBUG", false) {
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
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		StateDir:         os.Getenv("FLOWDESK_STATE_DIR"),
		APIAddr:          os.Getenv("API_ADDR"),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No FLOWDESK_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("FLOWDESK_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"FLOWDESK_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput: flag.String("qr-output", "", "path to write login QR code"),
		numeric:  flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir: flag.String("state-dir", config.StateDir, "state directory for FlowDesk data (overrides $FLOWDESK_STATE_DIR)"),
		dbDSN:    flag.String("db-dsn", config.DatabaseURL, "database DSN for the FlowDesk store (overrides $DATABASE_URL)"),
		apiAddr:  flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "dsn_updated", true, "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", *flags.stateDir)
		return err
	}
	// Ensure the database directory exists if we're using a file-based DSN
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		dbDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating directory for file-based database", "db_dir", dbDir)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			slog.Error("Failed to create database directory", "error", err, "db_dir", dbDir)
			return err
		}
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	// whatsmeow shares the Postgres server when one is configured; with SQLite
	// it keeps its own database file next to the FlowDesk one.
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.dbDSN))
	} else {
		waOpts = append(waOpts, whatsapp.WithDBDSN(filepath.Join(*flags.stateDir, "whatsmeow.db")))
	}
	return waOpts
}
