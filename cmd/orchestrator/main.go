package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/config"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/store"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for orchestrator state data
	DefaultStateDir = "/var/lib/orchestrator"
	// DefaultAppDBFileName is the default SQLite database for bots and conversations
	DefaultAppDBFileName = "orchestrator.db"
	// DefaultWhatsAppDBFileName is the default SQLite device store for native sessions
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

func main() {
	// Load environment configuration
	env := loadEnvironmentConfig()

	// Initialize structured logger
	initializeLogger(env.LogLevel, env.LogFormat)

	// Parse command line flags
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], env)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", flags.configPath, "error", err)
		os.Exit(1)
	}
	applyOverrides(cfg, env, flags)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(cfg); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping conversation orchestrator",
		"config", flags.configPath, "state_dir", cfg.Persistence.StateDir, "api_addr", cfg.Server.Addr,
		"seeded_bots", len(cfg.Bots), "seeded_flows", len(cfg.Flows))

	app, err := newApp(ctx, cfg, flags.appOptions())
	if err != nil {
		slog.Error("Orchestrator failed to start", "error", err)
		os.Exit(1)
	}
	if err := app.Run(ctx); err != nil {
		slog.Error("Orchestrator failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Orchestrator exited successfully")
}

// Config holds environment configuration
type Config struct {
	ConfigPath    string
	StateDir      string
	DatabaseURL   string
	WhatsAppDSN   string
	APIAddr       string
	OpenAIKey     string
	NATSURL       string
	TwilioSID     string
	TwilioToken   string
	TwilioFrom    string
	LogLevel      string
	LogFormat     string
	SkipStateLock bool
}

// Flags holds command line flag values
type Flags struct {
	configPath  string
	stateDir    string
	dbDSN       string
	apiAddr     string
	natsURL     string
	qrOutput    string
	numeric     bool
	noStateLock bool
}

func (f Flags) appOptions() appOptions {
	return appOptions{qrOutput: f.qrOutput, numericCode: f.numeric, skipLock: f.noStateLock}
}

// initializeLogger sets up structured logging. format "json" selects the JSON handler.
func initializeLogger(level, format string) {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	env := Config{
		ConfigPath:    os.Getenv("ORCHESTRATOR_CONFIG"),
		StateDir:      util.GetEnv("ORCHESTRATOR_STATE_DIR", DefaultStateDir),
		DatabaseURL:   util.GetEnv("DATABASE_URL", ""),
		WhatsAppDSN:   util.GetEnv("WHATSAPP_DB_DSN", ""),
		APIAddr:       os.Getenv("API_ADDR"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		NATSURL:       os.Getenv("NATS_URL"),
		TwilioSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:    os.Getenv("TWILIO_FROM"),
		LogLevel:      util.GetEnv("LOG_LEVEL", "info"),
		LogFormat:     util.GetEnv("LOG_FORMAT", "text"),
		SkipStateLock: util.ParseBoolEnv("ORCHESTRATOR_NO_STATE_LOCK", false),
	}

	slog.Debug("environment variables loaded",
		"ORCHESTRATOR_CONFIG", env.ConfigPath,
		"ORCHESTRATOR_STATE_DIR", env.StateDir,
		"DATABASE_URL_SET", env.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", env.WhatsAppDSN != "",
		"API_ADDR", env.APIAddr,
		"OPENAI_API_KEY_SET", env.OpenAIKey != "",
		"NATS_URL_SET", env.NATSURL != "",
		"TWILIO_ACCOUNT_SID_SET", env.TwilioSID != "")

	return env
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, env Config) (Flags, error) {
	var flags Flags
	fs.StringVar(&flags.configPath, "config", env.ConfigPath, "path to the YAML configuration file (overrides $ORCHESTRATOR_CONFIG)")
	fs.StringVar(&flags.stateDir, "state-dir", env.StateDir, "state directory for orchestrator data (overrides $ORCHESTRATOR_STATE_DIR)")
	fs.StringVar(&flags.dbDSN, "db-dsn", env.DatabaseURL, "database DSN for bots and conversations (overrides $DATABASE_URL)")
	fs.StringVar(&flags.apiAddr, "api-addr", env.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&flags.natsURL, "nats-url", env.NATSURL, "NATS server for event forwarding (overrides $NATS_URL)")
	fs.StringVar(&flags.qrOutput, "qr-output", "", "path to write native session login QR codes")
	fs.BoolVar(&flags.numeric, "numeric-code", false, "use numeric login code instead of QR code")
	fs.BoolVar(&flags.noStateLock, "no-state-lock", env.SkipStateLock, "do not take the state directory lock")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	slog.Debug("flags parsed",
		"config", flags.configPath,
		"stateDir", flags.stateDir,
		"dbDSN_set", flags.dbDSN != "",
		"apiAddr", flags.apiAddr,
		"natsURL_set", flags.natsURL != "",
		"qrOutput", flags.qrOutput,
		"numeric", flags.numeric)
	return flags, nil
}

// applyOverrides layers environment and flag values over the loaded file. Values the
// file leaves empty fall back to SQLite files in the state directory.
func applyOverrides(cfg *config.Config, env Config, flags Flags) {
	if flags.stateDir != "" {
		cfg.Persistence.StateDir = flags.stateDir
	}
	if cfg.Persistence.StateDir == "" {
		cfg.Persistence.StateDir = DefaultStateDir
	}
	if flags.dbDSN != "" {
		cfg.Persistence.DSN = flags.dbDSN
	}
	if cfg.Persistence.DSN == "" {
		cfg.Persistence.DSN = filepath.Join(cfg.Persistence.StateDir, DefaultAppDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", cfg.Persistence.DSN)
	}
	if flags.apiAddr != "" {
		cfg.Server.Addr = flags.apiAddr
	}
	if flags.natsURL != "" {
		cfg.NATS.URL = flags.natsURL
	}
	if env.OpenAIKey != "" {
		cfg.OpenAI.APIKey = env.OpenAIKey
	}
	if env.WhatsAppDSN != "" {
		cfg.Providers.WhatsmeowDSN = env.WhatsAppDSN
	}
	if cfg.Providers.WhatsmeowDSN == "" {
		cfg.Providers.WhatsmeowDSN = "file:" + filepath.Join(cfg.Persistence.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	if env.TwilioSID != "" {
		cfg.Providers.TwilioSID = env.TwilioSID
	}
	if env.TwilioToken != "" {
		cfg.Providers.TwilioToken = env.TwilioToken
	}
	if env.TwilioFrom != "" {
		cfg.Providers.TwilioFrom = env.TwilioFrom
	}
}

// ensureDirectoriesExist creates the state directory and, for a file-based DSN, the
// directory holding the database.
func ensureDirectoriesExist(cfg *config.Config) error {
	dirs := []string{cfg.Persistence.StateDir}
	if store.DetectDSNType(cfg.Persistence.DSN) == store.DriverSQLite {
		dirs = append(dirs, filepath.Dir(strings.TrimPrefix(cfg.Persistence.DSN, "file:")))
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		slog.Debug("Creating state directory", "dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
