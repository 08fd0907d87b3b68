// Package config loads the orchestrator configuration file: runtime settings plus the
// bots and flows seeded at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/flow"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
)

// Duration is a time.Duration written as "90s" or "5m" in YAML.
type Duration time.Duration

// UnmarshalYAML parses a duration string. A bare integer is taken as seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	s := strings.TrimSpace(node.Value)
	if s == "" {
		*d = 0
		return nil
	}
	if secs, err := strconv.Atoi(s); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, s)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

type ReaperConfig struct {
	Interval    Duration `yaml:"interval"`
	IdleTimeout Duration `yaml:"idle_timeout"`
}

type DispatcherConfig struct {
	Workers   int     `yaml:"workers"`
	QueueSize int     `yaml:"queue_size"`
	SendRate  float64 `yaml:"send_rate"`
	SendBurst int     `yaml:"send_burst"`
}

type EventBusConfig struct {
	Capacity int `yaml:"capacity"`
}

type DedupeConfig struct {
	TTL     Duration `yaml:"ttl"`
	MaxSize int      `yaml:"max_size"`
}

type PersistenceConfig struct {
	DSN           string   `yaml:"dsn"`
	StateDir      string   `yaml:"state_dir"`
	FlushInterval Duration `yaml:"flush_interval"`
	SnapshotSpec  string   `yaml:"snapshot_spec"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type OpenAIConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// ProviderConfig holds defaults for provider bindings.
type ProviderConfig struct {
	CallTimeout      Duration `yaml:"call_timeout"`
	FailureThreshold uint32   `yaml:"failure_threshold"`
	OpenTimeout      Duration `yaml:"open_timeout"`
	// WhatsmeowDSN is the session store of native whatsmeow bots.
	WhatsmeowDSN string `yaml:"whatsmeow_dsn"`
	TwilioSID    string `yaml:"twilio_account_sid"`
	TwilioToken  string `yaml:"twilio_auth_token"`
	TwilioFrom   string `yaml:"twilio_from"`
}

type ActionsConfig struct {
	Timeout     Duration `yaml:"timeout"`
	EmailURL    string   `yaml:"email_service_url"`
	CommerceURL string   `yaml:"commerce_service_url"`
}

type EngineConfig struct {
	Greeting      string `yaml:"greeting"`
	Farewell      string `yaml:"farewell"`
	InvalidOption string `yaml:"invalid_option"`
	MaxAutoSteps  int    `yaml:"max_auto_steps"`
}

// Config is the full orchestrator configuration.
type Config struct {
	Server      ServerConfig         `yaml:"server"`
	Reaper      ReaperConfig         `yaml:"reaper"`
	Dispatcher  DispatcherConfig     `yaml:"dispatcher"`
	EventBus    EventBusConfig       `yaml:"event_bus"`
	Dedupe      DedupeConfig         `yaml:"dedupe"`
	Persistence PersistenceConfig    `yaml:"persistence"`
	NATS        NATSConfig           `yaml:"nats"`
	OpenAI      OpenAIConfig         `yaml:"openai"`
	Providers   ProviderConfig       `yaml:"providers"`
	Actions     ActionsConfig        `yaml:"actions"`
	Engine      EngineConfig         `yaml:"engine"`
	Bots        []models.BotInstance `yaml:"bots"`
	Flows       []models.Flow        `yaml:"flows"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Reaper: ReaperConfig{
			Interval:    Duration(5 * time.Minute),
			IdleTimeout: Duration(time.Hour),
		},
		Dispatcher: DispatcherConfig{
			Workers:   16,
			QueueSize: 1024,
			SendRate:  20,
			SendBurst: 5,
		},
		EventBus: EventBusConfig{Capacity: 1000},
		Dedupe: DedupeConfig{
			TTL:     Duration(10 * time.Minute),
			MaxSize: 100000,
		},
		Persistence: PersistenceConfig{
			FlushInterval: Duration(2 * time.Second),
			SnapshotSpec:  "@every 1m",
		},
		NATS: NATSConfig{SubjectPrefix: "orchestrator.events"},
		Providers: ProviderConfig{
			CallTimeout:      Duration(5 * time.Second),
			FailureThreshold: 5,
			OpenTimeout:      Duration(60 * time.Second),
		},
		Actions: ActionsConfig{Timeout: Duration(5 * time.Second)},
	}
}

// Load reads path over the defaults. ${VAR} references are replaced by environment
// values before parsing. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	for i := range cfg.Bots {
		if cfg.Bots[i].Settings == (models.BotSettings{}) {
			cfg.Bots[i].Settings = models.DefaultBotSettings()
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${NAME} with the environment value, or "" when unset.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks settings and seeds. Seed flows are validated the same way the flow
// registry validates them, so an invalid seed fails startup.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Dispatcher.Workers <= 0 {
		errs = append(errs, errors.New("dispatcher.workers must be positive"))
	}
	if c.Dispatcher.QueueSize <= 0 {
		errs = append(errs, errors.New("dispatcher.queue_size must be positive"))
	}
	if c.Reaper.Interval <= 0 || c.Reaper.IdleTimeout <= 0 {
		errs = append(errs, errors.New("reaper.interval and reaper.idle_timeout must be positive"))
	}
	seen := make(map[string]bool, len(c.Bots))
	for i := range c.Bots {
		b := &c.Bots[i]
		if err := b.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[b.ID] {
			errs = append(errs, fmt.Errorf("duplicate bot id %q", b.ID))
		}
		seen[b.ID] = true
	}
	for i := range c.Flows {
		if err := flow.Validate(&c.Flows[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
