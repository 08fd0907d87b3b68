// Package store persists bots and conversation state so the engine can recover them
// after a restart.
//
// Records are stored as JSON documents keyed by id in SQLite, PostgreSQL or memory.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// ErrClosed is returned by a store after Close.
var ErrClosed = errors.New("store closed")

// Store is the persistence collaborator of the engine.
type Store interface {
	SaveConversation(ctx context.Context, state models.ConversationState) error
	DeleteConversation(ctx context.Context, id string) error
	LoadConversations(ctx context.Context) ([]models.ConversationState, error)
	SaveBot(ctx context.Context, bot models.BotInstance) error
	DeleteBot(ctx context.Context, id string) error
	LoadBots(ctx context.Context) ([]models.BotInstance, error)
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string // database connection string or SQLite file path
}

// Option configures a store backend.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return WithDSN(dsn)
}

// DetectDSNType returns the driver a DSN is meant for.
// URLs and key=value strings with host or dbname are PostgreSQL; everything else is a SQLite path.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return DriverPostgres
	case strings.Contains(lower, "host=") || strings.Contains(lower, "dbname="):
		return DriverPostgres
	}
	return DriverSQLite
}

// Open creates the backend the DSN points at. An empty DSN gives an in-memory store.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Warn("store.Open: no DSN configured, state will not survive restarts")
		return NewInMemoryStore(), nil
	}
	switch DetectDSNType(cfg.DSN) {
	case DriverPostgres:
		return NewPostgresStore(opts...)
	default:
		return NewSQLiteStore(opts...)
	}
}

// InMemoryStore keeps records in process memory.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]models.ConversationState
	bots          map[string]models.BotInstance
	closed        bool
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]models.ConversationState),
		bots:          make(map[string]models.BotInstance),
	}
}

func (s *InMemoryStore) SaveConversation(ctx context.Context, state models.ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if cur, ok := s.conversations[state.ID]; ok && cur.LastActivity.After(state.LastActivity) {
		return nil
	}
	s.conversations[state.ID] = state.Clone()
	return nil
}

func (s *InMemoryStore) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.conversations, id)
	return nil
}

func (s *InMemoryStore) LoadConversations(ctx context.Context) ([]models.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ConversationState, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) SaveBot(ctx context.Context, bot models.BotInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.bots[bot.ID] = bot.Clone()
	return nil
}

func (s *InMemoryStore) DeleteBot(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.bots, id)
	return nil
}

func (s *InMemoryStore) LoadBots(ctx context.Context) ([]models.BotInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.BotInstance, 0, len(s.bots))
	for _, b := range s.bots {
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// errorf logs and wraps a backend failure.
func errorf(backend, op string, err error, attrs ...any) error {
	slog.Error(backend+"."+op+" failed", append([]any{"error", err}, attrs...)...)
	return fmt.Errorf("%s %s: %w", strings.ToLower(backend), op, err)
}
