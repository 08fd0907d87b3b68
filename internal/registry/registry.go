// Package registry keeps the active bot instances and resolves provider sessions to bots.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
)

var (
	// ErrBotNotFound is returned for unknown bot ids.
	ErrBotNotFound = errors.New("bot not found")
	// ErrSessionTaken is returned when a session key is already bound to another bot.
	ErrSessionTaken = errors.New("provider session already bound to another bot")
)

// slot holds one bot behind its own lock so stats updates on different bots never contend.
type slot struct {
	mu  sync.Mutex
	bot models.BotInstance
}

// Registry is the concurrent map of active bots with a session-key index.
type Registry struct {
	mu       sync.RWMutex
	bots     map[string]*slot
	sessions map[string]string
	now      func() time.Time
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		bots:     make(map[string]*slot),
		sessions: make(map[string]string),
		now:      time.Now,
	}
}

// Upsert inserts or replaces a bot. Running stats of an existing bot are kept.
func (r *Registry) Upsert(bot models.BotInstance) error {
	if err := bot.Validate(); err != nil {
		return err
	}
	key := bot.Provider.IndexKey()

	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.sessions[key]; ok && owner != bot.ID {
		return fmt.Errorf("%w: %s is bound to %s", ErrSessionTaken, key, owner)
	}

	if existing, ok := r.bots[bot.ID]; ok {
		existing.mu.Lock()
		oldKey := existing.bot.Provider.IndexKey()
		bot.Stats = existing.bot.Stats
		if bot.CreatedAt.IsZero() {
			bot.CreatedAt = existing.bot.CreatedAt
		}
		existing.bot = bot.Clone()
		existing.mu.Unlock()
		if oldKey != key {
			delete(r.sessions, oldKey)
		}
		r.sessions[key] = bot.ID
		slog.Info("Registry.Upsert: bot updated", "botID", bot.ID, "session", key)
		return nil
	}

	if bot.CreatedAt.IsZero() {
		bot.CreatedAt = r.now()
	}
	r.bots[bot.ID] = &slot{bot: bot.Clone()}
	r.sessions[key] = bot.ID
	slog.Info("Registry.Upsert: bot registered", "botID", bot.ID, "tenantID", bot.TenantID, "session", key)
	return nil
}

// Get returns a copy of the bot.
func (r *Registry) Get(id string) (models.BotInstance, bool) {
	s, ok := r.slot(id)
	if !ok {
		return models.BotInstance{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bot.Clone(), true
}

// Remove deprovisions a bot and drops its session index entry.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.bots[id]
	if !ok {
		return false
	}
	s.mu.Lock()
	key := s.bot.Provider.IndexKey()
	s.mu.Unlock()
	delete(r.bots, id)
	if r.sessions[key] == id {
		delete(r.sessions, key)
	}
	slog.Info("Registry.Remove: bot removed", "botID", id)
	return true
}

// ResolveSession returns the bot bound to a provider session key.
func (r *Registry) ResolveSession(kind models.ProviderKind, sessionKey string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.sessions[models.SessionIndexKey(kind, sessionKey)]
	return id, ok
}

// UpdateStats applies fn to the bot's counters under the bot's own lock.
func (r *Registry) UpdateStats(id string, fn func(*models.BotStats)) error {
	s, ok := r.slot(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrBotNotFound, id)
	}
	s.mu.Lock()
	fn(&s.bot.Stats)
	s.mu.Unlock()
	return nil
}

// List returns copies of all bots ordered by id.
func (r *Registry) List() []models.BotInstance {
	r.mu.RLock()
	slots := make([]*slot, 0, len(r.bots))
	for _, s := range r.bots {
		slots = append(slots, s)
	}
	r.mu.RUnlock()

	out := make([]models.BotInstance, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		out = append(out, s.bot.Clone())
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered bots.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bots)
}

func (r *Registry) slot(id string) (*slot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.bots[id]
	return s, ok
}
