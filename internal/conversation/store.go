// Package conversation owns the live conversation states and the reaper that evicts idle ones.
package conversation

import (
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
)

const shardCount = 32

// ErrNotFound is returned when a conversation does not exist or was removed concurrently.
var ErrNotFound = errors.New("conversation not found")

// entry guards one conversation. removed is set under mu once the entry has left
// its shard, so callers that raced with a removal see ErrNotFound.
type entry struct {
	mu      sync.Mutex
	state   models.ConversationState
	removed bool
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Store is a concurrent map of conversations with one lock per conversation.
// Shard locks are held only for map access, never while a conversation is mutated.
type Store struct {
	shards [shardCount]*shard
}

// NewStore creates an empty Store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum32()%shardCount]
}

// GetOrCreate returns the conversation for id, creating it with factory if absent.
// The factory runs at most once per id; created reports whether this call created it.
func (s *Store) GetOrCreate(id string, factory func() models.ConversationState) (models.ConversationState, bool) {
	sh := s.shardFor(id)

	sh.mu.RLock()
	e, ok := sh.entries[id]
	sh.mu.RUnlock()
	if ok {
		if st, live := e.snapshot(); live {
			return st, false
		}
	}

	sh.mu.Lock()
	if e, ok = sh.entries[id]; ok {
		sh.mu.Unlock()
		if st, live := e.snapshot(); live {
			return st, false
		}
		// removed between our lookups; the remover already deleted it from the shard
		return s.GetOrCreate(id, factory)
	}
	state := factory()
	state.ID = id
	sh.entries[id] = &entry{state: state.Clone()}
	sh.mu.Unlock()

	slog.Debug("Store.GetOrCreate: conversation created", "conversationID", id)
	return state, true
}

// Get returns a copy of the conversation.
func (s *Store) Get(id string) (models.ConversationState, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	e, ok := sh.entries[id]
	sh.mu.RUnlock()
	if !ok {
		return models.ConversationState{}, false
	}
	return e.snapshot()
}

// Mutate runs fn on a private copy of the conversation under its exclusive lock and
// commits the copy only if fn returns nil. Calls for the same id are applied one at a time.
func (s *Store) Mutate(id string, fn func(*models.ConversationState) error) (models.ConversationState, error) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	e, ok := sh.entries[id]
	sh.mu.RUnlock()
	if !ok {
		return models.ConversationState{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return models.ConversationState{}, ErrNotFound
	}
	working := e.state.Clone()
	if err := fn(&working); err != nil {
		return e.state.Clone(), err
	}
	e.state = working
	return working.Clone(), nil
}

// Remove deletes the conversation. It waits for an in-flight mutation of the same id.
func (s *Store) Remove(id string) bool {
	_, ok := s.RemoveIf(id, nil)
	return ok
}

// RemoveIf deletes the conversation when pred, evaluated under the conversation's lock,
// returns true. A nil pred always removes. The removed state is returned.
func (s *Store) RemoveIf(id string, pred func(models.ConversationState) bool) (models.ConversationState, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	e, ok := sh.entries[id]
	sh.mu.RUnlock()
	if !ok {
		return models.ConversationState{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return models.ConversationState{}, false
	}
	if pred != nil && !pred(e.state) {
		return models.ConversationState{}, false
	}
	e.removed = true

	sh.mu.Lock()
	if sh.entries[id] == e {
		delete(sh.entries, id)
	}
	sh.mu.Unlock()

	slog.Debug("Store.RemoveIf: conversation removed", "conversationID", id)
	return e.state.Clone(), true
}

// Snapshot returns copies of every live conversation. It holds at most one shard
// lock or one conversation lock at a time.
func (s *Store) Snapshot() []models.ConversationState {
	var out []models.ConversationState
	for _, sh := range s.shards {
		sh.mu.RLock()
		entries := make([]*entry, 0, len(sh.entries))
		for _, e := range sh.entries {
			entries = append(entries, e)
		}
		sh.mu.RUnlock()

		for _, e := range entries {
			if st, live := e.snapshot(); live {
				out = append(out, st)
			}
		}
	}
	return out
}

// Len returns the number of live conversations.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// CountByBot returns the number of live conversations per bot.
func (s *Store) CountByBot() map[string]int {
	counts := make(map[string]int)
	for _, st := range s.Snapshot() {
		counts[st.BotID]++
	}
	return counts
}

// Restore inserts states that are not already present. Used at startup.
func (s *Store) Restore(states []models.ConversationState) int {
	restored := 0
	for _, st := range states {
		if st.ID == "" {
			st.ID = models.ConversationID(st.BotID, st.Address)
		}
		sh := s.shardFor(st.ID)
		sh.mu.Lock()
		if _, exists := sh.entries[st.ID]; !exists {
			sh.entries[st.ID] = &entry{state: st.Clone()}
			restored++
		}
		sh.mu.Unlock()
	}
	return restored
}

func (e *entry) snapshot() (models.ConversationState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return models.ConversationState{}, false
	}
	return e.state.Clone(), true
}
