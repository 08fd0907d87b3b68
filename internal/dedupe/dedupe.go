// Package dedupe suppresses webhook redeliveries: providers retry on slow or failed
// acknowledgements, and a message must not advance a conversation twice.
package dedupe

import (
	"container/list"
	"strconv"
	"sync"
	"time"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
)

// Defaults for the webhook dedupe window.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 100_000
)

type seenEntry struct {
	at   time.Time
	elem *list.Element
}

// Cache remembers keys for a TTL, bounded by size with oldest-first eviction.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*seenEntry
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

// New creates a Cache and starts its background expiry loop. Call Close to stop it.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	c := &Cache{
		seen:    make(map[string]*seenEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.expireLoop()
	return c
}

// Seen reports whether key was marked within the TTL and marks it otherwise.
// The check and the mark are one atomic step.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.seen[key]; ok {
		if now.Sub(e.at) < c.ttl {
			return true
		}
		e.at = now
		c.order.MoveToBack(e.elem)
		return false
	}
	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			delete(c.seen, front.Value.(string))
			c.order.Remove(front)
		}
	}
	c.seen[key] = &seenEntry{at: now, elem: c.order.PushBack(key)}
	return false
}

// Forget drops a key so a later delivery is processed again.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.seen[key]; ok {
		c.order.Remove(e.elem)
		delete(c.seen, key)
	}
}

// Len returns the number of remembered keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) expireLoop() {
	interval := c.ttl / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.done:
			return
		}
	}
}

// expire drops entries older than the TTL. Entries are refreshed by moving to the back,
// so the list stays ordered by last mark and the walk stops at the first live entry.
func (c *Cache) expire() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key := front.Value.(string)
		if now.Sub(c.seen[key].at) < c.ttl {
			break
		}
		c.order.Remove(front)
		delete(c.seen, key)
		removed++
	}
	return removed
}

// Close stops the expiry loop. It is safe to call multiple times.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.done) })
}

// MessageKey identifies a delivery of msg. The provider message id is used when present;
// otherwise the sender, text and timestamp stand in for it.
func MessageKey(msg models.IncomingMessage) string {
	if msg.ProviderMessageID != "" {
		return msg.BotID + "|" + msg.From + "|id:" + msg.ProviderMessageID
	}
	if msg.Timestamp.IsZero() {
		return ""
	}
	return msg.BotID + "|" + msg.From + "|ts:" + strconv.FormatInt(msg.Timestamp.UnixNano(), 10) + "|" + msg.Message
}
