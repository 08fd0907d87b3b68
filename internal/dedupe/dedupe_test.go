package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestCache(ttl time.Duration, size int) (*Cache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(ttl, size)
	c.now = clock.Now
	return c, clock
}

func TestSeen(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)
	defer c.Close()

	assert.False(t, c.Seen("a"), "first delivery is new")
	assert.True(t, c.Seen("a"), "redelivery is a duplicate")

	clock.Advance(2 * time.Minute)
	assert.False(t, c.Seen("a"), "expired key is new again")
	assert.True(t, c.Seen("a"))
}

func TestEvictsOldestWhenFull(t *testing.T) {
	c, _ := newTestCache(time.Hour, 2)
	defer c.Close()

	c.Seen("a")
	c.Seen("b")
	c.Seen("c")
	assert.Equal(t, 2, c.Len())
	assert.False(t, c.Seen("a"), "oldest key was evicted")
}

func TestExpire(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)
	defer c.Close()

	c.Seen("old")
	clock.Advance(45 * time.Second)
	c.Seen("new")
	clock.Advance(30 * time.Second)

	assert.Equal(t, 1, c.expire())
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Seen("new"))
}

func TestForget(t *testing.T) {
	c, _ := newTestCache(time.Hour, 10)
	defer c.Close()

	c.Seen("a")
	c.Forget("a")
	assert.False(t, c.Seen("a"))
}

func TestConcurrentSeenAdmitsOnce(t *testing.T) {
	c := New(time.Hour, 1000)
	defer c.Close()

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Seen("same") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fresh.Load())
}

func TestMessageKey(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	withID := models.IncomingMessage{BotID: "b", From: "+1", Message: "hi", ProviderMessageID: "X"}
	assert.Equal(t, "b|+1|id:X", MessageKey(withID))

	noID := models.IncomingMessage{BotID: "b", From: "+1", Message: "hi", Timestamp: ts}
	assert.Equal(t, fmt.Sprintf("b|+1|ts:%d|hi", ts.UnixNano()), MessageKey(noID))

	assert.Empty(t, MessageKey(models.IncomingMessage{BotID: "b", From: "+1", Message: "hi"}))
}

func TestCloseTwice(t *testing.T) {
	c := New(time.Minute, 1)
	c.Close()
	c.Close()
}
