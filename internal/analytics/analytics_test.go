package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/eventbus"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/registry"
)

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Upsert(models.BotInstance{
		ID:       "bot-1",
		Provider: models.ProviderBinding{Kind: models.ProviderMock, SessionKey: "s1"},
	}))
	return reg
}

func evt(t models.EventType) models.Event {
	return models.Event{Type: t, BotID: "bot-1", ConversationID: "bot-1:+1", FlowID: "welcome", Timestamp: time.Now()}
}

func TestSinkCountsConversations(t *testing.T) {
	reg := newRegistry(t)
	m := NewMetrics(prometheus.NewRegistry())
	sink := NewSink(reg, m)

	sink.Handle(evt(models.EventConversationStarted))
	sink.Handle(evt(models.EventConversationStarted))
	ended := evt(models.EventConversationEnded)
	ended.Reason = models.EndReasonIdleTimeout
	sink.Handle(ended)
	sink.Handle(evt(models.EventMessageReceived))
	sink.Handle(evt(models.EventMessageSent))
	sink.Handle(evt(models.EventFlowTransition))

	bot, ok := reg.Get("bot-1")
	require.True(t, ok)
	assert.Equal(t, int64(1), bot.Stats.ConversationsActive)
	assert.Equal(t, int64(2), bot.Stats.ConversationsTotal)

	assert.Equal(t, 2.0, promtest.ToFloat64(m.conversationsStarted.WithLabelValues("bot-1")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.conversationsEnded.WithLabelValues(models.EndReasonIdleTimeout)))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.conversationsActive))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.messagesReceived.WithLabelValues("bot-1")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.messagesSent.WithLabelValues("bot-1")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.flowTransitions.WithLabelValues("welcome")))
}

func TestSinkNeverGoesNegative(t *testing.T) {
	reg := newRegistry(t)
	sink := NewSink(reg, nil)
	sink.Handle(evt(models.EventConversationEnded))

	bot, _ := reg.Get("bot-1")
	assert.Equal(t, int64(0), bot.Stats.ConversationsActive)
}

func TestSinkIgnoresUnknownBot(t *testing.T) {
	sink := NewSink(registry.New(), nil)
	e := evt(models.EventConversationStarted)
	e.BotID = "ghost"
	sink.Handle(e)
}

func TestMetricsHandlerExposition(t *testing.T) {
	promReg := prometheus.NewRegistry()
	m := NewMetrics(promReg)
	m.Observe(evt(models.EventMessageReceived))

	rec := httptest.NewRecorder()
	Handler(promReg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `orchestrator_messages_received_total{bot="bot-1"} 1`)
}

type mockPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (p *mockPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func TestForwarderPublishesJSON(t *testing.T) {
	pub := &mockPublisher{}
	f := NewForwarder(pub, "tenants.events.")

	f.Handle(evt(models.EventMessageSent))

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "tenants.events.message_sent", pub.subjects[0])
	var decoded models.Event
	require.NoError(t, json.Unmarshal(pub.payloads[0], &decoded))
	assert.Equal(t, models.EventMessageSent, decoded.Type)
	assert.Equal(t, "bot-1", decoded.BotID)
}

func TestForwarderDefaultsPrefixAndCountsFailures(t *testing.T) {
	pub := &mockPublisher{err: errors.New("nats: connection closed")}
	f := NewForwarder(pub, "")
	assert.True(t, strings.HasPrefix(f.Subject(models.EventFlowTransition), DefaultSubjectPrefix+"."))

	f.Handle(evt(models.EventFlowTransition))
	assert.Equal(t, uint64(1), f.Failed())
}

func TestRunDrainsSubscription(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe("analytics", 16)
	reg := newRegistry(t)
	pub := &mockPublisher{}

	done := make(chan struct{})
	go func() {
		Run(context.Background(), sub, nil, NewSink(reg, nil), NewForwarder(pub, "x"), LogSink{})
		close(done)
	}()

	bus.Publish(evt(models.EventConversationStarted))
	bus.Publish(evt(models.EventMessageReceived))
	bus.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the bus closed")
	}
	bot, _ := reg.Get("bot-1")
	assert.Equal(t, int64(1), bot.Stats.ConversationsTotal)
	assert.Len(t, pub.subjects, 2)
}
