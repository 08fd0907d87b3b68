package analytics

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
)

// DefaultSubjectPrefix prefixes the NATS subjects events are published on.
const DefaultSubjectPrefix = "orchestrator.events"

// Publisher is the subset of *nats.Conn the forwarder needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// Forwarder publishes events as JSON to "<prefix>.<event type>".
type Forwarder struct {
	pub    Publisher
	prefix string
	failed atomic.Uint64
}

// NewForwarder creates a Forwarder over pub.
func NewForwarder(pub Publisher, prefix string) *Forwarder {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Forwarder{pub: pub, prefix: prefix}
}

// Subject returns the subject an event type is published on.
func (f *Forwarder) Subject(t models.EventType) string {
	return f.prefix + "." + string(t)
}

// Handle publishes evt. Failures are counted and logged, never retried.
func (f *Forwarder) Handle(evt models.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		f.failed.Add(1)
		slog.Error("Forwarder.Handle: failed to encode event", "type", evt.Type, "error", err)
		return
	}
	if err := f.pub.Publish(f.Subject(evt.Type), data); err != nil {
		f.failed.Add(1)
		slog.Warn("Forwarder.Handle: publish failed", "subject", f.Subject(evt.Type), "error", err)
	}
}

// Failed returns how many events could not be forwarded.
func (f *Forwarder) Failed() uint64 {
	return f.failed.Load()
}

// ConnectNATS dials the aggregation broker. The connection reconnects forever;
// callers drain it on shutdown.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("analytics.ConnectNATS: disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("analytics.ConnectNATS: reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	slog.Info("analytics.ConnectNATS: connected", "url", conn.ConnectedUrl())
	return conn, nil
}
