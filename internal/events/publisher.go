// Package events publishes run progress to NATS subscribers.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix is prepended to the run id to form the progress subject.
const SubjectPrefix = "testplan.progress"

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Event is the wire form of a progress update.
type Event struct {
	RunID     string    `json:"run_id"`
	Step      string    `json:"step"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	Content   any       `json:"content,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Subject returns the subject progress for runID is published on.
func Subject(runID string) string {
	return SubjectPrefix + "." + runID
}

// Publisher sends progress events. Publish failures are logged, never
// returned, so a broken broker cannot stall a run.
type Publisher struct {
	conn   Conn
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher wraps an existing connection.
func NewPublisher(conn Conn, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, logger: logger.With("component", "events"), now: time.Now}
}

// Connect dials url and returns a publisher plus a close func that drains
// the connection.
func Connect(url string, logger *slog.Logger) (*Publisher, func(), error) {
	nc, err := nats.Connect(url, nats.Name("testplan-agent"))
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}
	closeFn := func() {
		_ = nc.Drain()
		nc.Close()
	}
	return NewPublisher(nc, logger), closeFn, nil
}

// Publish sends ev on the run's subject. A nil Publisher does nothing.
func (p *Publisher) Publish(ev Event) {
	if p == nil || p.conn == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("failed to encode progress event", "run_id", ev.RunID, "error", err)
		return
	}
	if err := p.conn.Publish(Subject(ev.RunID), data); err != nil {
		p.logger.Warn("failed to publish progress event", "run_id", ev.RunID, "error", err)
	}
}
