// Package events publishes governance lifecycle events to NATS.
//
// Events are published to subjects of the form:
//   - {prefix}.pair.created
//   - {prefix}.blocker.added
//   - {prefix}.review.completed
//   - {prefix}.task.released
//   - {prefix}.holistic.completed
//   - {prefix}.verdict.recorded
//
// Publishing is best effort. A lost event never changes governance state,
// which lives in the store.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgate/internal/config"
)

// Type names an event.
type Type string

const (
	PairCreated       Type = "pair.created"
	BlockerAdded      Type = "blocker.added"
	ReviewCompleted   Type = "review.completed"
	TaskReleased      Type = "task.released"
	HolisticCompleted Type = "holistic.completed"
	VerdictRecorded   Type = "verdict.recorded"
)

// Event is one lifecycle notification.
type Event struct {
	Type         Type           `json:"type"`
	SessionID    string         `json:"session_id,omitempty"`
	TaskID       string         `json:"task_id,omitempty"`
	ReviewTaskID string         `json:"review_task_id,omitempty"`
	Verdict      string         `json:"verdict,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	Time         time.Time      `json:"time"`
}

// Publisher publishes events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// NATSPublisher publishes JSON events on a NATS connection.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// Connect dials cfg.NATSURL. An empty URL returns Nop.
func Connect(cfg config.EventsConfig, logger *zap.Logger) (Publisher, error) {
	if cfg.NATSURL == "" {
		return Nop{}, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name("taskgate"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrlRedacted()))
		}),
	}
	if cfg.Token.IsSet() {
		opts = append(opts, nats.Token(cfg.Token.Value()))
	}
	nc, err := nats.Connect(cfg.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return NewNATSPublisher(nc, cfg.SubjectPrefix, logger), nil
}

// NewNATSPublisher wraps an existing connection. The publisher owns nc and
// drains it on Close.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = "taskgate"
	}
	return &NATSPublisher{conn: nc, prefix: prefix, logger: logger.Named("events")}
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(t Type) string {
	return p.prefix + "." + string(t)
}

// Publish sends e. A zero Time is stamped with the current time.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(e.Type), data); err != nil {
		return fmt.Errorf("publishing %s: %w", e.Type, err)
	}
	p.logger.Debug("event published", zap.String("type", string(e.Type)), zap.String("task_id", e.TaskID))
	return nil
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// Emit publishes e and logs instead of returning a failure.
func Emit(ctx context.Context, p Publisher, logger *zap.Logger, e Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, e); err != nil && logger != nil {
		logger.Warn("event publish failed", zap.String("type", string(e.Type)), zap.Error(err))
	}
}
