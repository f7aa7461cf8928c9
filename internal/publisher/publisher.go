// Package publisher delivers token lifecycle events to the NATS event
// bus. Delivery is best-effort: a publish failure is logged and counted
// but never propagated into a lifecycle transition.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/etrade-adapter/internal/metrics"
	"github.com/Checker-Finance/etrade-adapter/pkg/model"
)

const venueTag = "ETRADE"

// jetStream is the publish slice of nats.JetStreamContext.
type jetStream interface {
	PublishMsg(msg *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher wraps a NATS JetStream connection for lifecycle events.
type Publisher struct {
	logger  *zap.Logger
	js      jetStream
	service string
}

// New creates a Publisher with JetStream enabled.
func New(logger *zap.Logger, nc *nats.Conn, service string) (*Publisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	return &Publisher{logger: logger, js: js, service: service}, nil
}

// NewWithJetStream wraps an existing JetStream context (used by tests).
func NewWithJetStream(logger *zap.Logger, js jetStream, service string) *Publisher {
	return &Publisher{logger: logger, js: js, service: service}
}

// Publish emits one lifecycle event, fire-and-forget. The caller's state
// transition has already been durably recorded; delivery happens off the
// caller's goroutine so a slow bus cannot block the lifecycle lock.
func (p *Publisher) Publish(ctx context.Context, env model.Environment, kind model.EventKind, details map[string]any) {
	evt := model.LifecycleEvent{
		ID:            uuid.New(),
		CorrelationID: uuid.New(),
		Environment:   env,
		Kind:          kind,
		Venue:         venueTag,
		Details:       details,
		Timestamp:     time.Now().UTC(),
	}
	go p.deliver(evt)
}

func (p *Publisher) deliver(evt model.LifecycleEvent) {
	subject := Subject(evt.Kind)

	data, err := json.Marshal(evt)
	if err != nil {
		p.logger.Error("publisher.marshal_failed",
			zap.String("subject", subject), zap.Error(err))
		metrics.IncPublishError(subject)
		return
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"event_kind":     []string{string(evt.Kind)},
			"correlation_id": []string{evt.CorrelationID.String()},
			"service":        []string{p.service},
			"environment":    []string{string(evt.Environment)},
			"content_type":   []string{"application/json"},
		},
	}

	if _, err := p.js.PublishMsg(msg); err != nil {
		p.logger.Warn("publisher.publish_failed",
			zap.String("subject", subject),
			zap.String("environment", string(evt.Environment)),
			zap.Error(err))
		metrics.IncPublishError(subject)
		return
	}

	p.logger.Debug("publisher.publish_success",
		zap.String("subject", subject),
		zap.String("environment", string(evt.Environment)))
}

// Subject maps an event kind onto the canonical subject hierarchy.
func Subject(kind model.EventKind) string {
	return fmt.Sprintf("evt.auth.%s.v1.%s", strings.ToLower(string(kind)), venueTag)
}

// Noop discards all events; used when no event bus is configured.
type Noop struct{}

func (Noop) Publish(ctx context.Context, env model.Environment, kind model.EventKind, details map[string]any) {
}
