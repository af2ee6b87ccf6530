package ingestion

import (
	"GoldLedger/internal/event"
	"GoldLedger/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// EventSubjectPrefix roots every outbound subject:
// gold.ledger.events.{event_type}
const EventSubjectPrefix = "gold.ledger.events."

// StreamPublisher is the part of jetstream.JetStream used for publishing.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes ledger events to NATS for downstream consumers.
// It implements event.Sink; Emit only buffers, Run does the network I/O.
type OutboundPublisher struct {
	js      StreamPublisher
	buf     chan event.Event
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

var _ event.Sink = (*OutboundPublisher)(nil)

func NewOutboundPublisher(js StreamPublisher, buffer int, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &OutboundPublisher{
		js:      js,
		buf:     make(chan event.Event, buffer),
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Emit queues evt. A full buffer drops the event: the ledger state it
// describes is already durable and can be re-read through the query API.
func (p *OutboundPublisher) Emit(evt event.Event) {
	select {
	case p.buf <- evt:
	default:
		p.failed(evt.EventType().String())
		p.logger.Warn().
			Str("event_type", evt.EventType().String()).
			Str("key", evt.IdempotencyKey()).
			Msg("outbound buffer full, event dropped")
	}
}

// Run starts the outbound publisher loop. Events still buffered when ctx is
// cancelled are not published.
func (p *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt := <-p.buf:
			if err := p.publish(ctx, evt); err != nil {
				p.failed(evt.EventType().String())
				p.logger.Warn().Err(err).
					Str("event_type", evt.EventType().String()).
					Str("key", evt.IdempotencyKey()).
					Msg("outbound publish failed")
			}
		}
	}
}

// Pending returns the number of buffered events.
func (p *OutboundPublisher) Pending() int {
	return len(p.buf)
}

func (p *OutboundPublisher) publish(ctx context.Context, evt event.Event) error {
	env := event.Wrap(evt, p.now())
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Nats-Msg-Id lets the stream drop replays inside its duplicate window.
	if _, err := p.js.Publish(ctx, EventSubjectPrefix+env.EventType, data, jetstream.WithMsgID(env.IdempotencyKey)); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.EventsPublished.WithLabelValues(env.EventType).Inc()
	}
	return nil
}

func (p *OutboundPublisher) failed(eventType string) {
	if p.metrics != nil {
		p.metrics.PublishErrors.WithLabelValues(eventType).Inc()
	}
}
