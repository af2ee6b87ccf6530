package ingestion

import (
	"GoldLedger/internal/core"
	"GoldLedger/internal/ledger"
	"GoldLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// PostingService is the subset of core.Engine the subscriber drives.
type PostingService interface {
	Buy(ctx context.Context, req core.Request) (*core.PostingResult, error)
	Sell(ctx context.Context, req core.Request) (*core.PostingResult, error)
	Hold(ctx context.Context, req core.HoldRequest) (*core.PostingResult, error)
	Unhold(ctx context.Context, req core.HoldRequest) (*core.PostingResult, error)
	Transfer(ctx context.Context, req core.TransferRequest) (*core.PostingResult, error)
}

// CommandSubscriber consumes posting commands from JetStream and applies
// them through the posting engine. Each operation has its own durable
// consumer so a slow sell backlog never stalls buys.
type CommandSubscriber struct {
	js        jetstream.JetStream
	postings  PostingService
	metrics   *observability.Metrics
	logger    zerolog.Logger
	timeout   time.Duration
	consumers []jetstream.ConsumeContext
}

// SubjectConfig maps a NATS subject to a posting operation.
type SubjectConfig struct {
	Subject      string
	Op           Operation
	ConsumerName string
	StreamName   string
}

const (
	PostingsStream = "GOLD_POSTINGS"
	EventsStream   = "GOLD_LEDGER_EVENTS"
)

// DefaultSubjects returns one subject per posting operation. The trailing
// wildcard carries the producer's partition key and is ignored.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "gold.postings.buy.>", Op: OpBuy, ConsumerName: "ledger-buy", StreamName: PostingsStream},
		{Subject: "gold.postings.sell.>", Op: OpSell, ConsumerName: "ledger-sell", StreamName: PostingsStream},
		{Subject: "gold.postings.hold.>", Op: OpHold, ConsumerName: "ledger-hold", StreamName: PostingsStream},
		{Subject: "gold.postings.unhold.>", Op: OpUnhold, ConsumerName: "ledger-unhold", StreamName: PostingsStream},
		{Subject: "gold.postings.transfer.>", Op: OpTransfer, ConsumerName: "ledger-transfer", StreamName: PostingsStream},
	}
}

func NewCommandSubscriber(
	js jetstream.JetStream,
	postings PostingService,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	timeout time.Duration,
) *CommandSubscriber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CommandSubscriber{
		js:       js,
		postings: postings,
		metrics:  metrics,
		logger:   logger,
		timeout:  timeout,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (s *CommandSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := s.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		op := cfg.Op
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			if ctx.Err() != nil {
				_ = msg.Nak()
				return
			}
			if err := s.Handle(ctx, op, msg.Data()); Retryable(err) {
				_ = msg.Nak()
				return
			}
			_ = msg.Ack()
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		s.consumers = append(s.consumers, consumerContext)
		s.logger.Info().
			Str("subject", cfg.Subject).
			Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}

	return nil
}

// Handle parses and applies one command. The returned error tells the
// caller whether redelivery could help; see Retryable.
func (s *CommandSubscriber) Handle(ctx context.Context, op Operation, data []byte) error {
	cmd, err := ParseCommand(op, data)
	if err != nil {
		s.record(op, err)
		s.logger.Warn().Err(err).Str("op", string(op)).Msg("rejected malformed command")
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var res *core.PostingResult
	switch cmd.Op {
	case OpBuy:
		res, err = s.postings.Buy(ctx, cmd.Posting)
	case OpSell:
		res, err = s.postings.Sell(ctx, cmd.Posting)
	case OpHold:
		res, err = s.postings.Hold(ctx, cmd.Hold)
	case OpUnhold:
		res, err = s.postings.Unhold(ctx, cmd.Hold)
	case OpTransfer:
		res, err = s.postings.Transfer(ctx, cmd.Transfer)
	}
	s.record(op, err)

	if err != nil {
		evt := s.logger.Warn()
		if Retryable(err) {
			evt = s.logger.Error()
		}
		evt.Err(err).Str("op", string(op)).Bool("retry", Retryable(err)).Msg("command not applied")
		return err
	}

	s.logger.Debug().
		Str("op", string(op)).
		Str("posting", res.PostingID.String()).
		Msg("command applied")
	return nil
}

// Retryable reports whether a command failure is transient. Validation,
// balance and duplicate failures are final and must be acked so JetStream
// stops redelivering them.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ledger.ErrInvalidRequest),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrDuplicatePosting):
		return false
	default:
		return true
	}
}

func (s *CommandSubscriber) record(op Operation, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.CommandsReceived.WithLabelValues(string(op), outcome(err)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "applied"
	case errors.Is(err, ledger.ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient"
	case errors.Is(err, ledger.ErrDuplicatePosting):
		return "duplicate"
	default:
		return "failed"
	}
}

// Stop gracefully stops all consumers.
func (s *CommandSubscriber) Stop() {
	for _, cc := range s.consumers {
		cc.Stop()
	}
	s.logger.Info().Msg("command subscribers stopped")
}

// EnsureStreams creates the inbound and outbound streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      PostingsStream,
			Subjects:  []string{"gold.postings.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:       EventsStream,
			Subjects:   []string{EventSubjectPrefix + ">"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Replicas:   1,
			Duplicates: 10 * time.Minute,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("goldledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
