package ingestion_test

import (
	"GoldLedger/internal/core"
	"GoldLedger/internal/event"
	"GoldLedger/internal/ingestion"
	"GoldLedger/internal/ledger"
	"GoldLedger/internal/observability"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubPostings records the last call and returns err.
type stubPostings struct {
	calls []string
	last  interface{}
	err   error
}

func (s *stubPostings) result(op string, req interface{}) (*core.PostingResult, error) {
	s.calls = append(s.calls, op)
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	return &core.PostingResult{PostingID: uuid.New()}, nil
}

func (s *stubPostings) Buy(_ context.Context, req core.Request) (*core.PostingResult, error) {
	return s.result("buy", req)
}

func (s *stubPostings) Sell(_ context.Context, req core.Request) (*core.PostingResult, error) {
	return s.result("sell", req)
}

func (s *stubPostings) Hold(_ context.Context, req core.HoldRequest) (*core.PostingResult, error) {
	return s.result("hold", req)
}

func (s *stubPostings) Unhold(_ context.Context, req core.HoldRequest) (*core.PostingResult, error) {
	return s.result("unhold", req)
}

func (s *stubPostings) Transfer(_ context.Context, req core.TransferRequest) (*core.PostingResult, error) {
	return s.result("transfer", req)
}

func decimalOf(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newSubscriber(postings ingestion.PostingService) (*ingestion.CommandSubscriber, *observability.Metrics) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return ingestion.NewCommandSubscriber(nil, postings, metrics, zerolog.Nop(), time.Second), metrics
}

func TestHandle_DispatchesByOperation(t *testing.T) {
	postings := &stubPostings{}
	sub, metrics := newSubscriber(postings)
	ctx := context.Background()

	hold := []byte(`{"user_id":"` + userID + `","custodian_id":"` + custodianID + `","weight":"1","payment_ref":"h"}`)
	transfer := []byte(`{"from_user_id":"` + userID + `","to_user_id":"` + otherUserID + `","custodian_id":"` + custodianID + `","weight":"1","payment_ref":"t"}`)
	sell := []byte(`{"user_id":"` + userID + `","weight":"1","rate":"3000","payment_ref":"s"}`)

	require.NoError(t, sub.Handle(ctx, ingestion.OpSell, sell))
	require.NoError(t, sub.Handle(ctx, ingestion.OpHold, hold))
	require.NoError(t, sub.Handle(ctx, ingestion.OpUnhold, hold))
	require.NoError(t, sub.Handle(ctx, ingestion.OpTransfer, transfer))

	assert.Equal(t, []string{"sell", "hold", "unhold", "transfer"}, postings.calls)
	tr, ok := postings.last.(core.TransferRequest)
	require.True(t, ok)
	assert.Equal(t, "t", tr.PaymentRef)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CommandsReceived.WithLabelValues("hold", "applied")))
}

func TestHandle_MalformedNeverReachesEngine(t *testing.T) {
	postings := &stubPostings{}
	sub, metrics := newSubscriber(postings)

	err := sub.Handle(context.Background(), ingestion.OpBuy, []byte(`{"user_id":"x"}`))

	require.ErrorIs(t, err, ledger.ErrInvalidRequest)
	assert.False(t, ingestion.Retryable(err))
	assert.Empty(t, postings.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CommandsReceived.WithLabelValues("buy", "invalid")))
}

func TestHandle_EngineOutcomes(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		outcome   string
		retryable bool
	}{
		{"insufficient", ledger.NewInsufficientBalanceError(decimalOf("2"), decimalOf("1")), "insufficient", false},
		{"duplicate", fmt.Errorf("%w: pay-1", ledger.ErrDuplicatePosting), "duplicate", false},
		{"posting failed", fmt.Errorf("%w: timeout", ledger.ErrPostingFailed), "failed", true},
		{"unclassified", errors.New("connection reset"), "failed", true},
	}

	sell := []byte(`{"user_id":"` + userID + `","weight":"2","rate":"3000","payment_ref":"s"}`)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub, metrics := newSubscriber(&stubPostings{err: tc.err})

			err := sub.Handle(context.Background(), ingestion.OpSell, sell)

			require.Error(t, err)
			assert.Equal(t, tc.retryable, ingestion.Retryable(err))
			assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CommandsReceived.WithLabelValues("sell", tc.outcome)))
		})
	}
}

func TestRetryable_Nil(t *testing.T) {
	assert.False(t, ingestion.Retryable(nil))
}

// =============================================================================
// Outbound publisher
// =============================================================================

type published struct {
	subject string
	data    []byte
}

type fakeStream struct {
	mu   sync.Mutex
	msgs []published
	err  error
	sent chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{sent: make(chan struct{}, 16)}
}

func (f *fakeStream) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	defer func() { f.sent <- struct{}{} }()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return &jetstream.PubAck{Stream: ingestion.EventsStream}, nil
}

func committed() *event.PostingCommitted {
	return &event.PostingCommitted{
		PostingID:  uuid.New(),
		Operation:  "buy",
		PaymentRef: "pay-1",
		UserID:     uuid.MustParse(userID),
	}
}

func TestPublisher_PublishesEnvelope(t *testing.T) {
	stream := newFakeStream()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	pub := ingestion.NewOutboundPublisher(stream, 4, metrics, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pub.Run(ctx) }()

	evt := committed()
	pub.Emit(evt)

	select {
	case <-stream.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("event was not published")
	}
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	stream.mu.Lock()
	defer stream.mu.Unlock()
	require.Len(t, stream.msgs, 1)
	assert.Equal(t, "gold.ledger.events.PostingCommitted", stream.msgs[0].subject)

	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(stream.msgs[0].data, &env))
	assert.Equal(t, evt.PostingID.String(), env["idempotency_key"])
	assert.Equal(t, "PostingCommitted", env["event_type"])
	assert.Equal(t, userID, env["user_id"])
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.EventsPublished.WithLabelValues("PostingCommitted")))
}

func TestPublisher_FailureCounted(t *testing.T) {
	stream := newFakeStream()
	stream.err = errors.New("no responders")
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	pub := ingestion.NewOutboundPublisher(stream, 4, metrics, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pub.Run(ctx) }()

	pub.Emit(committed())
	select {
	case <-stream.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("publish was not attempted")
	}

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.PublishErrors.WithLabelValues("PostingCommitted")) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPublisher_EmitNeverBlocks(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	pub := ingestion.NewOutboundPublisher(newFakeStream(), 1, metrics, zerolog.Nop())

	pub.Emit(committed())
	pub.Emit(committed())

	assert.Equal(t, 1, pub.Pending())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PublishErrors.WithLabelValues("PostingCommitted")))
}
