package ingestion_test

import (
	"GoldLedger/internal/ingestion"
	"GoldLedger/internal/testutil"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Requires a JetStream-enabled server at TEST_NATS_URL.
func TestNATS_CommandRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL(), zerolog.Nop())
	if err != nil {
		t.Skipf("test nats not available: %v", err)
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, ingestion.EnsureStreams(ctx, js, zerolog.Nop()))
	postingsStream, err := js.Stream(ctx, ingestion.PostingsStream)
	require.NoError(t, err)
	require.NoError(t, postingsStream.Purge(ctx))

	postings := &stubPostings{}
	sub := ingestion.NewCommandSubscriber(js, postings, nil, zerolog.Nop(), time.Second)
	subjects := []ingestion.SubjectConfig{{
		Subject:      "gold.postings.hold.>",
		Op:           ingestion.OpHold,
		ConsumerName: "ledger-hold-it",
		StreamName:   ingestion.PostingsStream,
	}}
	require.NoError(t, sub.Subscribe(ctx, subjects))
	defer sub.Stop()

	data, err := json.Marshal(map[string]string{
		"user_id":      userID,
		"custodian_id": custodianID,
		"weight":       "0.250",
		"payment_ref":  "hold-it-1",
	})
	require.NoError(t, err)
	_, err = js.Publish(ctx, "gold.postings.hold."+userID, data)
	require.NoError(t, err)

	consumer, err := js.Consumer(ctx, ingestion.PostingsStream, "ledger-hold-it")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		info, err := consumer.Info(ctx)
		return err == nil && info.AckFloor.Consumer >= 1
	}, 5*time.Second, 50*time.Millisecond, "command should be acked")
	require.NoError(t, js.DeleteConsumer(ctx, ingestion.PostingsStream, "ledger-hold-it"))
}

func TestNATS_PublisherDedupesByKey(t *testing.T) {
	testutil.RequireIntegration(t)

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL(), zerolog.Nop())
	if err != nil {
		t.Skipf("test nats not available: %v", err)
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, ingestion.EnsureStreams(ctx, js, zerolog.Nop()))
	stream, err := js.Stream(ctx, ingestion.EventsStream)
	require.NoError(t, err)
	require.NoError(t, stream.Purge(ctx))

	pub := ingestion.NewOutboundPublisher(js, 8, nil, zerolog.Nop())
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = pub.Run(runCtx) }()

	evt := committed()
	pub.Emit(evt)
	pub.Emit(evt)

	assert.Eventually(t, func() bool {
		info, err := stream.Info(ctx)
		return err == nil && info.State.Msgs == 1 && pub.Pending() == 0
	}, 5*time.Second, 50*time.Millisecond)

	msg, err := stream.GetLastMsgForSubject(ctx, "gold.ledger.events.PostingCommitted")
	require.NoError(t, err)
	assert.Equal(t, evt.PostingID.String(), msg.Header.Get(jetstream.MsgIDHeader))
}
