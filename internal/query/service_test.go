package query_test

import (
	"GoldLedger/internal/ledger"
	"GoldLedger/internal/observability"
	"GoldLedger/internal/persistence"
	"GoldLedger/internal/query"
	"GoldLedger/internal/testutil"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var g = testutil.Grams

// credit writes a buy-shaped movement. withRecords=false leaves the row
// without its transaction and custody trail.
func credit(t *testing.T, store persistence.Store, user, custodian uuid.UUID, m ledger.Module, w string, withRecords bool) {
	t.Helper()
	ctx := context.Background()

	uow, err := store.Begin(ctx)
	require.NoError(t, err)

	d := ledger.Delta{}
	d.Add(m, g(w), g("0"))
	_, err = uow.ApplyDelta(ctx, user, custodian, d)
	require.NoError(t, err)

	if withRecords {
		txID := uuid.New()
		require.NoError(t, uow.InsertTransaction(ctx, ledger.Transaction{
			ID:             txID,
			PostingID:      uuid.New(),
			IdempotencyKey: "pay-" + uuid.NewString(),
			Type:           ledger.TxCredit,
			CustodyEffect:  ledger.EffectGiven,
			UserID:         user,
			CustodianID:    custodian,
			Module:         m,
			Weight:         g(w),
			Status:         ledger.StatusCompleted,
			CreatedAt:      time.Now(),
		}))
		require.NoError(t, uow.InsertCustodyRecord(ctx, ledger.CustodyRecord{
			ID:            uuid.New(),
			TransactionID: txID,
			Type:          ledger.CustodyGiven,
			UserID:        user,
			CustodianID:   custodian,
			Module:        m,
			Weight:        g(w),
			CreatedAt:     time.Now(),
		}))
	}
	require.NoError(t, uow.Commit())
}

func TestGetBalance_RowsInReleaseOrder(t *testing.T) {
	store := persistence.NewMemoryStore()
	qs := query.NewQueryService(store, nil, zerolog.Nop())
	user, small, large := uuid.New(), uuid.New(), uuid.New()

	credit(t, store, user, small, ledger.ModuleInstant, "1.5", true)
	credit(t, store, user, large, ledger.ModuleReferral, "4", true)

	resp, err := qs.GetBalance(context.Background(), user)
	require.NoError(t, err)

	assert.True(t, resp.Total.Equal(g("5.5")), "total %s", resp.Total)
	assert.True(t, resp.Redeemable.Equal(g("5.5")))
	require.Len(t, resp.Rows, 2)
	assert.Equal(t, large, resp.Rows[0].CustodianID)
	assert.True(t, resp.Rows[0].Modules["referral"].Redeemable.Equal(g("4")))
}

func TestGetBalance_UnknownUserIsEmpty(t *testing.T) {
	qs := query.NewQueryService(persistence.NewMemoryStore(), nil, zerolog.Nop())

	resp, err := qs.GetBalance(context.Background(), uuid.New())

	require.NoError(t, err)
	assert.Empty(t, resp.Rows)
	assert.True(t, resp.Total.IsZero())
}

func TestGetTransactions(t *testing.T) {
	store := persistence.NewMemoryStore()
	qs := query.NewQueryService(store, nil, zerolog.Nop())
	user, custodian := uuid.New(), uuid.New()
	credit(t, store, user, custodian, ledger.ModuleInstant, "2", true)

	txs, err := qs.GetTransactions(context.Background(), user)

	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "credit", txs[0].Type)
	assert.Equal(t, "given", txs[0].CustodyEffect)
	assert.Equal(t, "instant", txs[0].Module)
}

func TestVerifyIntegrity_Healthy(t *testing.T) {
	store := persistence.NewMemoryStore()
	qs := query.NewQueryService(store, nil, zerolog.Nop())
	user := uuid.New()
	credit(t, store, user, uuid.New(), ledger.ModuleInstant, "3", true)
	credit(t, store, user, uuid.New(), ledger.ModuleUploaded, "1", true)

	report, err := qs.VerifyIntegrity(context.Background(), user)

	require.NoError(t, err)
	assert.True(t, report.IsHealthy)
	assert.Equal(t, 2, report.Checked)
	assert.Empty(t, report.Failures)
}

func TestVerifyIntegrity_MissingTrail(t *testing.T) {
	store := persistence.NewMemoryStore()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	qs := query.NewQueryService(store, metrics, zerolog.Nop())
	user, custodian := uuid.New(), uuid.New()
	credit(t, store, user, custodian, ledger.ModuleInstant, "3", false)

	report, err := qs.VerifyIntegrity(context.Background(), user)

	require.NoError(t, err)
	assert.False(t, report.IsHealthy)

	checks := make(map[string]bool)
	for _, f := range report.Failures {
		assert.Equal(t, custodian, f.CustodianID)
		checks[f.Check] = true
	}
	assert.True(t, checks["custody"], "custody sum must be flagged")
	assert.True(t, checks["transactions"], "transaction sum must be flagged")
	assert.False(t, checks["balance"], "the row itself is consistent")

	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.IntegrityViolations.WithLabelValues("custody")))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.IntegrityViolations.WithLabelValues("transactions")))
	assert.Equal(t, 0.0, promtest.ToFloat64(metrics.IntegrityViolations.WithLabelValues("balance")))
}

func TestListDeadLetters(t *testing.T) {
	store := persistence.NewMemoryStore()
	qs := query.NewQueryService(store, nil, zerolog.Nop())
	ctx := context.Background()
	ref := persistence.JobRef{TransactionID: uuid.New(), CustodianID: uuid.New()}

	require.NoError(t, store.RecordDeadLetter(ctx, persistence.DeadLetter{
		JobID:     "job-1",
		Ref:       ref,
		Attempts:  5,
		LastError: "renderer unavailable",
		CreatedAt: time.Now(),
	}))

	dls, err := qs.ListDeadLetters(ctx, 0)

	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, "job-1", dls[0].JobID)
	assert.Equal(t, ref.TransactionID, dls[0].TransactionID)
	assert.Equal(t, 5, dls[0].Attempts)
}
