package persistence_test

import (
	"GoldLedger/internal/ledger"
	"GoldLedger/internal/persistence"
	"GoldLedger/internal/testutil"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_ApplyDeltaAndCheckConstraints(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	vault := testutil.NewCustodian("Vault A", "1")
	testutil.SeedCustodians(t, db, vault)

	ctx := context.Background()
	s := persistence.NewPostgresStore(db)
	user := uuid.New()

	require.NoError(t, commit(t, s, func(u persistence.UnitOfWork) {
		b, err := u.ApplyDelta(ctx, user, vault.ID, credit(ledger.ModuleSavingsPlan, "0", "1.250"))
		require.NoError(t, err)
		assert.True(t, b.Held.Equal(gr("1.25")))
		assert.True(t, b.Module(ledger.ModuleSavingsPlan).Total.Equal(gr("1.25")))
	}))

	u, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = u.ApplyDelta(ctx, user, vault.ID, credit(ledger.ModuleSavingsPlan, "0", "-2"))
	assert.ErrorIs(t, err, ledger.ErrInvalidDelta)
	require.NoError(t, u.Rollback())

	rows, err := s.ListBalances(ctx, user)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.NoError(t, ledger.NewInvariantValidator().ValidateBalance(rows[0]))

	terms, err := s.LoadCustodianTerms(ctx)
	require.NoError(t, err)
	require.Len(t, terms, 1)
	assert.Equal(t, "Vault A", terms[0].Name)
}

func TestPostgresStore_DuplicatePostingMapsUniqueViolation(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	vault := testutil.NewCustodian("Vault A", "0")
	testutil.SeedCustodians(t, db, vault)

	ctx := context.Background()
	s := persistence.NewPostgresStore(db)
	user := uuid.New()
	now := time.Now()

	post := func() error {
		u, err := s.Begin(ctx)
		require.NoError(t, err)
		defer u.Rollback()

		postingID := uuid.New()
		if err := u.InsertPosting(ctx, persistence.PostingRecord{
			ID: postingID, IdempotencyKey: "pay-42", Operation: "buy", UserID: user, CreatedAt: now,
		}); err != nil {
			return err
		}
		if _, err := u.ApplyDelta(ctx, user, vault.ID, credit(ledger.ModuleInstant, "1", "0")); err != nil {
			return err
		}
		if err := u.InsertTransaction(ctx, ledger.Transaction{
			ID: uuid.New(), PostingID: postingID, IdempotencyKey: "pay-42", Type: ledger.TxCredit,
			CustodyEffect: ledger.EffectGiven, UserID: user, CustodianID: vault.ID, Module: ledger.ModuleInstant,
			Weight: gr("1"), Status: ledger.StatusCompleted, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		return u.Commit()
	}

	require.NoError(t, post())
	assert.ErrorIs(t, post(), ledger.ErrDuplicatePosting)

	exists, err := s.PostingExists(ctx, "pay-42")
	require.NoError(t, err)
	assert.True(t, exists)

	keys, err := s.RecentIdempotencyKeys(ctx, 10)
	require.NoError(t, err)
	assert.Contains(t, keys, "pay-42")
}

func TestPostgresStore_Outbox(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	s := persistence.NewPostgresStore(db)
	ref := persistence.JobRef{TransactionID: uuid.New(), CustodianID: uuid.New()}

	require.NoError(t, s.EnqueueOutbox(ctx, ref, "queue full"))
	require.NoError(t, s.EnqueueOutbox(ctx, ref, "queue full"))

	claimed, err := s.ClaimOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, ref, claimed[0].Ref)
}
