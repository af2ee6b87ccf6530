package query

import (
	"GoldLedger/internal/ledger"
	"GoldLedger/internal/observability"
	"GoldLedger/internal/persistence"
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// DefaultDeadLetterLimit caps ListDeadLetters when the caller passes no limit.
const DefaultDeadLetterLimit = 100

// QueryService provides read-only operator access to the ledger store.
// Reads go straight to committed state; there is no projection lag.
type QueryService struct {
	store     persistence.Store
	validator *ledger.InvariantValidator
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewQueryService(store persistence.Store, metrics *observability.Metrics, logger zerolog.Logger) *QueryService {
	return &QueryService{
		store:     store,
		validator: ledger.NewInvariantValidator(),
		metrics:   metrics,
		logger:    logger,
	}
}

// GetBalance returns every custodian row of a user with grand totals. A user
// with no rows gets an all-zero response, not an error.
func (qs *QueryService) GetBalance(ctx context.Context, userID uuid.UUID) (*BalanceResponse, error) {
	rows, err := qs.store.ListBalances(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	ub := ledger.NewUserBalances(userID, rows)

	resp := &BalanceResponse{
		UserID:     userID,
		Redeemable: ub.Redeemable,
		Held:       ub.Held,
		Total:      ub.Total,
		Rows:       make([]CustodianBalance, 0, len(ub.Rows)),
	}
	for _, b := range ub.Rows {
		row := CustodianBalance{
			CustodianID: b.CustodianID,
			Redeemable:  b.Redeemable,
			Held:        b.Held,
			Total:       b.Total,
			Modules:     make(map[string]ModuleBalance, len(b.Modules)),
			UpdatedAt:   b.UpdatedAt,
		}
		for m, sb := range b.Modules {
			row.Modules[m.String()] = ModuleBalance{Redeemable: sb.Redeemable, Held: sb.Held, Total: sb.Total}
		}
		resp.Rows = append(resp.Rows, row)
	}
	return resp, nil
}

// GetTransactions returns a user's transactions as stored.
func (qs *QueryService) GetTransactions(ctx context.Context, userID uuid.UUID) ([]TransactionResponse, error) {
	txs, err := qs.store.ListTransactions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}

	out := make([]TransactionResponse, 0, len(txs))
	for _, t := range txs {
		out = append(out, TransactionResponse{
			ID:             t.ID,
			PostingID:      t.PostingID,
			PaymentRef:     t.IdempotencyKey,
			Type:           string(t.Type),
			CustodyEffect:  string(t.CustodyEffect),
			CustodianID:    t.CustodianID,
			Module:         t.Module.String(),
			Weight:         t.Weight,
			Rate:           t.Rate,
			Amount:         t.Amount,
			TaxAmount:      t.TaxAmount,
			TotalAmount:    t.TotalAmount,
			Status:         string(t.Status),
			InvoiceRef:     t.InvoiceRef,
			CertificateRef: t.CertificateRef,
			CreatedAt:      t.CreatedAt,
		})
	}
	return out, nil
}

// VerifyIntegrity checks every row of a user against three independent
// sources: the row's own invariants, its custody records, and the signed
// sum of its transactions. Failures are reported, not returned as errors.
func (qs *QueryService) VerifyIntegrity(ctx context.Context, userID uuid.UUID) (*IntegrityReport, error) {
	rows, err := qs.store.ListBalances(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	txs, err := qs.store.ListTransactions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}

	moved := make(map[uuid.UUID]decimal.Decimal)
	for _, t := range txs {
		moved[t.CustodianID] = moved[t.CustodianID].Add(t.SignedWeight())
	}

	report := &IntegrityReport{UserID: userID, Checked: len(rows)}
	fail := func(custodianID uuid.UUID, check string, err error) {
		report.Failures = append(report.Failures, IntegrityIssue{
			CustodianID: custodianID,
			Check:       check,
			Detail:      err.Error(),
		})
		if qs.metrics != nil {
			qs.metrics.IntegrityViolations.WithLabelValues(check).Inc()
		}
	}

	for _, b := range rows {
		if err := qs.validator.ValidateBalance(b); err != nil {
			fail(b.CustodianID, "balance", err)
		}

		records, err := qs.store.ListCustodyRecords(ctx, userID, b.CustodianID)
		if err != nil {
			return nil, fmt.Errorf("list custody records: %w", err)
		}
		if err := qs.validator.ValidateCustody(b, records); err != nil {
			fail(b.CustodianID, "custody", err)
		}

		if sum := moved[b.CustodianID]; !sum.Equal(b.Total) {
			fail(b.CustodianID, "transactions", fmt.Errorf("%w: transaction sum %s != balance total %s",
				ledger.ErrIntegrityViolation, sum, b.Total))
		}
	}

	report.IsHealthy = len(report.Failures) == 0
	if !report.IsHealthy {
		qs.logger.Error().
			Str("user_id", userID.String()).
			Int("failures", len(report.Failures)).
			Msg("integrity check failed")
	}
	return report, nil
}

// ListDeadLetters returns parked settlement jobs, oldest first.
func (qs *QueryService) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterResponse, error) {
	if limit <= 0 || limit > 1000 {
		limit = DefaultDeadLetterLimit
	}
	dls, err := qs.store.ListDeadLetters(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	out := make([]DeadLetterResponse, 0, len(dls))
	for _, dl := range dls {
		out = append(out, NewDeadLetterResponse(dl))
	}
	return out, nil
}

// NewDeadLetterResponse converts a stored dead letter for display.
func NewDeadLetterResponse(dl persistence.DeadLetter) DeadLetterResponse {
	return DeadLetterResponse{
		JobID:         dl.JobID,
		TransactionID: dl.Ref.TransactionID,
		CustodianID:   dl.Ref.CustodianID,
		Attempts:      dl.Attempts,
		LastError:     dl.LastError,
		CreatedAt:     dl.CreatedAt,
	}
}
