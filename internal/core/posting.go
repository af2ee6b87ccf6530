package core

import (
	"GoldLedger/internal/event"
	"GoldLedger/internal/invoicing"
	"GoldLedger/internal/ledger"
	fpmath "GoldLedger/internal/math"
	"GoldLedger/internal/persistence"
	"GoldLedger/internal/settlement"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type rowDelta struct {
	userID      uuid.UUID
	custodianID uuid.UUID
	delta       ledger.Delta
}

// plan is everything one operation will write, assembled before the unit
// of work opens.
type plan struct {
	op     string
	key    string
	userID uuid.UUID
	rate   decimal.Decimal
	now    time.Time

	rows    []rowDelta
	posting *ledger.Posting
	jobs    []persistence.JobRef

	// requested and available let a failed decrement be reported as a
	// shortfall when the rows really no longer cover the request.
	requested decimal.Decimal
	available func(ctx context.Context) (decimal.Decimal, error)

	result PostingResult
}

func newPlan(op, key string, userID uuid.UUID, rate decimal.Decimal, now time.Time) *plan {
	id := uuid.New()
	return &plan{
		op:      op,
		key:     key,
		userID:  userID,
		rate:    rate,
		now:     now,
		posting: &ledger.Posting{ID: id, IdempotencyKey: key, CreatedAt: now},
		result:  PostingResult{PostingID: id},
	}
}

func (p *plan) addRow(userID, custodianID uuid.UUID, delta ledger.Delta) {
	p.rows = append(p.rows, rowDelta{userID: userID, custodianID: custodianID, delta: delta})
}

func (p *plan) transaction(typ ledger.TransactionType, effect ledger.CustodyEffect, userID, custodianID uuid.UUID, module ledger.Module, weight decimal.Decimal) *ledger.Transaction {
	return &ledger.Transaction{
		ID:             uuid.New(),
		PostingID:      p.posting.ID,
		IdempotencyKey: p.key,
		Type:           typ,
		CustodyEffect:  effect,
		UserID:         userID,
		CustodianID:    custodianID,
		Module:         module,
		Weight:         weight,
		Rate:           decimal.Zero,
		Amount:         decimal.Zero,
		TaxAmount:      decimal.Zero,
		TotalAmount:    decimal.Zero,
		CreatedAt:      p.now,
		UpdatedAt:      p.now,
	}
}

func (p *plan) custody(tx *ledger.Transaction) *ledger.CustodyRecord {
	typ := ledger.CustodyGiven
	if tx.CustodyEffect == ledger.EffectRelease {
		typ = ledger.CustodyRelease
	}
	return &ledger.CustodyRecord{
		ID:            uuid.New(),
		TransactionID: tx.ID,
		Type:          typ,
		UserID:        tx.UserID,
		CustodianID:   tx.CustodianID,
		Module:        tx.Module,
		Weight:        tx.Weight,
		InvoiceRef:    tx.InvoiceRef,
		CreatedAt:     p.now,
	}
}

// documents builds the invoice, settlement and (non-zero) commission rows of
// one transaction. The settlement basis is the transaction total.
func (p *plan) documents(side settlement.Side, tx *ledger.Transaction, ratePercent, fee decimal.Decimal) (ledger.DocumentSet, error) {
	split, err := settlement.Calculate(side, tx.TotalAmount, ratePercent, fee)
	if err != nil {
		return ledger.DocumentSet{}, err
	}

	doc := func(kind ledger.DocumentKind, amount decimal.Decimal, invoiceID uuid.UUID) ledger.Document {
		return ledger.Document{
			ID:            uuid.New(),
			Kind:          kind,
			Number:        invoicing.DocumentNumber(kind, tx.ID, p.now),
			TransactionID: tx.ID,
			InvoiceID:     invoiceID,
			UserID:        tx.UserID,
			CustodianID:   tx.CustodianID,
			Amount:        amount,
			Direction:     split.Direction,
			Status:        ledger.DocPending,
			CreatedAt:     p.now,
		}
	}

	set := ledger.DocumentSet{Invoice: doc(ledger.DocInvoice, split.Gross, uuid.Nil)}
	set.Settlement = doc(ledger.DocSettlement, split.Settlement, set.Invoice.ID)
	if split.HasCommission() {
		c := doc(ledger.DocCommission, split.Commission, set.Invoice.ID)
		set.Commission = &c
	}
	return set, nil
}

func (p *plan) add(tx *ledger.Transaction, rec *ledger.CustodyRecord, docs *ledger.DocumentSet) {
	p.posting.Transactions = append(p.posting.Transactions, *tx)
	p.result.TransactionIDs = append(p.result.TransactionIDs, tx.ID)
	if rec != nil {
		p.posting.Custody = append(p.posting.Custody, *rec)
		p.result.CustodyIDs = append(p.result.CustodyIDs, rec.ID)
	}
	if docs != nil {
		p.posting.Documents = append(p.posting.Documents, *docs)
	}
}

// post runs one operation: duplicate check, plan, unit of work, then the
// post-commit hand-offs (job dispatch, event, dedup cache).
func (e *Engine) post(ctx context.Context, op, key string, build func(ctx context.Context) (*plan, error)) (*PostingResult, error) {
	start := time.Now()

	if strings.TrimSpace(key) == "" {
		err := ledger.InvalidRequestf("payment ref is required")
		e.observe(op, err, start)
		return nil, err
	}
	if e.idempotency.IsDuplicate(ctx, key) {
		err := fmt.Errorf("%w: payment ref %q", ledger.ErrDuplicatePosting, key)
		e.observe(op, err, start)
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	p, err := build(pctx)
	if err != nil {
		err = e.classifyBuildError(err)
		e.observe(op, err, start)
		return nil, err
	}

	rows, err := e.commit(pctx, p)
	if err != nil {
		err = e.classifyCommitError(pctx, p, err)
		e.observe(op, err, start)
		if !errors.Is(err, ledger.ErrInsufficientBalance) && !errors.Is(err, ledger.ErrDuplicatePosting) {
			e.logger.Error().Err(err).
				Str("op", op).
				Str("user_id", p.userID.String()).
				Str("posting_id", p.posting.ID.String()).
				Msg("posting failed")
		}
		return nil, err
	}

	e.idempotency.MarkProcessed(key)
	if len(p.jobs) > 0 && e.dispatcher != nil {
		e.dispatcher.Dispatch(ctx, p.jobs)
	}

	result := p.result
	result.BalanceAfter = e.balanceAfter(ctx, p, rows)
	e.events.Emit(committedEvent(p, result))

	e.observe(op, nil, start)
	if e.metrics != nil {
		e.metrics.PostedWeightGrams.WithLabelValues(op).Add(result.Weight.InexactFloat64())
		if op == "sell" {
			e.metrics.AllocationPartials.Observe(float64(len(result.Releases)))
		}
	}
	e.logger.Info().
		Str("op", op).
		Str("user_id", p.userID.String()).
		Str("posting_id", p.posting.ID.String()).
		Str("weight", result.Weight.StringFixed(3)).
		Int("transactions", len(result.TransactionIDs)).
		Msg("posting committed")

	return &result, nil
}

// commit writes p in one unit of work and returns the balance rows as left
// by the unit. Rows are touched in (custodian, user) order so concurrent
// multi-row postings lock in the same sequence.
func (e *Engine) commit(ctx context.Context, p *plan) ([]ledger.Balance, error) {
	if err := p.posting.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrIntegrityViolation, err)
	}
	if err := e.validator.ValidatePostingCustody(p.posting); err != nil {
		return nil, err
	}

	uow, err := e.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin unit: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = uow.Rollback()
		}
	}()

	// Claimed before any row is touched: a replay racing the original fails here.
	if err := uow.InsertPosting(ctx, persistence.PostingRecord{
		ID:             p.posting.ID,
		IdempotencyKey: p.key,
		Operation:      p.op,
		UserID:         p.userID,
		CreatedAt:      p.now,
	}); err != nil {
		return nil, fmt.Errorf("claim payment ref: %w", err)
	}

	ordered := make([]rowDelta, len(p.rows))
	copy(ordered, p.rows)
	sort.SliceStable(ordered, func(i, j int) bool {
		if a, b := ordered[i].custodianID.String(), ordered[j].custodianID.String(); a != b {
			return a < b
		}
		return ordered[i].userID.String() < ordered[j].userID.String()
	})

	rows := make([]ledger.Balance, 0, len(ordered))
	for _, rd := range ordered {
		b, err := uow.ApplyDelta(ctx, rd.userID, rd.custodianID, rd.delta)
		if err != nil {
			return nil, fmt.Errorf("apply delta %s/%s: %w", rd.userID, rd.custodianID, err)
		}
		if err := e.validator.ValidateBalance(b); err != nil {
			return nil, err
		}
		rows = append(rows, b)
	}

	for _, tx := range p.posting.Transactions {
		if err := uow.InsertTransaction(ctx, tx); err != nil {
			return nil, fmt.Errorf("insert transaction: %w", err)
		}
	}
	for _, rec := range p.posting.Custody {
		if err := uow.InsertCustodyRecord(ctx, rec); err != nil {
			return nil, fmt.Errorf("insert custody record: %w", err)
		}
	}
	for _, set := range p.posting.Documents {
		for _, doc := range set.All() {
			if err := uow.InsertDocument(ctx, doc); err != nil {
				return nil, fmt.Errorf("insert %s document: %w", doc.Kind, err)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	committed = true
	return rows, nil
}

// classifyBuildError keeps caller-facing errors as they are and turns store
// failures during planning into ErrPostingFailed.
func (e *Engine) classifyBuildError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrInvalidRequest),
		errors.Is(err, ledger.ErrInsufficientBalance):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: timed out after %s: %w", ledger.ErrPostingFailed, e.timeout, err)
	default:
		return fmt.Errorf("%w: %w", ledger.ErrPostingFailed, err)
	}
}

func (e *Engine) classifyCommitError(ctx context.Context, p *plan, err error) error {
	switch {
	case errors.Is(err, ledger.ErrDuplicatePosting):
		e.idempotency.RecordCommitConflict(p.key)
		return fmt.Errorf("%w: payment ref %q", ledger.ErrDuplicatePosting, p.key)

	case errors.Is(err, ledger.ErrInvalidDelta) && p.available != nil:
		// A concurrent posting drained the rows between planning and commit.
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
		defer cancel()
		avail, lerr := p.available(lctx)
		if lerr == nil && avail.LessThan(p.requested) {
			return ledger.NewInsufficientBalanceError(p.requested, avail)
		}
		return fmt.Errorf("%w: %w", ledger.ErrPostingFailed, err)

	case errors.Is(err, ledger.ErrIntegrityViolation):
		e.integrityViolation("posting", err)
		return fmt.Errorf("%w: %w", ledger.ErrPostingFailed, err)

	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: timed out after %s: %w", ledger.ErrPostingFailed, e.timeout, err)

	default:
		return fmt.Errorf("%w: %w", ledger.ErrPostingFailed, err)
	}
}

// balanceAfter reads the user's rows after commit. If the read fails the
// summary falls back to the rows the unit returned.
func (e *Engine) balanceAfter(ctx context.Context, p *plan, touched []ledger.Balance) BalanceSummary {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	rows, err := e.store.ListBalances(rctx, p.userID)
	if err != nil {
		e.logger.Warn().Err(err).Str("user_id", p.userID.String()).Msg("balance read after commit failed")
		rows = rows[:0]
		for _, b := range touched {
			if b.UserID == p.userID {
				rows = append(rows, b)
			}
		}
	}
	ub := ledger.NewUserBalances(p.userID, rows)
	return BalanceSummary{
		Total:      ub.Total,
		Redeemable: ub.Redeemable,
		Held:       ub.Held,
		Worth:      fpmath.RoundMoney(ub.Worth(p.rate)),
	}
}

func (e *Engine) observe(op string, err error, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.PostingsTotal.WithLabelValues(op, outcome(err)).Inc()
	if err == nil {
		e.metrics.PostingDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ledger.ErrDuplicatePosting):
		return "duplicate"
	case errors.Is(err, ledger.ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient"
	default:
		return "failed"
	}
}

func committedEvent(p *plan, r PostingResult) *event.PostingCommitted {
	lines := make([]event.PostingLine, 0, len(p.posting.Transactions))
	for _, tx := range p.posting.Transactions {
		lines = append(lines, event.PostingLine{
			TransactionID: tx.ID,
			CustodianID:   tx.CustodianID,
			Type:          string(tx.Type),
			CustodyEffect: string(tx.CustodyEffect),
			Module:        tx.Module.String(),
			Weight:        tx.Weight,
			TotalAmount:   tx.TotalAmount,
		})
	}
	return &event.PostingCommitted{
		PostingID:    p.posting.ID,
		Operation:    p.op,
		PaymentRef:   p.key,
		UserID:       p.userID,
		Lines:        lines,
		BalanceTotal: r.BalanceAfter.Total,
	}
}
