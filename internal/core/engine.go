package core

import (
	"GoldLedger/internal/event"
	"GoldLedger/internal/ledger"
	fpmath "GoldLedger/internal/math"
	"GoldLedger/internal/observability"
	"GoldLedger/internal/persistence"
	"GoldLedger/internal/settlement"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const DefaultPostingTimeout = 2 * time.Second

// JobDispatcher hands the settlement jobs of a committed sell to the worker
// pool. It must not block and must not fail the posting.
type JobDispatcher interface {
	Dispatch(ctx context.Context, refs []persistence.JobRef)
}

type Config struct {
	PostingTimeout time.Duration
}

// Engine is the only writer of balances. Every operation runs as one unit of
// work: either every row, transaction, custody record and document of the
// call is committed or none is.
type Engine struct {
	store       persistence.Store
	rates       *settlement.RateTable
	idempotency *IdempotencyChecker
	dispatcher  JobDispatcher
	events      event.Sink
	validator   *ledger.InvariantValidator
	metrics     *observability.Metrics
	logger      zerolog.Logger
	timeout     time.Duration
	now         func() time.Time
}

func NewEngine(
	store persistence.Store,
	rates *settlement.RateTable,
	idempotency *IdempotencyChecker,
	dispatcher JobDispatcher,
	events event.Sink,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	cfg Config,
) *Engine {
	if cfg.PostingTimeout <= 0 {
		cfg.PostingTimeout = DefaultPostingTimeout
	}
	if idempotency == nil {
		idempotency = NewIdempotencyChecker(100_000, store, metrics, logger)
	}
	if events == nil {
		events = event.Discard
	}
	return &Engine{
		store:       store,
		rates:       rates,
		idempotency: idempotency,
		dispatcher:  dispatcher,
		events:      events,
		validator:   ledger.NewInvariantValidator(),
		metrics:     metrics,
		logger:      logger,
		timeout:     cfg.PostingTimeout,
		now:         time.Now,
	}
}

// BalanceSummary is the user's grand total after a posting, priced at the
// posting rate.
type BalanceSummary struct {
	Total      decimal.Decimal
	Redeemable decimal.Decimal
	Held       decimal.Decimal
	Worth      decimal.Decimal
}

type PostingResult struct {
	PostingID      uuid.UUID
	TransactionIDs []uuid.UUID
	CustodyIDs     []uuid.UUID
	Releases       []Release // sell only, in allocation order
	Weight         decimal.Decimal
	Amount         decimal.Decimal
	TaxAmount      decimal.Decimal
	TotalAmount    decimal.Decimal
	BalanceAfter   BalanceSummary
}

// Buy credits weight at one custodian. Savings-plan and reserve buys land in
// held, every other module in redeemable. The invoice reference is the
// invoice document number, so no settlement job is queued.
func (e *Engine) Buy(ctx context.Context, req Request) (*PostingResult, error) {
	return e.post(ctx, "buy", req.PaymentRef, func(ctx context.Context) (*plan, error) {
		a, err := req.normalize(true)
		if err != nil {
			return nil, err
		}
		terms, err := e.rates.Lookup(req.CustodianID)
		if err != nil {
			return nil, err
		}

		p := newPlan("buy", req.PaymentRef, req.UserID, req.Rate, e.now())

		delta := ledger.Delta{}
		if req.Module.CreditsHeld() {
			delta.Add(req.Module, decimal.Zero, a.weight)
		} else {
			delta.Add(req.Module, a.weight, decimal.Zero)
		}
		p.addRow(req.UserID, req.CustodianID, delta)

		tx := p.transaction(ledger.TxCredit, ledger.EffectGiven, req.UserID, req.CustodianID, req.Module, a.weight)
		tx.Rate = a.rate
		tx.Amount = a.amount
		tx.TaxAmount = a.taxAmount
		tx.TotalAmount = a.totalAmount
		tx.Status = ledger.StatusCompleted

		docs, err := p.documents(settlement.SideBuy, tx, terms.CommissionRatePercent, a.fee)
		if err != nil {
			return nil, err
		}
		tx.InvoiceRef = docs.Invoice.Number

		rec := p.custody(tx)
		p.add(tx, rec, &docs)

		p.result.Weight = a.weight
		p.result.Amount = a.amount
		p.result.TaxAmount = a.taxAmount
		p.result.TotalAmount = a.totalAmount
		return p, nil
	})
}

// Sell releases weight from one custodian, or from as many as needed when
// req.CustodianID is uuid.Nil. Sufficiency is checked before anything is
// written; one settlement job per touched custodian is queued after commit.
func (e *Engine) Sell(ctx context.Context, req Request) (*PostingResult, error) {
	return e.post(ctx, "sell", req.PaymentRef, func(ctx context.Context) (*plan, error) {
		a, err := req.normalize(false)
		if err != nil {
			return nil, err
		}

		var rows []ledger.Balance
		if req.CustodianID != uuid.Nil {
			if _, err := e.rates.Terms(req.CustodianID); err != nil {
				return nil, err
			}
			row, err := e.store.GetBalance(ctx, req.UserID, req.CustodianID)
			switch {
			case errors.Is(err, ledger.ErrNotFound):
			case err != nil:
				return nil, fmt.Errorf("load balance: %w", err)
			default:
				rows = []ledger.Balance{row}
			}
		} else {
			rows, err = e.store.ListBalances(ctx, req.UserID)
			if err != nil {
				return nil, fmt.Errorf("load balances: %w", err)
			}
		}

		releases, err := Allocate(rows, a.weight, req.Module)
		if err != nil {
			return nil, err
		}

		weights := make([]decimal.Decimal, len(releases))
		for i, r := range releases {
			weights[i] = r.Weight
		}
		amountParts := fpmath.SplitProportional(a.amount, weights, fpmath.MoneyConfig)
		taxParts := fpmath.SplitProportional(a.taxAmount, weights, fpmath.MoneyConfig)
		feeParts := fpmath.SplitProportional(a.fee, weights, fpmath.MoneyConfig)

		p := newPlan("sell", req.PaymentRef, req.UserID, req.Rate, e.now())
		for i, r := range releases {
			terms, err := e.rates.Terms(r.CustodianID)
			if err != nil {
				return nil, err
			}
			p.addRow(req.UserID, r.CustodianID, r.delta())

			tx := p.transaction(ledger.TxDebit, ledger.EffectRelease, req.UserID, r.CustodianID, req.Module, r.Weight)
			tx.Rate = a.rate
			tx.Amount = amountParts[i]
			tx.TaxAmount = taxParts[i]
			tx.TotalAmount = amountParts[i].Sub(taxParts[i])
			tx.Status = ledger.StatusPending

			docs, err := p.documents(settlement.SideSell, tx, terms.CommissionRatePercent, feeParts[i])
			if err != nil {
				return nil, err
			}
			rec := p.custody(tx)
			p.add(tx, rec, &docs)
			p.jobs = append(p.jobs, persistence.JobRef{TransactionID: tx.ID, CustodianID: r.CustodianID})
		}

		p.requested = a.weight
		p.available = func(ctx context.Context) (decimal.Decimal, error) {
			return e.redeemable(ctx, req.UserID, req.CustodianID)
		}
		p.result.Releases = releases
		p.result.Weight = a.weight
		p.result.Amount = a.amount
		p.result.TaxAmount = a.taxAmount
		p.result.TotalAmount = a.totalAmount
		return p, nil
	})
}

// Hold moves redeemable weight of one module into held.
func (e *Engine) Hold(ctx context.Context, req HoldRequest) (*PostingResult, error) {
	return e.hold(ctx, req, true)
}

// Unhold moves held weight of one module back to redeemable.
func (e *Engine) Unhold(ctx context.Context, req HoldRequest) (*PostingResult, error) {
	return e.hold(ctx, req, false)
}

func (e *Engine) hold(ctx context.Context, req HoldRequest, lock bool) (*PostingResult, error) {
	op, typ := "unhold", ledger.TxRelease
	if lock {
		op, typ = "hold", ledger.TxHold
	}

	return e.post(ctx, op, req.PaymentRef, func(ctx context.Context) (*plan, error) {
		w, err := req.normalize()
		if err != nil {
			return nil, err
		}
		if _, err := e.rates.Terms(req.CustodianID); err != nil {
			return nil, err
		}

		source := func(ctx context.Context) (decimal.Decimal, error) {
			row, err := e.store.GetBalance(ctx, req.UserID, req.CustodianID)
			if errors.Is(err, ledger.ErrNotFound) {
				return decimal.Zero, nil
			}
			if err != nil {
				return decimal.Zero, fmt.Errorf("load balance: %w", err)
			}
			if lock {
				return row.Module(req.Module).Redeemable, nil
			}
			return row.Module(req.Module).Held, nil
		}
		avail, err := source(ctx)
		if err != nil {
			return nil, err
		}
		if avail.LessThan(w) {
			return nil, ledger.NewInsufficientBalanceError(w, avail)
		}

		p := newPlan(op, req.PaymentRef, req.UserID, decimal.Zero, e.now())
		delta := ledger.Delta{}
		if lock {
			delta.Add(req.Module, w.Neg(), w)
		} else {
			delta.Add(req.Module, w, w.Neg())
		}
		p.addRow(req.UserID, req.CustodianID, delta)

		tx := p.transaction(typ, ledger.EffectNone, req.UserID, req.CustodianID, req.Module, w)
		tx.Status = ledger.StatusCompleted
		p.add(tx, nil, nil)

		p.requested = w
		p.available = source
		p.result.Weight = w
		return p, nil
	})
}

// Transfer moves redeemable weight from one user to another at the same
// custodian. The receiver is credited in the modules the sender was drawn
// from. No money moves, so no documents are produced.
func (e *Engine) Transfer(ctx context.Context, req TransferRequest) (*PostingResult, error) {
	return e.post(ctx, "transfer", req.PaymentRef, func(ctx context.Context) (*plan, error) {
		w, err := req.normalize()
		if err != nil {
			return nil, err
		}
		if _, err := e.rates.Terms(req.CustodianID); err != nil {
			return nil, err
		}

		row, err := e.store.GetBalance(ctx, req.FromUserID, req.CustodianID)
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("load balance: %w", err)
		}
		if row.Redeemable.LessThan(w) {
			return nil, ledger.NewInsufficientBalanceError(w, row.Redeemable)
		}

		out := Release{CustodianID: req.CustodianID, Weight: w, Draws: drawModules(row, w, req.Module)}
		in := ledger.Delta{}
		for _, d := range out.Draws {
			in.Add(d.Module, d.Weight, decimal.Zero)
		}

		p := newPlan("transfer", req.PaymentRef, req.FromUserID, decimal.Zero, e.now())
		p.addRow(req.FromUserID, req.CustodianID, out.delta())
		p.addRow(req.ToUserID, req.CustodianID, in)

		sent := p.transaction(ledger.TxTransfer, ledger.EffectRelease, req.FromUserID, req.CustodianID, req.Module, w)
		sent.Status = ledger.StatusCompleted
		p.add(sent, p.custody(sent), nil)

		received := p.transaction(ledger.TxTransfer, ledger.EffectGiven, req.ToUserID, req.CustodianID, req.Module, w)
		received.Status = ledger.StatusCompleted
		p.add(received, p.custody(received), nil)

		p.requested = w
		p.available = func(ctx context.Context) (decimal.Decimal, error) {
			return e.redeemable(ctx, req.FromUserID, req.CustodianID)
		}
		p.result.Weight = w
		return p, nil
	})
}

// GetBalance returns every custodian row of a user with grand totals. Rows
// that break a balance invariant are reported with ledger.ErrIntegrityViolation
// alongside the data as read.
func (e *Engine) GetBalance(ctx context.Context, userID uuid.UUID) (ledger.UserBalances, error) {
	rows, err := e.store.ListBalances(ctx, userID)
	if err != nil {
		return ledger.UserBalances{}, fmt.Errorf("load balances: %w", err)
	}
	ub := ledger.NewUserBalances(userID, rows)
	if err := e.validator.ValidateUserBalances(ub); err != nil {
		e.integrityViolation("balance", err)
		return ub, err
	}
	return ub, nil
}

// ReloadRates refreshes the custodian terms used for new postings.
func (e *Engine) ReloadRates(ctx context.Context) error {
	err := e.rates.Reload(ctx)
	if e.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		e.metrics.RateReloads.WithLabelValues(outcome).Inc()
		e.metrics.CustodiansTotal.Set(float64(e.rates.Len()))
	}
	return err
}

// RunRateReloader calls ReloadRates every interval until ctx is done. A failed
// reload keeps the previous terms and is reported through onError.
func (e *Engine) RunRateReloader(ctx context.Context, interval time.Duration, onError func(error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.ReloadRates(ctx); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}

// redeemable sums the redeemable weight of one row, or of every row when
// custodianID is uuid.Nil.
func (e *Engine) redeemable(ctx context.Context, userID, custodianID uuid.UUID) (decimal.Decimal, error) {
	if custodianID != uuid.Nil {
		row, err := e.store.GetBalance(ctx, userID, custodianID)
		if errors.Is(err, ledger.ErrNotFound) {
			return decimal.Zero, nil
		}
		if err != nil {
			return decimal.Zero, err
		}
		return row.Redeemable, nil
	}
	rows, err := e.store.ListBalances(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return ledger.NewUserBalances(userID, rows).Redeemable, nil
}

func (e *Engine) integrityViolation(check string, err error) {
	e.logger.Error().Err(err).Str("check", check).Msg("ledger integrity violation")
	if e.metrics != nil {
		e.metrics.IntegrityViolations.WithLabelValues(check).Inc()
	}
}
