package core

import (
	"GoldLedger/internal/ledger"
	fpmath "GoldLedger/internal/math"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Request is the normalized input of Buy and Sell. Exactly one of Weight and
// Value is set; the other is derived at Rate.
type Request struct {
	UserID uuid.UUID
	// CustodianID is required for Buy. A Sell with uuid.Nil releases from
	// any custodian holding the user's gold.
	CustodianID uuid.UUID
	Module      ledger.Module

	Weight decimal.NullDecimal // grams
	Value  decimal.NullDecimal // currency

	Rate decimal.Decimal // price per gram
	Tax  decimal.Decimal // percent of amount
	Fee  decimal.Decimal // payment processing fee, excluded from commission

	// PaymentRef identifies the payment (or payout) and is the idempotency key.
	PaymentRef string
}

// HoldRequest moves weight between redeemable and held within one row.
type HoldRequest struct {
	UserID      uuid.UUID
	CustodianID uuid.UUID
	Module      ledger.Module
	Weight      decimal.Decimal
	PaymentRef  string
}

// TransferRequest moves redeemable weight between two users at one custodian.
type TransferRequest struct {
	FromUserID  uuid.UUID
	ToUserID    uuid.UUID
	CustodianID uuid.UUID
	Module      ledger.Module
	Weight      decimal.Decimal
	PaymentRef  string
}

// amounts is a Request after validation, with every figure rounded once.
type amounts struct {
	weight      decimal.Decimal
	rate        decimal.Decimal
	amount      decimal.Decimal
	taxAmount   decimal.Decimal
	totalAmount decimal.Decimal
	fee         decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

func validateCommon(userID uuid.UUID, module ledger.Module, paymentRef string) error {
	if userID == uuid.Nil {
		return ledger.InvalidRequestf("user id is required")
	}
	if !module.Valid() {
		return ledger.InvalidRequestf("unknown module %d", module)
	}
	if strings.TrimSpace(paymentRef) == "" {
		return ledger.InvalidRequestf("payment ref is required")
	}
	return nil
}

// normalize validates r and derives the persisted figures. Buy adds tax on
// top of the amount; sell withholds it from the payout.
func (r Request) normalize(buy bool) (amounts, error) {
	if err := validateCommon(r.UserID, r.Module, r.PaymentRef); err != nil {
		return amounts{}, err
	}
	if buy && r.CustodianID == uuid.Nil {
		return amounts{}, ledger.InvalidRequestf("custodian id is required for buy")
	}
	if !r.Rate.IsPositive() {
		return amounts{}, ledger.InvalidRequestf("rate must be positive, got %s", r.Rate)
	}
	if r.Tax.IsNegative() || r.Tax.GreaterThan(hundred) {
		return amounts{}, ledger.InvalidRequestf("tax must be within [0, 100] percent, got %s", r.Tax)
	}
	if r.Fee.IsNegative() {
		return amounts{}, ledger.InvalidRequestf("fee must be non-negative, got %s", r.Fee)
	}
	if r.Weight.Valid == r.Value.Valid {
		return amounts{}, ledger.InvalidRequestf("exactly one of weight and value must be set")
	}

	a := amounts{rate: r.Rate, fee: fpmath.RoundMoney(r.Fee)}
	if r.Weight.Valid {
		if !r.Weight.Decimal.IsPositive() {
			return amounts{}, ledger.InvalidRequestf("weight must be positive, got %s", r.Weight.Decimal)
		}
		a.weight = fpmath.RoundWeight(r.Weight.Decimal)
		a.amount = fpmath.ComputeAmount(a.weight, r.Rate)
	} else {
		if !r.Value.Decimal.IsPositive() {
			return amounts{}, ledger.InvalidRequestf("value must be positive, got %s", r.Value.Decimal)
		}
		a.weight = fpmath.ComputeWeight(r.Value.Decimal, r.Rate)
		a.amount = fpmath.RoundMoney(r.Value.Decimal)
	}
	if !a.weight.IsPositive() {
		return amounts{}, ledger.InvalidRequestf("weight rounds to zero at rate %s", r.Rate)
	}

	a.taxAmount = fpmath.RoundMoney(fpmath.Percent(a.amount, r.Tax))
	if buy {
		a.totalAmount = a.amount.Add(a.taxAmount)
	} else {
		a.totalAmount = a.amount.Sub(a.taxAmount)
	}
	if a.fee.GreaterThan(a.totalAmount) {
		return amounts{}, ledger.InvalidRequestf("fee %s exceeds total amount %s", a.fee, a.totalAmount)
	}
	return a, nil
}

func (r HoldRequest) normalize() (decimal.Decimal, error) {
	if err := validateCommon(r.UserID, r.Module, r.PaymentRef); err != nil {
		return decimal.Zero, err
	}
	if r.CustodianID == uuid.Nil {
		return decimal.Zero, ledger.InvalidRequestf("custodian id is required")
	}
	w := fpmath.RoundWeight(r.Weight)
	if !w.IsPositive() {
		return decimal.Zero, ledger.InvalidRequestf("weight must be positive, got %s", r.Weight)
	}
	return w, nil
}

func (r TransferRequest) normalize() (decimal.Decimal, error) {
	if err := validateCommon(r.FromUserID, r.Module, r.PaymentRef); err != nil {
		return decimal.Zero, err
	}
	if r.ToUserID == uuid.Nil {
		return decimal.Zero, ledger.InvalidRequestf("receiving user id is required")
	}
	if r.ToUserID == r.FromUserID {
		return decimal.Zero, ledger.InvalidRequestf("cannot transfer to the same user")
	}
	if r.CustodianID == uuid.Nil {
		return decimal.Zero, ledger.InvalidRequestf("custodian id is required")
	}
	w := fpmath.RoundWeight(r.Weight)
	if !w.IsPositive() {
		return decimal.Zero, ledger.InvalidRequestf("weight must be positive, got %s", r.Weight)
	}
	return w, nil
}
