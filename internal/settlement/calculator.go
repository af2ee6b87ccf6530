package settlement

import (
	"GoldLedger/internal/ledger"
	fpmath "GoldLedger/internal/math"

	"github.com/shopspring/decimal"
)

// Side is the direction of the posting being settled
type Side uint8

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideSell {
		return "sell"
	}
	return "buy"
}

// Split is the commission/settlement breakdown of one gross amount.
type Split struct {
	Gross      decimal.Decimal
	Fee        decimal.Decimal
	Net        decimal.Decimal
	Commission decimal.Decimal
	Settlement decimal.Decimal
	Direction  ledger.Direction
}

// Calculate derives the custodian settlement for a gross amount.
//
//	net        = gross - fee
//	commission = round2(net * ratePercent / 100)
//	buy:  settlement = net - commission  (platform pays custodian)
//	sell: settlement = net + commission  (custodian pays platform)
//
// Inputs are taken as-is; the only rounding is on commission, the settlement is
// exact in cents whenever gross and fee are.
func Calculate(side Side, gross, ratePercent, fee decimal.Decimal) (Split, error) {
	if gross.IsNegative() {
		return Split{}, ledger.InvalidRequestf("gross amount must be non-negative, got %s", gross)
	}
	if fee.IsNegative() {
		return Split{}, ledger.InvalidRequestf("fee must be non-negative, got %s", fee)
	}
	if ratePercent.IsNegative() || ratePercent.GreaterThan(decimal.NewFromInt(100)) {
		return Split{}, ledger.InvalidRequestf("commission rate must be within [0, 100], got %s", ratePercent)
	}

	net := gross.Sub(fee)
	if net.IsNegative() {
		return Split{}, ledger.InvalidRequestf("fee %s exceeds gross amount %s", fee, gross)
	}

	commission := fpmath.RoundMoney(fpmath.Percent(net, ratePercent))

	s := Split{
		Gross:      gross,
		Fee:        fee,
		Net:        net,
		Commission: commission,
	}
	switch side {
	case SideBuy:
		s.Settlement = net.Sub(commission)
		s.Direction = ledger.PayableToCustodian
	case SideSell:
		s.Settlement = net.Add(commission)
		s.Direction = ledger.ReceivableFromCustodian
	default:
		return Split{}, ledger.InvalidRequestf("unknown settlement side %d", side)
	}
	return s, nil
}

// HasCommission reports whether a commission document should be produced.
func (s Split) HasCommission() bool {
	return s.Commission.IsPositive()
}
