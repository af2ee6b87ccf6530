package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// InvariantValidator checks ledger invariants on rows read back from storage.
// Violations are reported, never corrected.
type InvariantValidator struct{}

func NewInvariantValidator() *InvariantValidator {
	return &InvariantValidator{}
}

// ValidateBalance verifies total == redeemable + held, Σ module totals == total,
// and that nothing is negative.
func (v *InvariantValidator) ValidateBalance(b Balance) error {
	if b.Redeemable.IsNegative() || b.Held.IsNegative() {
		return fmt.Errorf("%w: balance %s/%s is negative (redeemable=%s held=%s)",
			ErrIntegrityViolation, b.UserID, b.CustodianID, b.Redeemable, b.Held)
	}

	if !b.Total.Equal(b.Redeemable.Add(b.Held)) {
		return fmt.Errorf("%w: balance %s/%s total=%s != redeemable=%s + held=%s",
			ErrIntegrityViolation, b.UserID, b.CustodianID, b.Total, b.Redeemable, b.Held)
	}

	sumTotal, sumRedeemable, sumHeld := decimal.Zero, decimal.Zero, decimal.Zero
	for m, sb := range b.Modules {
		if !sb.Total.Equal(sb.Redeemable.Add(sb.Held)) {
			return fmt.Errorf("%w: balance %s/%s module %s total=%s != redeemable=%s + held=%s",
				ErrIntegrityViolation, b.UserID, b.CustodianID, m, sb.Total, sb.Redeemable, sb.Held)
		}
		sumTotal = sumTotal.Add(sb.Total)
		sumRedeemable = sumRedeemable.Add(sb.Redeemable)
		sumHeld = sumHeld.Add(sb.Held)
	}

	if !sumTotal.Equal(b.Total) || !sumRedeemable.Equal(b.Redeemable) || !sumHeld.Equal(b.Held) {
		return fmt.Errorf("%w: balance %s/%s module sums (total=%s) do not match row total=%s",
			ErrIntegrityViolation, b.UserID, b.CustodianID, sumTotal, b.Total)
	}

	return nil
}

// ValidateUserBalances runs ValidateBalance on every row.
func (v *InvariantValidator) ValidateUserBalances(ub UserBalances) error {
	for _, row := range ub.Rows {
		if err := v.ValidateBalance(row); err != nil {
			return err
		}
	}
	return nil
}

// ValidateCustody verifies the signed custody sum for a row equals its total.
// Only meaningful once every pending record is reconciled.
func (v *InvariantValidator) ValidateCustody(b Balance, records []CustodyRecord) error {
	sum := CustodySum(records)
	if !sum.Equal(b.Total) {
		return fmt.Errorf("%w: custody sum %s != balance total %s for %s/%s",
			ErrIntegrityViolation, sum, b.Total, b.UserID, b.CustodianID)
	}
	return nil
}

// ValidatePostingCustody verifies the release custody records of a posting
// sum to the weight of its releasing transactions.
func (v *InvariantValidator) ValidatePostingCustody(p *Posting) error {
	released := decimal.Zero
	for _, t := range p.Transactions {
		if t.CustodyEffect == EffectRelease {
			released = released.Add(t.Weight)
		}
	}
	sum := decimal.Zero
	for _, c := range p.Custody {
		if c.Type == CustodyRelease {
			sum = sum.Add(c.Weight)
		}
	}
	if !sum.Equal(released) {
		return fmt.Errorf("%w: posting %s custody releases %s != released weight %s",
			ErrIntegrityViolation, p.ID, sum, released)
	}
	return nil
}
