package core

import (
	"GoldLedger/internal/ledger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ModuleDraw is the redeemable weight taken from one module sub-ledger.
type ModuleDraw struct {
	Module ledger.Module
	Weight decimal.Decimal
}

// Release is the share of a sell assigned to one custodian.
type Release struct {
	CustodianID uuid.UUID
	Weight      decimal.Decimal
	Draws       []ModuleDraw
}

// delta returns the balance increment that performs the release.
func (r Release) delta() ledger.Delta {
	d := make(ledger.Delta, len(r.Draws))
	for _, dr := range r.Draws {
		d.Add(dr.Module, dr.Weight.Neg(), decimal.Zero)
	}
	return d
}

// Allocate splits weight across rows. Rows are visited by descending total,
// oldest first on ties, and each gives min(redeemable, remaining). Within a
// row, module sub-ledgers are drawn in ledger.DrawOrder(first).
//
// It fails with *ledger.InsufficientBalanceError without producing any
// release when the rows cannot cover weight. rows is not modified.
func Allocate(rows []ledger.Balance, weight decimal.Decimal, first ledger.Module) ([]Release, error) {
	ordered := make([]ledger.Balance, len(rows))
	copy(ordered, rows)
	ledger.SortForRelease(ordered)

	available := decimal.Zero
	for _, r := range ordered {
		if r.Redeemable.IsPositive() {
			available = available.Add(r.Redeemable)
		}
	}
	if available.LessThan(weight) {
		return nil, ledger.NewInsufficientBalanceError(weight, available)
	}

	var releases []Release
	remaining := weight
	for _, row := range ordered {
		if !remaining.IsPositive() {
			break
		}
		if !row.Redeemable.IsPositive() {
			continue
		}
		take := decimal.Min(row.Redeemable, remaining)
		releases = append(releases, Release{
			CustodianID: row.CustodianID,
			Weight:      take,
			Draws:       drawModules(row, take, first),
		})
		remaining = remaining.Sub(take)
	}
	return releases, nil
}

// drawModules takes weight from the row's module redeemables in draw order.
func drawModules(row ledger.Balance, weight decimal.Decimal, first ledger.Module) []ModuleDraw {
	var draws []ModuleDraw
	remaining := weight
	for _, m := range ledger.DrawOrder(first) {
		if !remaining.IsPositive() {
			break
		}
		avail := row.Module(m).Redeemable
		if !avail.IsPositive() {
			continue
		}
		take := decimal.Min(avail, remaining)
		draws = append(draws, ModuleDraw{Module: m, Weight: take})
		remaining = remaining.Sub(take)
	}
	return draws
}
