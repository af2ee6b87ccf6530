package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SubBalance is one {redeemable, held, total} triple
type SubBalance struct {
	Redeemable decimal.Decimal `json:"redeemable"`
	Held       decimal.Decimal `json:"held"`
	Total      decimal.Decimal `json:"total"`
}

// Balance is the per-(user, custodian) row of owned weight (grams).
// Invariants: Total == Redeemable + Held, Total == Σ Modules[m].Total.
type Balance struct {
	UserID      uuid.UUID
	CustodianID uuid.UUID
	SubBalance
	Modules   map[Module]SubBalance
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewBalance returns the all-zero row used before the first posting.
func NewBalance(userID, custodianID uuid.UUID) Balance {
	return Balance{
		UserID:      userID,
		CustodianID: custodianID,
		Modules:     make(map[Module]SubBalance),
	}
}

// Module returns the sub-ledger for m (zero if absent).
func (b Balance) Module(m Module) SubBalance {
	return b.Modules[m]
}

// Clone returns a deep copy.
func (b Balance) Clone() Balance {
	c := b
	c.Modules = make(map[Module]SubBalance, len(b.Modules))
	for m, sb := range b.Modules {
		c.Modules[m] = sb
	}
	return c
}

// ModuleDelta is a signed increment to one module's redeemable and held weight.
type ModuleDelta struct {
	Redeemable decimal.Decimal
	Held       decimal.Decimal
}

// Delta is the full increment applied to one balance row. Totals are derived.
type Delta map[Module]ModuleDelta

// Add accumulates an increment for m.
func (d Delta) Add(m Module, redeemable, held decimal.Decimal) {
	cur := d[m]
	d[m] = ModuleDelta{
		Redeemable: cur.Redeemable.Add(redeemable),
		Held:       cur.Held.Add(held),
	}
}

// Totals returns the top-level increments implied by the module increments.
func (d Delta) Totals() (redeemable, held, total decimal.Decimal) {
	redeemable, held = decimal.Zero, decimal.Zero
	for _, md := range d {
		redeemable = redeemable.Add(md.Redeemable)
		held = held.Add(md.Held)
	}
	return redeemable, held, redeemable.Add(held)
}

// SortedModules returns the modules touched by d in canonical order.
func (d Delta) SortedModules() []Module {
	mods := make([]Module, 0, len(d))
	for m := range d {
		mods = append(mods, m)
	}
	sort.Slice(mods, func(i, j int) bool { return mods[i] < mods[j] })
	return mods
}

// Validate checks the delta is well formed (known modules, non-empty).
func (d Delta) Validate() error {
	if len(d) == 0 {
		return fmt.Errorf("%w: empty delta", ErrInvalidDelta)
	}
	for m := range d {
		if !m.Valid() {
			return fmt.Errorf("%w: unknown module %d", ErrInvalidDelta, m)
		}
	}
	return nil
}

// Apply returns b incremented by d, or ErrInvalidDelta if any redeemable or held
// figure (top level or per module) would become negative.
func (b Balance) Apply(d Delta) (Balance, error) {
	if err := d.Validate(); err != nil {
		return Balance{}, err
	}

	next := b.Clone()
	for _, m := range d.SortedModules() {
		md := d[m]
		sb := next.Modules[m]
		sb.Redeemable = sb.Redeemable.Add(md.Redeemable)
		sb.Held = sb.Held.Add(md.Held)
		sb.Total = sb.Total.Add(md.Redeemable).Add(md.Held)
		if sb.Redeemable.IsNegative() || sb.Held.IsNegative() {
			return Balance{}, fmt.Errorf("%w: module %s would be redeemable=%s held=%s",
				ErrInvalidDelta, m, sb.Redeemable.StringFixed(3), sb.Held.StringFixed(3))
		}
		next.Modules[m] = sb
	}

	dr, dh, dt := d.Totals()
	next.Redeemable = next.Redeemable.Add(dr)
	next.Held = next.Held.Add(dh)
	next.Total = next.Total.Add(dt)
	if next.Redeemable.IsNegative() || next.Held.IsNegative() {
		return Balance{}, fmt.Errorf("%w: balance would be redeemable=%s held=%s",
			ErrInvalidDelta, next.Redeemable.StringFixed(3), next.Held.StringFixed(3))
	}

	return next, nil
}

// UserBalances is every custodian row of one user plus grand totals.
type UserBalances struct {
	UserID     uuid.UUID
	Rows       []Balance
	Redeemable decimal.Decimal
	Held       decimal.Decimal
	Total      decimal.Decimal
}

// NewUserBalances sums rows into grand totals and orders them for release.
func NewUserBalances(userID uuid.UUID, rows []Balance) UserBalances {
	ub := UserBalances{
		UserID:     userID,
		Rows:       rows,
		Redeemable: decimal.Zero,
		Held:       decimal.Zero,
		Total:      decimal.Zero,
	}
	for _, r := range rows {
		ub.Redeemable = ub.Redeemable.Add(r.Redeemable)
		ub.Held = ub.Held.Add(r.Held)
		ub.Total = ub.Total.Add(r.Total)
	}
	SortForRelease(ub.Rows)
	return ub
}

// Row returns the row for custodianID if present.
func (ub UserBalances) Row(custodianID uuid.UUID) (Balance, bool) {
	for _, r := range ub.Rows {
		if r.CustodianID == custodianID {
			return r, true
		}
	}
	return Balance{}, false
}

// Worth prices the grand total at rate, unrounded.
func (ub UserBalances) Worth(rate decimal.Decimal) decimal.Decimal {
	return ub.Total.Mul(rate)
}

// SortForRelease orders rows by descending total; ties go to the oldest row,
// then to custodian id so that the order is total.
func SortForRelease(rows []Balance) {
	sort.SliceStable(rows, func(i, j int) bool {
		if c := rows[i].Total.Cmp(rows[j].Total); c != 0 {
			return c > 0
		}
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].CustodianID.String() < rows[j].CustodianID.String()
	})
}
