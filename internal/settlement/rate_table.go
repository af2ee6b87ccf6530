package settlement

import (
	"GoldLedger/internal/ledger"
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CustodianTerms are the commercial terms the ledger needs about a custodian.
type CustodianTerms struct {
	ID                    uuid.UUID
	Name                  string
	Active                bool
	CommissionRatePercent decimal.Decimal
}

// TermsLoader reads the full custodian terms set from durable storage.
type TermsLoader interface {
	LoadCustodianTerms(ctx context.Context) ([]CustodianTerms, error)
}

type rateSnapshot struct {
	terms    map[uuid.UUID]CustodianTerms
	loadedAt time.Time
}

// RateTable is an immutable snapshot of custodian terms swapped atomically on
// Reload. Lookups never block on a reload in progress.
type RateTable struct {
	loader TermsLoader
	snap   atomic.Pointer[rateSnapshot]
}

// NewRateTable creates an empty table. Call Reload before first use.
func NewRateTable(loader TermsLoader) *RateTable {
	rt := &RateTable{loader: loader}
	rt.snap.Store(&rateSnapshot{terms: map[uuid.UUID]CustodianTerms{}})
	return rt
}

// NewStaticRateTable builds a table from a fixed set of terms; Reload is a no-op.
func NewStaticRateTable(terms ...CustodianTerms) *RateTable {
	rt := &RateTable{}
	rt.snap.Store(buildSnapshot(terms))
	return rt
}

func buildSnapshot(terms []CustodianTerms) *rateSnapshot {
	m := make(map[uuid.UUID]CustodianTerms, len(terms))
	for _, t := range terms {
		m[t.ID] = t
	}
	return &rateSnapshot{terms: m, loadedAt: time.Now()}
}

// Reload replaces the snapshot with the loader's current view. On error the
// previous snapshot stays in place.
func (rt *RateTable) Reload(ctx context.Context) error {
	if rt.loader == nil {
		return nil
	}
	terms, err := rt.loader.LoadCustodianTerms(ctx)
	if err != nil {
		return fmt.Errorf("reload custodian terms: %w", err)
	}
	for _, t := range terms {
		if t.CommissionRatePercent.IsNegative() || t.CommissionRatePercent.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("custodian %s has commission rate %s outside [0, 100]", t.ID, t.CommissionRatePercent)
		}
	}
	rt.snap.Store(buildSnapshot(terms))
	return nil
}

// Lookup returns the terms of an active custodian or ErrInvalidRequest.
func (rt *RateTable) Lookup(custodianID uuid.UUID) (CustodianTerms, error) {
	t, ok := rt.snap.Load().terms[custodianID]
	if !ok {
		return CustodianTerms{}, ledger.InvalidRequestf("unknown custodian %s", custodianID)
	}
	if !t.Active {
		return CustodianTerms{}, ledger.InvalidRequestf("custodian %s is inactive", custodianID)
	}
	return t, nil
}

// Terms returns the terms of a known custodian, active or not. Releases from
// a deactivated custodian still settle at its last known rate.
func (rt *RateTable) Terms(custodianID uuid.UUID) (CustodianTerms, error) {
	t, ok := rt.snap.Load().terms[custodianID]
	if !ok {
		return CustodianTerms{}, ledger.InvalidRequestf("unknown custodian %s", custodianID)
	}
	return t, nil
}

// Len returns the number of custodians in the current snapshot.
func (rt *RateTable) Len() int {
	return len(rt.snap.Load().terms)
}

// LoadedAt is when the current snapshot was built.
func (rt *RateTable) LoadedAt() time.Time {
	return rt.snap.Load().loadedAt
}
