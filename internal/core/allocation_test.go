package core_test

import (
	"GoldLedger/internal/core"
	"GoldLedger/internal/ledger"
	"GoldLedger/internal/testutil"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

var g = testutil.Grams

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// row builds a balance whose redeemable weight sits in the given modules.
func row(custodian uuid.UUID, createdAt time.Time, held string, modules map[ledger.Module]string) ledger.Balance {
	b := ledger.NewBalance(uuid.Nil, custodian)
	b.CreatedAt = createdAt
	d := ledger.Delta{}
	for m, w := range modules {
		d.Add(m, g(w), g("0"))
	}
	if held != "0" {
		d.Add(ledger.ModuleReserve, g("0"), g(held))
	}
	out, err := b.Apply(d)
	if err != nil {
		panic(err)
	}
	return out
}

func instant(custodian uuid.UUID, createdAt time.Time, w string) ledger.Balance {
	return row(custodian, createdAt, "0", map[ledger.Module]string{ledger.ModuleInstant: w})
}

// =============================================================================
// Allocation
// =============================================================================

func TestAllocate_LargestFirst(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	rows := []ledger.Balance{
		instant(b, epoch, "3"),
		instant(a, epoch.Add(time.Hour), "5"),
	}

	releases, err := core.Allocate(rows, g("6"), ledger.ModuleInstant)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if len(releases) != 2 {
		t.Fatalf("expected 2 releases, got %d", len(releases))
	}
	if releases[0].CustodianID != a || !releases[0].Weight.Equal(g("5")) {
		t.Errorf("first release = %s %s, want %s 5", releases[0].CustodianID, releases[0].Weight, a)
	}
	if releases[1].CustodianID != b || !releases[1].Weight.Equal(g("1")) {
		t.Errorf("second release = %s %s, want %s 1", releases[1].CustodianID, releases[1].Weight, b)
	}
}

func TestAllocate_StopsWhenCovered(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	rows := []ledger.Balance{instant(a, epoch, "5"), instant(b, epoch, "3")}

	releases, err := core.Allocate(rows, g("4.5"), ledger.ModuleInstant)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if len(releases) != 1 || releases[0].CustodianID != a || !releases[0].Weight.Equal(g("4.5")) {
		t.Errorf("releases = %+v, want a single 4.5 from %s", releases, a)
	}
}

func TestAllocate_TiesGoToOldestRow(t *testing.T) {
	older, newer := uuid.New(), uuid.New()
	rows := []ledger.Balance{
		instant(newer, epoch.Add(time.Minute), "4"),
		instant(older, epoch, "4"),
	}

	releases, err := core.Allocate(rows, g("5"), ledger.ModuleInstant)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if releases[0].CustodianID != older || !releases[0].Weight.Equal(g("4")) {
		t.Errorf("first release should drain the older row, got %+v", releases[0])
	}
	if releases[1].CustodianID != newer || !releases[1].Weight.Equal(g("1")) {
		t.Errorf("second release should take 1 from the newer row, got %+v", releases[1])
	}
}

func TestAllocate_Deterministic(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	rows := []ledger.Balance{
		instant(ids[0], epoch, "2"),
		instant(ids[1], epoch, "2"),
		instant(ids[2], epoch, "2"),
	}
	reversed := []ledger.Balance{rows[2], rows[1], rows[0]}

	first, err := core.Allocate(rows, g("3"), ledger.ModuleInstant)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	second, err := core.Allocate(reversed, g("3"), ledger.ModuleInstant)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	for i := range first {
		if first[i].CustodianID != second[i].CustodianID || !first[i].Weight.Equal(second[i].Weight) {
			t.Fatalf("allocation depends on input order: %+v vs %+v", first, second)
		}
	}
}

func TestAllocate_Insufficient(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	rows := []ledger.Balance{instant(a, epoch, "5"), instant(b, epoch, "2.5")}

	releases, err := core.Allocate(rows, g("10"), ledger.ModuleInstant)
	if releases != nil {
		t.Errorf("no release may be produced on shortfall, got %+v", releases)
	}
	var ib *ledger.InsufficientBalanceError
	if !errors.As(err, &ib) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if !ib.Shortfall.Equal(g("2.5")) {
		t.Errorf("shortfall = %s, want 2.500", ib.Shortfall.StringFixed(3))
	}
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Error("error should match ErrInsufficientBalance")
	}
}

func TestAllocate_IgnoresHeldWeight(t *testing.T) {
	a := uuid.New()
	rows := []ledger.Balance{row(a, epoch, "10", map[ledger.Module]string{ledger.ModuleInstant: "1"})}

	_, err := core.Allocate(rows, g("2"), ledger.ModuleInstant)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("held weight must not be released, got %v", err)
	}
}

func TestAllocate_DrawsRequestedModuleFirst(t *testing.T) {
	a := uuid.New()
	rows := []ledger.Balance{row(a, epoch, "0", map[ledger.Module]string{
		ledger.ModuleInstant:  "2",
		ledger.ModuleUploaded: "1",
		ledger.ModuleReferral: "1",
	})}

	releases, err := core.Allocate(rows, g("2.5"), ledger.ModuleReferral)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	draws := releases[0].Draws
	if len(draws) != 2 {
		t.Fatalf("expected 2 draws, got %+v", draws)
	}
	if draws[0].Module != ledger.ModuleReferral || !draws[0].Weight.Equal(g("1")) {
		t.Errorf("first draw = %s %s, want referral 1", draws[0].Module, draws[0].Weight)
	}
	if draws[1].Module != ledger.ModuleInstant || !draws[1].Weight.Equal(g("1.5")) {
		t.Errorf("second draw = %s %s, want instant 1.5", draws[1].Module, draws[1].Weight)
	}
}

func TestAllocate_DoesNotReorderInput(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	rows := []ledger.Balance{instant(b, epoch, "1"), instant(a, epoch, "9")}

	if _, err := core.Allocate(rows, g("1"), ledger.ModuleInstant); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if rows[0].CustodianID != b {
		t.Error("Allocate must not sort the caller's slice")
	}
}
