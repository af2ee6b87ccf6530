package settlement_test

import (
	"GoldLedger/internal/ledger"
	"GoldLedger/internal/settlement"
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCalculate(t *testing.T) {
	tests := []struct {
		name           string
		side           settlement.Side
		gross          string
		rate           string
		fee            string
		wantCommission string
		wantSettlement string
		wantDirection  ledger.Direction
	}{
		{
			name:           "buy scenario 2.5g at 6000 with 3% tax",
			side:           settlement.SideBuy,
			gross:          "15450",
			rate:           "1",
			fee:            "0",
			wantCommission: "154.50",
			wantSettlement: "15295.50",
			wantDirection:  ledger.PayableToCustodian,
		},
		{
			name:           "buy with fee deducted before commission",
			side:           settlement.SideBuy,
			gross:          "1000.00",
			rate:           "2.5",
			fee:            "20.00",
			wantCommission: "24.50",
			wantSettlement: "955.50",
			wantDirection:  ledger.PayableToCustodian,
		},
		{
			name:           "sell charges commission against custodian payout",
			side:           settlement.SideSell,
			gross:          "1000.00",
			rate:           "1",
			fee:            "0",
			wantCommission: "10.00",
			wantSettlement: "1010.00",
			wantDirection:  ledger.ReceivableFromCustodian,
		},
		{
			name:           "commission rounds half up",
			side:           settlement.SideBuy,
			gross:          "100.50",
			rate:           "1",
			fee:            "0",
			wantCommission: "1.01",
			wantSettlement: "99.49",
			wantDirection:  ledger.PayableToCustodian,
		},
		{
			name:           "zero rate",
			side:           settlement.SideSell,
			gross:          "42.00",
			rate:           "0",
			fee:            "0",
			wantCommission: "0",
			wantSettlement: "42.00",
			wantDirection:  ledger.ReceivableFromCustodian,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := settlement.Calculate(tt.side, d(tt.gross), d(tt.rate), d(tt.fee))
			require.NoError(t, err)

			assert.True(t, got.Commission.Equal(d(tt.wantCommission)), "commission: got %s want %s", got.Commission, tt.wantCommission)
			assert.True(t, got.Settlement.Equal(d(tt.wantSettlement)), "settlement: got %s want %s", got.Settlement, tt.wantSettlement)
			assert.Equal(t, tt.wantDirection, got.Direction)
		})
	}
}

// On a half-cent commission the settlement is derived from the rounded
// commission, so commission + settlement always equals net to the cent.
func TestCalculate_HalfCentCommission(t *testing.T) {
	buy, err := settlement.Calculate(settlement.SideBuy, d("0.50"), d("1"), d("0"))
	require.NoError(t, err)
	assert.Equal(t, "0.01", buy.Commission.StringFixed(2))
	assert.Equal(t, "0.49", buy.Settlement.StringFixed(2))
	assert.False(t, buy.Settlement.Equal(d("0.50").Mul(d("0.99")).Round(2)), "not round2(net x (1 - r))")
	assert.True(t, buy.Commission.Add(buy.Settlement).Equal(buy.Net))

	sell, err := settlement.Calculate(settlement.SideSell, d("0.50"), d("1"), d("0"))
	require.NoError(t, err)
	assert.Equal(t, "0.01", sell.Commission.StringFixed(2))
	assert.Equal(t, "0.51", sell.Settlement.StringFixed(2))
	assert.True(t, sell.Settlement.Sub(sell.Commission).Equal(sell.Net))
}

func TestCalculate_RejectsBadInput(t *testing.T) {
	tests := []struct {
		name  string
		gross string
		rate  string
		fee   string
	}{
		{"negative gross", "-1", "1", "0"},
		{"negative fee", "10", "1", "-1"},
		{"fee above gross", "10", "1", "11"},
		{"rate above 100", "10", "101", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := settlement.Calculate(settlement.SideBuy, d(tt.gross), d(tt.rate), d(tt.fee))
			assert.ErrorIs(t, err, ledger.ErrInvalidRequest)
		})
	}
}

type stubLoader struct {
	terms []settlement.CustodianTerms
	err   error
	calls int
}

func (s *stubLoader) LoadCustodianTerms(ctx context.Context) ([]settlement.CustodianTerms, error) {
	s.calls++
	return s.terms, s.err
}

func TestRateTable_LookupAndReload(t *testing.T) {
	active := settlement.CustodianTerms{ID: uuid.New(), Name: "Vault A", Active: true, CommissionRatePercent: d("1")}
	inactive := settlement.CustodianTerms{ID: uuid.New(), Name: "Vault B", Active: false, CommissionRatePercent: d("2")}

	loader := &stubLoader{terms: []settlement.CustodianTerms{active, inactive}}
	rt := settlement.NewRateTable(loader)

	_, err := rt.Lookup(active.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidRequest, "empty before reload")

	require.NoError(t, rt.Reload(context.Background()))
	assert.Equal(t, 2, rt.Len())

	got, err := rt.Lookup(active.ID)
	require.NoError(t, err)
	assert.Equal(t, "Vault A", got.Name)

	_, err = rt.Lookup(inactive.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidRequest)

	_, err = rt.Lookup(uuid.New())
	assert.ErrorIs(t, err, ledger.ErrInvalidRequest)
}

func TestRateTable_FailedReloadKeepsSnapshot(t *testing.T) {
	c := settlement.CustodianTerms{ID: uuid.New(), Active: true, CommissionRatePercent: d("1.5")}
	loader := &stubLoader{terms: []settlement.CustodianTerms{c}}
	rt := settlement.NewRateTable(loader)
	require.NoError(t, rt.Reload(context.Background()))

	loader.err = errors.New("connection refused")
	require.Error(t, rt.Reload(context.Background()))

	got, err := rt.Lookup(c.ID)
	require.NoError(t, err)
	assert.True(t, got.CommissionRatePercent.Equal(d("1.5")))
}

func TestRateTable_RejectsOutOfRangeRate(t *testing.T) {
	loader := &stubLoader{terms: []settlement.CustodianTerms{{ID: uuid.New(), Active: true, CommissionRatePercent: d("150")}}}
	rt := settlement.NewRateTable(loader)

	require.Error(t, rt.Reload(context.Background()))
	assert.Equal(t, 0, rt.Len())
}
