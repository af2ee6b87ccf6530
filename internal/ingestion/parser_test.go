package ingestion_test

import (
	"GoldLedger/internal/ingestion"
	"GoldLedger/internal/ledger"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	userID      = "660e8400-e29b-41d4-a716-446655440001"
	otherUserID = "660e8400-e29b-41d4-a716-446655440002"
	custodianID = "770e8400-e29b-41d4-a716-446655440003"
)

func payload(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestParseBuy(t *testing.T) {
	data := payload(t, map[string]interface{}{
		"user_id":      userID,
		"custodian_id": custodianID,
		"module":       "savings_plan",
		"weight":       "5.25",
		"rate":         "3000",
		"tax":          3,
		"fee":          "1.50",
		"payment_ref":  "pay-1",
	})

	cmd, err := ingestion.ParseCommand(ingestion.OpBuy, data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	req := cmd.Posting
	if cmd.Op != ingestion.OpBuy {
		t.Errorf("op: got %s, want buy", cmd.Op)
	}
	if req.UserID != uuid.MustParse(userID) {
		t.Errorf("user: got %s", req.UserID)
	}
	if req.CustodianID != uuid.MustParse(custodianID) {
		t.Errorf("custodian: got %s", req.CustodianID)
	}
	if req.Module != ledger.ModuleSavingsPlan {
		t.Errorf("module: got %s, want savings_plan", req.Module)
	}
	if !req.Weight.Valid || !req.Weight.Decimal.Equal(decimal.RequireFromString("5.25")) {
		t.Errorf("weight: got %+v, want 5.25", req.Weight)
	}
	if req.Value.Valid {
		t.Errorf("value should be absent, got %s", req.Value.Decimal)
	}
	if !req.Tax.Equal(decimal.NewFromInt(3)) {
		t.Errorf("tax: got %s, want 3", req.Tax)
	}
	if !req.Fee.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("fee: got %s, want 1.50", req.Fee)
	}
	if req.PaymentRef != "pay-1" {
		t.Errorf("payment_ref: got %s", req.PaymentRef)
	}
}

func TestParseBuyByValue(t *testing.T) {
	data := payload(t, map[string]interface{}{
		"user_id":      userID,
		"custodian_id": custodianID,
		"value":        "500.00",
		"weight":       nil,
		"rate":         "3000",
		"payment_ref":  "pay-2",
	})

	cmd, err := ingestion.ParseCommand(ingestion.OpBuy, data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cmd.Posting.Weight.Valid {
		t.Error("explicit null weight should stay absent")
	}
	if !cmd.Posting.Value.Valid || !cmd.Posting.Value.Decimal.Equal(decimal.NewFromInt(500)) {
		t.Errorf("value: got %+v, want 500", cmd.Posting.Value)
	}
	if cmd.Posting.Module != ledger.ModuleInstant {
		t.Errorf("missing module should default to instant, got %s", cmd.Posting.Module)
	}
}

func TestParseBuyRequiresCustodian(t *testing.T) {
	data := payload(t, map[string]interface{}{
		"user_id":     userID,
		"weight":      "1",
		"rate":        "3000",
		"payment_ref": "pay-3",
	})

	_, err := ingestion.ParseCommand(ingestion.OpBuy, data)
	if !errors.Is(err, ledger.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestParseSellWithoutCustodian(t *testing.T) {
	data := payload(t, map[string]interface{}{
		"user_id":     userID,
		"weight":      "2",
		"rate":        "3100",
		"payment_ref": "payout-1",
	})

	cmd, err := ingestion.ParseCommand(ingestion.OpSell, data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cmd.Posting.CustodianID != uuid.Nil {
		t.Errorf("sell without custodian should release from any, got %s", cmd.Posting.CustodianID)
	}
}

func TestParseHold(t *testing.T) {
	data := payload(t, map[string]interface{}{
		"user_id":      userID,
		"custodian_id": custodianID,
		"module":       "reserve",
		"weight":       "0.5",
		"payment_ref":  "hold-1",
	})

	for _, op := range []ingestion.Operation{ingestion.OpHold, ingestion.OpUnhold} {
		cmd, err := ingestion.ParseCommand(op, data)
		if err != nil {
			t.Fatalf("%s: parse failed: %v", op, err)
		}
		if cmd.Hold.Module != ledger.ModuleReserve {
			t.Errorf("%s: module got %s", op, cmd.Hold.Module)
		}
		if !cmd.Hold.Weight.Equal(decimal.RequireFromString("0.5")) {
			t.Errorf("%s: weight got %s", op, cmd.Hold.Weight)
		}
	}
}

func TestParseTransfer(t *testing.T) {
	data := payload(t, map[string]interface{}{
		"from_user_id": userID,
		"to_user_id":   otherUserID,
		"custodian_id": custodianID,
		"weight":       "1.25",
		"payment_ref":  "gift-1",
	})

	cmd, err := ingestion.ParseCommand(ingestion.OpTransfer, data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	tr := cmd.Transfer
	if tr.FromUserID != uuid.MustParse(userID) || tr.ToUserID != uuid.MustParse(otherUserID) {
		t.Errorf("users: got %s -> %s", tr.FromUserID, tr.ToUserID)
	}
	if !tr.Weight.Equal(decimal.RequireFromString("1.25")) {
		t.Errorf("weight: got %s", tr.Weight)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		op   ingestion.Operation
		data string
	}{
		{"not json", ingestion.OpBuy, `{`},
		{"bad user", ingestion.OpSell, `{"user_id":"nope","weight":"1"}`},
		{"bad decimal", ingestion.OpSell, `{"user_id":"` + userID + `","weight":"abc"}`},
		{"bad module", ingestion.OpHold, `{"user_id":"` + userID + `","custodian_id":"` + custodianID + `","module":"bullion"}`},
		{"missing receiver", ingestion.OpTransfer, `{"from_user_id":"` + userID + `","custodian_id":"` + custodianID + `"}`},
		{"unknown op", ingestion.Operation("mint"), `{}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ingestion.ParseCommand(tc.op, []byte(tc.data))
			if !errors.Is(err, ledger.ErrInvalidRequest) {
				t.Errorf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestOperationFromSubject(t *testing.T) {
	op, err := ingestion.OperationFromSubject("gold.postings.sell.user-42")
	if err != nil {
		t.Fatalf("subject: %v", err)
	}
	if op != ingestion.OpSell {
		t.Errorf("op: got %s, want sell", op)
	}

	if _, err := ingestion.OperationFromSubject("perp.trades.x"); err == nil {
		t.Error("foreign subject should be rejected")
	}
}
