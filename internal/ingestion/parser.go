package ingestion

import (
	"GoldLedger/internal/core"
	"GoldLedger/internal/ledger"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Operation names a posting command; it is the third token of the subject.
type Operation string

const (
	OpBuy      Operation = "buy"
	OpSell     Operation = "sell"
	OpHold     Operation = "hold"
	OpUnhold   Operation = "unhold"
	OpTransfer Operation = "transfer"
)

// Command is a parsed posting command. Exactly one request field is
// meaningful, selected by Op.
type Command struct {
	Op       Operation
	Posting  core.Request
	Hold     core.HoldRequest
	Transfer core.TransferRequest
}

// ParseCommand converts a JSON payload into a typed Command.
// Malformed payloads fail with ledger.ErrInvalidRequest.
func ParseCommand(op Operation, data []byte) (Command, error) {
	switch op {
	case OpBuy, OpSell:
		req, err := parsePosting(data, op == OpBuy)
		return Command{Op: op, Posting: req}, err
	case OpHold, OpUnhold:
		req, err := parseHold(data)
		return Command{Op: op, Hold: req}, err
	case OpTransfer:
		req, err := parseTransfer(data)
		return Command{Op: op, Transfer: req}, err
	default:
		return Command{}, ledger.InvalidRequestf("unknown operation %q", op)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Decimal fields
// accept both JSON numbers and strings.

type postingJSON struct {
	UserID      string              `json:"user_id"`
	CustodianID string              `json:"custodian_id"`
	Module      string              `json:"module"`
	Weight      decimal.NullDecimal `json:"weight"`
	Value       decimal.NullDecimal `json:"value"`
	Rate        decimal.Decimal     `json:"rate"`
	Tax         decimal.Decimal     `json:"tax"`
	Fee         decimal.Decimal     `json:"fee"`
	PaymentRef  string              `json:"payment_ref"`
}

type holdJSON struct {
	UserID      string          `json:"user_id"`
	CustodianID string          `json:"custodian_id"`
	Module      string          `json:"module"`
	Weight      decimal.Decimal `json:"weight"`
	PaymentRef  string          `json:"payment_ref"`
}

type transferJSON struct {
	FromUserID  string          `json:"from_user_id"`
	ToUserID    string          `json:"to_user_id"`
	CustodianID string          `json:"custodian_id"`
	Module      string          `json:"module"`
	Weight      decimal.Decimal `json:"weight"`
	PaymentRef  string          `json:"payment_ref"`
}

func parsePosting(data []byte, requireCustodian bool) (core.Request, error) {
	var j postingJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return core.Request{}, ledger.InvalidRequestf("parse posting: %v", err)
	}

	userID, err := parseID("user_id", j.UserID)
	if err != nil {
		return core.Request{}, err
	}
	custodianID := uuid.Nil
	if j.CustodianID != "" || requireCustodian {
		if custodianID, err = parseID("custodian_id", j.CustodianID); err != nil {
			return core.Request{}, err
		}
	}
	module, err := parseModule(j.Module)
	if err != nil {
		return core.Request{}, err
	}

	return core.Request{
		UserID:      userID,
		CustodianID: custodianID,
		Module:      module,
		Weight:      j.Weight,
		Value:       j.Value,
		Rate:        j.Rate,
		Tax:         j.Tax,
		Fee:         j.Fee,
		PaymentRef:  j.PaymentRef,
	}, nil
}

func parseHold(data []byte) (core.HoldRequest, error) {
	var j holdJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return core.HoldRequest{}, ledger.InvalidRequestf("parse hold: %v", err)
	}

	userID, err := parseID("user_id", j.UserID)
	if err != nil {
		return core.HoldRequest{}, err
	}
	custodianID, err := parseID("custodian_id", j.CustodianID)
	if err != nil {
		return core.HoldRequest{}, err
	}
	module, err := parseModule(j.Module)
	if err != nil {
		return core.HoldRequest{}, err
	}

	return core.HoldRequest{
		UserID:      userID,
		CustodianID: custodianID,
		Module:      module,
		Weight:      j.Weight,
		PaymentRef:  j.PaymentRef,
	}, nil
}

func parseTransfer(data []byte) (core.TransferRequest, error) {
	var j transferJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return core.TransferRequest{}, ledger.InvalidRequestf("parse transfer: %v", err)
	}

	from, err := parseID("from_user_id", j.FromUserID)
	if err != nil {
		return core.TransferRequest{}, err
	}
	to, err := parseID("to_user_id", j.ToUserID)
	if err != nil {
		return core.TransferRequest{}, err
	}
	custodianID, err := parseID("custodian_id", j.CustodianID)
	if err != nil {
		return core.TransferRequest{}, err
	}
	module, err := parseModule(j.Module)
	if err != nil {
		return core.TransferRequest{}, err
	}

	return core.TransferRequest{
		FromUserID:  from,
		ToUserID:    to,
		CustodianID: custodianID,
		Module:      module,
		Weight:      j.Weight,
		PaymentRef:  j.PaymentRef,
	}, nil
}

func parseID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, ledger.InvalidRequestf("parse %s: %v", field, err)
	}
	return id, nil
}

// parseModule defaults an empty module to instant.
func parseModule(s string) (ledger.Module, error) {
	if strings.TrimSpace(s) == "" {
		return ledger.ModuleInstant, nil
	}
	return ledger.ParseModule(s)
}

// OperationFromSubject extracts the operation from gold.postings.<op>.<...>.
func OperationFromSubject(subject string) (Operation, error) {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 || parts[0] != "gold" || parts[1] != "postings" {
		return "", fmt.Errorf("unexpected subject %q", subject)
	}
	return Operation(parts[2]), nil
}
