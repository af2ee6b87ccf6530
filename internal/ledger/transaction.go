package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType is the kind of weight movement
type TransactionType string

const (
	TxCredit   TransactionType = "credit"
	TxDebit    TransactionType = "debit"
	TxHold     TransactionType = "hold"
	TxRelease  TransactionType = "release"
	TxTransfer TransactionType = "transfer"
)

// CustodyEffect is how the movement changes the custodian's physical holding.
type CustodyEffect string

const (
	EffectGiven   CustodyEffect = "given"
	EffectRelease CustodyEffect = "release"
	EffectNone    CustodyEffect = ""
)

// TransactionStatus is the lifecycle state of a transaction.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusProcessing TransactionStatus = "processing"
	StatusCompleted  TransactionStatus = "completed"
	StatusFailed     TransactionStatus = "failed"
)

// Transaction is one immutable weight movement against one balance row.
// Only InvoiceRef, CertificateRef and the accompanying Status change after insert.
type Transaction struct {
	ID             uuid.UUID
	PostingID      uuid.UUID
	IdempotencyKey string
	Type           TransactionType
	CustodyEffect  CustodyEffect
	UserID         uuid.UUID
	CustodianID    uuid.UUID
	Module         Module
	Weight         decimal.Decimal
	Rate           decimal.Decimal
	Amount         decimal.Decimal
	TaxAmount      decimal.Decimal
	TotalAmount    decimal.Decimal
	Status         TransactionStatus
	InvoiceRef     string
	CertificateRef string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SignedWeight is the change this transaction makes to the balance total.
func (t Transaction) SignedWeight() decimal.Decimal {
	switch t.CustodyEffect {
	case EffectGiven:
		return t.Weight
	case EffectRelease:
		return t.Weight.Neg()
	default:
		return decimal.Zero
	}
}

// Posting groups everything one Buy/Sell/Hold/Unhold/Transfer call writes.
type Posting struct {
	ID             uuid.UUID
	IdempotencyKey string
	Transactions   []Transaction
	Custody        []CustodyRecord
	Documents      []DocumentSet
	CreatedAt      time.Time
}

// Validate ensures the posting is well-formed before it is written:
// positive weights, consistent posting ids, and exactly one custody record of the
// matching type and weight for every transaction with a custody effect.
func (p *Posting) Validate() error {
	if len(p.Transactions) == 0 {
		return fmt.Errorf("posting %s is empty", p.ID)
	}

	custodyByTx := make(map[uuid.UUID]CustodyRecord, len(p.Custody))
	for _, c := range p.Custody {
		if _, dup := custodyByTx[c.TransactionID]; dup {
			return fmt.Errorf("posting %s has two custody records for transaction %s", p.ID, c.TransactionID)
		}
		custodyByTx[c.TransactionID] = c
	}

	matched := 0
	for _, t := range p.Transactions {
		if !t.Weight.IsPositive() {
			return fmt.Errorf("transaction %s has non-positive weight: %s", t.ID, t.Weight)
		}
		if t.PostingID != p.ID {
			return fmt.Errorf("transaction %s has mismatched posting_id", t.ID)
		}

		c, ok := custodyByTx[t.ID]
		if t.CustodyEffect == EffectNone {
			if ok {
				return fmt.Errorf("transaction %s has no custody effect but a custody record", t.ID)
			}
			continue
		}
		if !ok {
			return fmt.Errorf("transaction %s is missing its custody record", t.ID)
		}
		if string(c.Type) != string(t.CustodyEffect) || !c.Weight.Equal(t.Weight) {
			return fmt.Errorf("custody record %s does not match transaction %s", c.ID, t.ID)
		}
		matched++
	}

	if matched != len(custodyByTx) {
		return fmt.Errorf("posting %s has orphan custody records", p.ID)
	}

	return nil
}

// Weight sums the transaction weights of the given type.
func (p *Posting) Weight(typ TransactionType) decimal.Decimal {
	total := decimal.Zero
	for _, t := range p.Transactions {
		if t.Type == typ {
			total = total.Add(t.Weight)
		}
	}
	return total
}
