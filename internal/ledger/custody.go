package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CustodyType records whether a custodian took or gave up metal for a user
type CustodyType string

const (
	CustodyGiven   CustodyType = "given"
	CustodyRelease CustodyType = "release"
)

// CustodyRecord is the regulatory proof that a custodian holds, or released,
// a quantity of metal for a user. InvoiceRef is filled in after the fact.
type CustodyRecord struct {
	ID            uuid.UUID
	TransactionID uuid.UUID
	Type          CustodyType
	UserID        uuid.UUID
	CustodianID   uuid.UUID
	Module        Module
	Weight        decimal.Decimal
	InvoiceRef    string
	CreatedAt     time.Time
}

// SignedWeight is +weight for given and -weight for release.
func (c CustodyRecord) SignedWeight() decimal.Decimal {
	if c.Type == CustodyRelease {
		return c.Weight.Neg()
	}
	return c.Weight
}

// CustodySum is the signed sum of records for one (user, custodian).
func CustodySum(records []CustodyRecord) decimal.Decimal {
	sum := decimal.Zero
	for _, r := range records {
		sum = sum.Add(r.SignedWeight())
	}
	return sum
}
