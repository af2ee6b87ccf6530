package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DocumentKind distinguishes the three generated settlement documents
type DocumentKind string

const (
	DocInvoice    DocumentKind = "invoice"
	DocSettlement DocumentKind = "settlement"
	DocCommission DocumentKind = "commission"
)

// DocumentStatus tracks whether the legal document has been rendered.
type DocumentStatus string

const (
	DocPending DocumentStatus = "pending"
	DocIssued  DocumentStatus = "issued"
)

// Direction says who pays whom for a settlement.
type Direction string

const (
	PayableToCustodian      Direction = "payable_to_custodian"      // buy side
	ReceivableFromCustodian Direction = "receivable_from_custodian" // sell side
)

// Document is one row of settlement_documents.
type Document struct {
	ID            uuid.UUID
	Kind          DocumentKind
	Number        string
	TransactionID uuid.UUID
	InvoiceID     uuid.UUID // set on settlement and commission rows
	UserID        uuid.UUID
	CustodianID   uuid.UUID
	Amount        decimal.Decimal
	Direction     Direction
	Status        DocumentStatus
	DocumentRef   string
	CreatedAt     time.Time
}

// DocumentSet is the invoice of one transaction with its settlement and
// optional commission. Invoice.Amount is the customer-facing total.
type DocumentSet struct {
	Invoice    Document
	Settlement Document
	Commission *Document
}

// All returns the documents of the set in insert order.
func (s DocumentSet) All() []Document {
	docs := []Document{s.Settlement}
	if s.Commission != nil {
		docs = append(docs, *s.Commission)
	}
	return append(docs, s.Invoice)
}
