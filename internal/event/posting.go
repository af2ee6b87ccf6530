package event

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PostingLine is one transaction of a committed posting.
type PostingLine struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	CustodianID   uuid.UUID       `json:"custodian_id"`
	Type          string          `json:"type"`
	CustodyEffect string          `json:"custody_effect,omitempty"`
	Module        string          `json:"module"`
	Weight        decimal.Decimal `json:"weight"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
}

// PostingCommitted is emitted after a Buy/Sell/Hold/Unhold/Transfer unit commits.
type PostingCommitted struct {
	PostingID    uuid.UUID       `json:"posting_id"`
	Operation    string          `json:"operation"`
	PaymentRef   string          `json:"payment_ref"`
	UserID       uuid.UUID       `json:"user_id"`
	Lines        []PostingLine   `json:"lines"`
	BalanceTotal decimal.Decimal `json:"balance_total"`
}

func (p *PostingCommitted) IdempotencyKey() string {
	return p.PostingID.String()
}

func (p *PostingCommitted) EventType() EventType {
	return EventTypePostingCommitted
}

func (p *PostingCommitted) Owner() uuid.UUID {
	return p.UserID
}
