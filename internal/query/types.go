package query

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BalanceResponse is a user's holdings across custodians. Weights are grams.
type BalanceResponse struct {
	UserID     uuid.UUID       `json:"user_id"`
	Redeemable decimal.Decimal `json:"redeemable"`
	Held       decimal.Decimal `json:"held"`
	Total      decimal.Decimal `json:"total"`

	// Rows are in release order: largest first.
	Rows []CustodianBalance `json:"custodians"`
}

// CustodianBalance is one (user, custodian) row with its module breakdown.
type CustodianBalance struct {
	CustodianID uuid.UUID                `json:"custodian_id"`
	Redeemable  decimal.Decimal          `json:"redeemable"`
	Held        decimal.Decimal          `json:"held"`
	Total       decimal.Decimal          `json:"total"`
	Modules     map[string]ModuleBalance `json:"modules"`
	UpdatedAt   time.Time                `json:"updated_at"`
}

type ModuleBalance struct {
	Redeemable decimal.Decimal `json:"redeemable"`
	Held       decimal.Decimal `json:"held"`
	Total      decimal.Decimal `json:"total"`
}

// TransactionResponse is one ledger movement as shown to operators.
type TransactionResponse struct {
	ID             uuid.UUID       `json:"id"`
	PostingID      uuid.UUID       `json:"posting_id"`
	PaymentRef     string          `json:"payment_ref"`
	Type           string          `json:"type"`
	CustodyEffect  string          `json:"custody_effect,omitempty"`
	CustodianID    uuid.UUID       `json:"custodian_id"`
	Module         string          `json:"module"`
	Weight         decimal.Decimal `json:"weight"`
	Rate           decimal.Decimal `json:"rate"`
	Amount         decimal.Decimal `json:"amount"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Status         string          `json:"status"`
	InvoiceRef     string          `json:"invoice_ref,omitempty"`
	CertificateRef string          `json:"certificate_ref,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// IntegrityReport is the result of checking one user's rows.
type IntegrityReport struct {
	UserID    uuid.UUID        `json:"user_id"`
	IsHealthy bool             `json:"is_healthy"`
	Checked   int              `json:"rows_checked"`
	Failures  []IntegrityIssue `json:"failures,omitempty"`
}

// IntegrityIssue names the failed check and the row it failed on.
type IntegrityIssue struct {
	CustodianID uuid.UUID `json:"custodian_id"`
	Check       string    `json:"check"`
	Detail      string    `json:"detail"`
}

// DeadLetterResponse is a parked settlement job.
type DeadLetterResponse struct {
	JobID         string    `json:"job_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	CustodianID   uuid.UUID `json:"custodian_id"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error"`
	CreatedAt     time.Time `json:"created_at"`
}
