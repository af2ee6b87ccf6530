package event

import "github.com/google/uuid"

// InvoiceAttached is emitted when the worker links a rendered invoice to a
// sell transaction.
type InvoiceAttached struct {
	TransactionID  uuid.UUID `json:"transaction_id"`
	CustodianID    uuid.UUID `json:"custodian_id"`
	UserID         uuid.UUID `json:"user_id"`
	InvoiceRef     string    `json:"invoice_ref"`
	CertificateRef string    `json:"certificate_ref"`
}

func (i *InvoiceAttached) IdempotencyKey() string {
	return "attached:" + i.TransactionID.String()
}

func (i *InvoiceAttached) EventType() EventType {
	return EventTypeInvoiceAttached
}

func (i *InvoiceAttached) Owner() uuid.UUID {
	return i.UserID
}

// JobDeadLettered is emitted when a settlement job exhausts its retries.
type JobDeadLettered struct {
	JobID         string    `json:"job_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	CustodianID   uuid.UUID `json:"custodian_id"`
	UserID        uuid.UUID `json:"user_id"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error"`
}

func (j *JobDeadLettered) IdempotencyKey() string {
	return "deadletter:" + j.JobID
}

func (j *JobDeadLettered) EventType() EventType {
	return EventTypeJobDeadLettered
}

func (j *JobDeadLettered) Owner() uuid.UUID {
	return j.UserID
}
