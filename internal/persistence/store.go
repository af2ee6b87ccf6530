package persistence

import (
	"GoldLedger/internal/ledger"
	"GoldLedger/internal/settlement"
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the durable home of balances, transactions, custody records and
// settlement documents. All writes go through a UnitOfWork.
type Store interface {
	// Begin opens one all-or-nothing unit. Callers must Commit or Rollback.
	Begin(ctx context.Context) (UnitOfWork, error)

	// ListBalances returns every balance row of a user (unordered).
	ListBalances(ctx context.Context, userID uuid.UUID) ([]ledger.Balance, error)
	// GetBalance returns one row or ledger.ErrNotFound.
	GetBalance(ctx context.Context, userID, custodianID uuid.UUID) (ledger.Balance, error)

	ListTransactions(ctx context.Context, userID uuid.UUID) ([]ledger.Transaction, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (ledger.Transaction, error)
	ListCustodyRecords(ctx context.Context, userID, custodianID uuid.UUID) ([]ledger.CustodyRecord, error)
	// GetInvoice returns the invoice document of a transaction.
	GetInvoice(ctx context.Context, transactionID uuid.UUID) (ledger.Document, error)

	// PostingExists reports whether a posting was committed with the key.
	PostingExists(ctx context.Context, idempotencyKey string) (bool, error)
	// RecentIdempotencyKeys returns up to limit of the most recent keys, newest first.
	RecentIdempotencyKeys(ctx context.Context, limit int) ([]string, error)

	// ListUnattached returns pending release transactions with no invoice
	// created before olderThan, skipping those parked as dead letters.
	ListUnattached(ctx context.Context, olderThan time.Time, limit int) ([]JobRef, error)

	EnqueueOutbox(ctx context.Context, ref JobRef, reason string) error
	// ClaimOutbox removes and returns up to limit entries, oldest first.
	ClaimOutbox(ctx context.Context, limit int) ([]OutboxEntry, error)

	RecordDeadLetter(ctx context.Context, dl DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	// TakeDeadLetter removes and returns a dead letter, or ledger.ErrNotFound.
	TakeDeadLetter(ctx context.Context, jobID string) (DeadLetter, error)

	LoadCustodianTerms(ctx context.Context) ([]settlement.CustodianTerms, error)

	Ping(ctx context.Context) error
}

// UnitOfWork groups the writes of one posting (or one invoice attachment).
// Nothing written through it is visible to readers before Commit.
type UnitOfWork interface {
	// InsertPosting claims the posting's idempotency key. The key is unique
	// across all postings regardless of custodian or operation; a taken key
	// fails with ledger.ErrDuplicatePosting here or at Commit.
	InsertPosting(ctx context.Context, p PostingRecord) error

	// ApplyDelta increments a balance row (creating it on first use) and returns
	// the resulting row. Fails with ledger.ErrInvalidDelta if redeemable or held
	// would go negative at the top level or in any module.
	ApplyDelta(ctx context.Context, userID, custodianID uuid.UUID, delta ledger.Delta) (ledger.Balance, error)

	InsertTransaction(ctx context.Context, tx ledger.Transaction) error
	InsertCustodyRecord(ctx context.Context, rec ledger.CustodyRecord) error
	InsertDocument(ctx context.Context, doc ledger.Document) error

	// AttachInvoice sets invoice/certificate references on a transaction, its
	// custody record and its invoice document, and completes the transaction.
	// Returns false without writing if the transaction already has an invoice.
	AttachInvoice(ctx context.Context, a Attachment) (bool, error)

	// Commit fails with ledger.ErrInvalidDelta or ledger.ErrDuplicatePosting
	// when a staged write conflicts with committed state; nothing is applied then.
	Commit() error
	Rollback() error
}

// PostingRecord is the header row of one posting, keyed by its idempotency key.
type PostingRecord struct {
	ID             uuid.UUID
	IdempotencyKey string
	Operation      string
	UserID         uuid.UUID
	CreatedAt      time.Time
}

// JobRef identifies one settlement job: a transaction and the custodian it touched.
type JobRef struct {
	TransactionID uuid.UUID
	CustodianID   uuid.UUID
}

// OutboxEntry is a job that could not be handed to the worker pool directly.
type OutboxEntry struct {
	ID        int64
	Ref       JobRef
	Reason    string
	CreatedAt time.Time
}

// DeadLetter is a job that exhausted its retries and awaits an operator.
type DeadLetter struct {
	JobID     string
	Ref       JobRef
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// Attachment is the result of rendering one transaction's documents.
type Attachment struct {
	TransactionID  uuid.UUID
	InvoiceRef     string
	CertificateRef string
	DocumentRef    string
}
