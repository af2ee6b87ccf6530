package persistence

import (
	"GoldLedger/internal/ledger"
	"GoldLedger/internal/settlement"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	pqUniqueViolation = "23505"
	pqCheckViolation  = "23514"
)

// PostgresStore implements Store on lib/pq. Balance mutations are
// increment-only upserts; non-negativity is enforced by CHECK constraints so a
// racing overdraw fails inside the database rather than in application code.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Begin(ctx context.Context) (UnitOfWork, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin unit: %w", err)
	}
	return &pgUnit{tx: tx}, nil
}

// translate maps constraint violations onto the ledger taxonomy.
func translate(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqCheckViolation:
			return fmt.Errorf("%w: %s", ledger.ErrInvalidDelta, pqErr.Constraint)
		case pqUniqueViolation:
			return fmt.Errorf("%w: %s", ledger.ErrDuplicatePosting, pqErr.Constraint)
		}
	}
	return err
}

// --- reads ---

func (s *PostgresStore) ListBalances(ctx context.Context, userID uuid.UUID) ([]ledger.Balance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, custodian_id, redeemable, held, total, created_at, updated_at
		FROM ledger.balances
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	var out []ledger.Balance
	index := make(map[uuid.UUID]int)
	for rows.Next() {
		b := ledger.NewBalance(userID, uuid.Nil)
		if err := rows.Scan(&b.UserID, &b.CustodianID, &b.Redeemable, &b.Held, &b.Total, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		index[b.CustodianID] = len(out)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	mrows, err := s.db.QueryContext(ctx, `
		SELECT custodian_id, module, redeemable, held, total
		FROM ledger.balance_modules
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query balance modules: %w", err)
	}
	defer mrows.Close()

	for mrows.Next() {
		var custodianID uuid.UUID
		var name string
		var sb ledger.SubBalance
		if err := mrows.Scan(&custodianID, &name, &sb.Redeemable, &sb.Held, &sb.Total); err != nil {
			return nil, fmt.Errorf("scan balance module: %w", err)
		}
		m, err := ledger.ParseModule(name)
		if err != nil {
			return nil, fmt.Errorf("balance module %s/%s: %w", userID, custodianID, err)
		}
		if i, ok := index[custodianID]; ok {
			out[i].Modules[m] = sb
		}
	}
	return out, mrows.Err()
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID, custodianID uuid.UUID) (ledger.Balance, error) {
	rows, err := s.ListBalances(ctx, userID)
	if err != nil {
		return ledger.Balance{}, err
	}
	for _, b := range rows {
		if b.CustodianID == custodianID {
			return b, nil
		}
	}
	return ledger.Balance{}, fmt.Errorf("balance %s/%s: %w", userID, custodianID, ledger.ErrNotFound)
}

const transactionColumns = `
	id, posting_id, idempotency_key, type, custody_effect, user_id, custodian_id, module,
	weight, rate, amount, tax_amount, total_amount, status, invoice_ref, certificate_ref,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(r rowScanner) (ledger.Transaction, error) {
	var t ledger.Transaction
	var typ, effect, module, status string
	err := r.Scan(&t.ID, &t.PostingID, &t.IdempotencyKey, &typ, &effect, &t.UserID, &t.CustodianID, &module,
		&t.Weight, &t.Rate, &t.Amount, &t.TaxAmount, &t.TotalAmount, &status, &t.InvoiceRef, &t.CertificateRef,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	t.Type = ledger.TransactionType(typ)
	t.CustodyEffect = ledger.CustodyEffect(effect)
	t.Status = ledger.TransactionStatus(status)
	if t.Module, err = ledger.ParseModule(module); err != nil {
		return t, err
	}
	return t, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID uuid.UUID) ([]ledger.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+transactionColumns+`
		FROM ledger.transactions
		WHERE user_id = $1
		ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id uuid.UUID) (ledger.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+`
		FROM ledger.transactions
		WHERE id = $1
	`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("transaction %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return t, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListCustodyRecords(ctx context.Context, userID, custodianID uuid.UUID) ([]ledger.CustodyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, type, user_id, custodian_id, module, weight, invoice_ref, created_at
		FROM ledger.custody_records
		WHERE user_id = $1 AND custodian_id = $2
		ORDER BY created_at, id
	`, userID, custodianID)
	if err != nil {
		return nil, fmt.Errorf("query custody records: %w", err)
	}
	defer rows.Close()

	var out []ledger.CustodyRecord
	for rows.Next() {
		var c ledger.CustodyRecord
		var typ, module string
		if err := rows.Scan(&c.ID, &c.TransactionID, &typ, &c.UserID, &c.CustodianID, &module, &c.Weight, &c.InvoiceRef, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan custody record: %w", err)
		}
		c.Type = ledger.CustodyType(typ)
		if c.Module, err = ledger.ParseModule(module); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetInvoice(ctx context.Context, transactionID uuid.UUID) (ledger.Document, error) {
	var d ledger.Document
	var kind, direction, status string
	var invoiceID uuid.NullUUID
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, number, transaction_id, invoice_id, user_id, custodian_id, amount,
		       direction, status, document_ref, created_at
		FROM ledger.settlement_documents
		WHERE transaction_id = $1 AND kind = 'invoice'
	`, transactionID).Scan(&d.ID, &kind, &d.Number, &d.TransactionID, &invoiceID, &d.UserID, &d.CustodianID,
		&d.Amount, &direction, &status, &d.DocumentRef, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, fmt.Errorf("invoice for transaction %s: %w", transactionID, ledger.ErrNotFound)
	}
	if err != nil {
		return d, fmt.Errorf("get invoice: %w", err)
	}
	d.Kind = ledger.DocumentKind(kind)
	d.Direction = ledger.Direction(direction)
	d.Status = ledger.DocumentStatus(status)
	d.InvoiceID = invoiceID.UUID
	return d, nil
}

// PostingExists is the cold tier of idempotency checking.
func (s *PostgresStore) PostingExists(ctx context.Context, idempotencyKey string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1
		FROM ledger.postings
		WHERE idempotency_key = $1
	`, idempotencyKey).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) RecentIdempotencyKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idempotency_key
		FROM ledger.postings
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query idempotency keys: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListUnattached(ctx context.Context, olderThan time.Time, limit int) ([]JobRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.custodian_id
		FROM ledger.transactions t
		WHERE t.status = 'pending' AND t.custody_effect = 'release' AND t.invoice_ref = ''
		  AND t.created_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM ledger.settlement_deadletters d WHERE d.transaction_id = t.id
		  )
		ORDER BY t.created_at, t.id
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("query unattached: %w", err)
	}
	defer rows.Close()

	var out []JobRef
	for rows.Next() {
		var ref JobRef
		if err := rows.Scan(&ref.TransactionID, &ref.CustodianID); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// --- outbox / dead letters ---

func (s *PostgresStore) EnqueueOutbox(ctx context.Context, ref JobRef, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger.settlement_outbox (transaction_id, custodian_id, reason)
		VALUES ($1, $2, $3)
		ON CONFLICT (transaction_id, custodian_id) DO NOTHING
	`, ref.TransactionID, ref.CustodianID, reason)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClaimOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM ledger.settlement_outbox
		WHERE id IN (
			SELECT id FROM ledger.settlement_outbox
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, transaction_id, custodian_id, reason, created_at
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.Ref.TransactionID, &e.Ref.CustodianID, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordDeadLetter(ctx context.Context, dl DeadLetter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger.settlement_deadletters (job_id, transaction_id, custodian_id, attempts, last_error)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_id) DO UPDATE SET
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error
	`, dl.JobID, dl.Ref.TransactionID, dl.Ref.CustodianID, dl.Attempts, dl.LastError)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, transaction_id, custodian_id, attempts, last_error, created_at
		FROM ledger.settlement_deadletters
		ORDER BY created_at, job_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		if err := rows.Scan(&dl.JobID, &dl.Ref.TransactionID, &dl.Ref.CustodianID, &dl.Attempts, &dl.LastError, &dl.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TakeDeadLetter(ctx context.Context, jobID string) (DeadLetter, error) {
	var dl DeadLetter
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM ledger.settlement_deadletters
		WHERE job_id = $1
		RETURNING job_id, transaction_id, custodian_id, attempts, last_error, created_at
	`, jobID).Scan(&dl.JobID, &dl.Ref.TransactionID, &dl.Ref.CustodianID, &dl.Attempts, &dl.LastError, &dl.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return dl, fmt.Errorf("dead letter %s: %w", jobID, ledger.ErrNotFound)
	}
	if err != nil {
		return dl, fmt.Errorf("take dead letter: %w", err)
	}
	return dl, nil
}

func (s *PostgresStore) LoadCustodianTerms(ctx context.Context) ([]settlement.CustodianTerms, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, active, commission_rate_percent
		FROM ledger.custodians
	`)
	if err != nil {
		return nil, fmt.Errorf("query custodians: %w", err)
	}
	defer rows.Close()

	var out []settlement.CustodianTerms
	for rows.Next() {
		var t settlement.CustodianTerms
		if err := rows.Scan(&t.ID, &t.Name, &t.Active, &t.CommissionRatePercent); err != nil {
			return nil, fmt.Errorf("scan custodian: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- unit of work ---

type pgUnit struct {
	tx *sql.Tx
}

// InsertPosting runs first in a unit: a concurrent unit holding the same key
// blocks here until it commits, then fails on idx_postings_idem.
func (u *pgUnit) InsertPosting(ctx context.Context, p PostingRecord) error {
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO ledger.postings (id, idempotency_key, operation, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, p.ID, p.IdempotencyKey, p.Operation, p.UserID, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert posting: %w", translate(err))
	}
	return nil
}

func (u *pgUnit) ApplyDelta(ctx context.Context, userID, custodianID uuid.UUID, delta ledger.Delta) (ledger.Balance, error) {
	if err := delta.Validate(); err != nil {
		return ledger.Balance{}, err
	}

	b := ledger.NewBalance(userID, custodianID)
	dr, dh, dt := delta.Totals()

	// The upsert takes the row lock; the CHECK constraints reject overdraws.
	err := u.tx.QueryRowContext(ctx, `
		INSERT INTO ledger.balances (user_id, custodian_id, redeemable, held, total)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, custodian_id) DO UPDATE SET
			redeemable = ledger.balances.redeemable + EXCLUDED.redeemable,
			held       = ledger.balances.held + EXCLUDED.held,
			total      = ledger.balances.total + EXCLUDED.total,
			updated_at = NOW()
		RETURNING redeemable, held, total, created_at, updated_at
	`, userID, custodianID, dr, dh, dt).Scan(&b.Redeemable, &b.Held, &b.Total, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("apply balance delta: %w", translate(err))
	}

	for _, m := range delta.SortedModules() {
		md := delta[m]
		if _, err := u.tx.ExecContext(ctx, `
			INSERT INTO ledger.balance_modules (user_id, custodian_id, module, redeemable, held, total)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id, custodian_id, module) DO UPDATE SET
				redeemable = ledger.balance_modules.redeemable + EXCLUDED.redeemable,
				held       = ledger.balance_modules.held + EXCLUDED.held,
				total      = ledger.balance_modules.total + EXCLUDED.total
		`, userID, custodianID, m.String(), md.Redeemable, md.Held, md.Redeemable.Add(md.Held)); err != nil {
			return ledger.Balance{}, fmt.Errorf("apply module %s delta: %w", m, translate(err))
		}
	}

	rows, err := u.tx.QueryContext(ctx, `
		SELECT module, redeemable, held, total
		FROM ledger.balance_modules
		WHERE user_id = $1 AND custodian_id = $2
	`, userID, custodianID)
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("read balance modules: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var sb ledger.SubBalance
		if err := rows.Scan(&name, &sb.Redeemable, &sb.Held, &sb.Total); err != nil {
			return ledger.Balance{}, err
		}
		m, err := ledger.ParseModule(name)
		if err != nil {
			return ledger.Balance{}, err
		}
		b.Modules[m] = sb
	}
	return b, rows.Err()
}

func (u *pgUnit) InsertTransaction(ctx context.Context, t ledger.Transaction) error {
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO ledger.transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, t.ID, t.PostingID, t.IdempotencyKey, string(t.Type), string(t.CustodyEffect), t.UserID, t.CustodianID,
		t.Module.String(), t.Weight, t.Rate, t.Amount, t.TaxAmount, t.TotalAmount, string(t.Status),
		t.InvoiceRef, t.CertificateRef, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", translate(err))
	}
	return nil
}

func (u *pgUnit) InsertCustodyRecord(ctx context.Context, c ledger.CustodyRecord) error {
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO ledger.custody_records
			(id, transaction_id, type, user_id, custodian_id, module, weight, invoice_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.TransactionID, string(c.Type), c.UserID, c.CustodianID, c.Module.String(), c.Weight, c.InvoiceRef, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert custody record: %w", translate(err))
	}
	return nil
}

func (u *pgUnit) InsertDocument(ctx context.Context, d ledger.Document) error {
	invoiceID := uuid.NullUUID{UUID: d.InvoiceID, Valid: d.InvoiceID != uuid.Nil}
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO ledger.settlement_documents
			(id, kind, number, transaction_id, invoice_id, user_id, custodian_id, amount,
			 direction, status, document_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, d.ID, string(d.Kind), d.Number, d.TransactionID, invoiceID, d.UserID, d.CustodianID,
		d.Amount, string(d.Direction), string(d.Status), d.DocumentRef, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert %s document: %w", d.Kind, translate(err))
	}
	return nil
}

func (u *pgUnit) AttachInvoice(ctx context.Context, a Attachment) (bool, error) {
	res, err := u.tx.ExecContext(ctx, `
		UPDATE ledger.transactions
		SET invoice_ref = $2, certificate_ref = $3, status = 'completed', updated_at = NOW()
		WHERE id = $1 AND invoice_ref = ''
	`, a.TransactionID, a.InvoiceRef, a.CertificateRef)
	if err != nil {
		return false, fmt.Errorf("attach transaction invoice: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		var exists int
		err := u.tx.QueryRowContext(ctx, `SELECT 1 FROM ledger.transactions WHERE id = $1`, a.TransactionID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("transaction %s: %w", a.TransactionID, ledger.ErrNotFound)
		}
		return false, err
	}

	if _, err := u.tx.ExecContext(ctx, `
		UPDATE ledger.custody_records SET invoice_ref = $2 WHERE transaction_id = $1
	`, a.TransactionID, a.InvoiceRef); err != nil {
		return false, fmt.Errorf("attach custody invoice: %w", err)
	}

	if _, err := u.tx.ExecContext(ctx, `
		UPDATE ledger.settlement_documents
		SET status = 'issued', document_ref = $2
		WHERE transaction_id = $1 AND kind = 'invoice'
	`, a.TransactionID, a.DocumentRef); err != nil {
		return false, fmt.Errorf("issue invoice document: %w", err)
	}
	return true, nil
}

func (u *pgUnit) Commit() error {
	if err := u.tx.Commit(); err != nil {
		return translate(err)
	}
	return nil
}

func (u *pgUnit) Rollback() error {
	err := u.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}
