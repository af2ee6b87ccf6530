package persistence

import (
	"GoldLedger/internal/ledger"
	"GoldLedger/internal/settlement"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type balanceKey struct {
	user      uuid.UUID
	custodian uuid.UUID
}

type idemKey struct {
	key       string
	custodian uuid.UUID
	typ       ledger.TransactionType
	user      uuid.UUID
}

// MemoryStore is an in-process Store. Units stage their writes and validate
// them against committed state at Commit, so concurrent units that overdraw
// the same row fail there instead of interleaving.
type MemoryStore struct {
	mu sync.RWMutex

	balances     map[balanceKey]ledger.Balance
	transactions map[uuid.UUID]ledger.Transaction
	txOrder      []uuid.UUID
	custody      []ledger.CustodyRecord
	documents    []ledger.Document
	idem         map[idemKey]struct{}
	postings     map[string]PostingRecord
	keys         []string

	outbox     []OutboxEntry
	nextOutbox int64
	dead       map[string]DeadLetter

	terms []settlement.CustodianTerms

	failNext error
	now      func() time.Time
}

func NewMemoryStore(terms ...settlement.CustodianTerms) *MemoryStore {
	return &MemoryStore{
		balances:     make(map[balanceKey]ledger.Balance),
		transactions: make(map[uuid.UUID]ledger.Transaction),
		idem:         make(map[idemKey]struct{}),
		postings:     make(map[string]PostingRecord),
		dead:         make(map[string]DeadLetter),
		terms:        append([]settlement.CustodianTerms(nil), terms...),
		now:          time.Now,
	}
}

// SetCustodianTerms replaces the custodian set returned by LoadCustodianTerms.
func (s *MemoryStore) SetCustodianTerms(terms ...settlement.CustodianTerms) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terms = append([]settlement.CustodianTerms(nil), terms...)
}

// FailNextCommit makes the next Commit return err without applying anything.
func (s *MemoryStore) FailNextCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *MemoryStore) Begin(ctx context.Context) (UnitOfWork, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memoryUnit{
		s:      s,
		deltas: make(map[balanceKey]ledger.Delta),
	}, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) ListBalances(ctx context.Context, userID uuid.UUID) ([]ledger.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []ledger.Balance
	for k, b := range s.balances {
		if k.user == userID {
			rows = append(rows, b.Clone())
		}
	}
	return rows, nil
}

func (s *MemoryStore) GetBalance(ctx context.Context, userID, custodianID uuid.UUID) (ledger.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[balanceKey{userID, custodianID}]
	if !ok {
		return ledger.Balance{}, fmt.Errorf("balance %s/%s: %w", userID, custodianID, ledger.ErrNotFound)
	}
	return b.Clone(), nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, userID uuid.UUID) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ledger.Transaction
	for _, id := range s.txOrder {
		if t := s.transactions[id]; t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, id uuid.UUID) (ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transactions[id]
	if !ok {
		return ledger.Transaction{}, fmt.Errorf("transaction %s: %w", id, ledger.ErrNotFound)
	}
	return t, nil
}

func (s *MemoryStore) ListCustodyRecords(ctx context.Context, userID, custodianID uuid.UUID) ([]ledger.CustodyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ledger.CustodyRecord
	for _, c := range s.custody {
		if c.UserID == userID && c.CustodianID == custodianID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetInvoice(ctx context.Context, transactionID uuid.UUID) (ledger.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.documents {
		if d.TransactionID == transactionID && d.Kind == ledger.DocInvoice {
			return d, nil
		}
	}
	return ledger.Document{}, fmt.Errorf("invoice for transaction %s: %w", transactionID, ledger.ErrNotFound)
}

// Documents returns every settlement document of a transaction in insert order.
func (s *MemoryStore) Documents(transactionID uuid.UUID) []ledger.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ledger.Document
	for _, d := range s.documents {
		if d.TransactionID == transactionID {
			out = append(out, d)
		}
	}
	return out
}

func (s *MemoryStore) PostingExists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.postings[idempotencyKey]
	return ok, nil
}

func (s *MemoryStore) RecentIdempotencyKeys(ctx context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, limit)
	for i := len(s.keys) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.keys[i])
	}
	return out, nil
}

func (s *MemoryStore) ListUnattached(ctx context.Context, olderThan time.Time, limit int) ([]JobRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	parked := make(map[uuid.UUID]bool, len(s.dead))
	for _, dl := range s.dead {
		parked[dl.Ref.TransactionID] = true
	}

	var out []JobRef
	for _, id := range s.txOrder {
		if len(out) >= limit {
			break
		}
		t := s.transactions[id]
		if t.Status == ledger.StatusPending && t.CustodyEffect == ledger.EffectRelease &&
			t.InvoiceRef == "" && t.CreatedAt.Before(olderThan) && !parked[t.ID] {
			out = append(out, JobRef{TransactionID: t.ID, CustodianID: t.CustodianID})
		}
	}
	return out, nil
}

func (s *MemoryStore) EnqueueOutbox(ctx context.Context, ref JobRef, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.outbox {
		if e.Ref == ref {
			return nil
		}
	}
	s.nextOutbox++
	s.outbox = append(s.outbox, OutboxEntry{ID: s.nextOutbox, Ref: ref, Reason: reason, CreatedAt: s.now()})
	return nil
}

func (s *MemoryStore) ClaimOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := min(limit, len(s.outbox))
	claimed := append([]OutboxEntry(nil), s.outbox[:n]...)
	s.outbox = s.outbox[n:]
	return claimed, nil
}

func (s *MemoryStore) RecordDeadLetter(ctx context.Context, dl DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = s.now()
	}
	s.dead[dl.JobID] = dl
	return nil
}

func (s *MemoryStore) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DeadLetter, 0, len(s.dead))
	for _, dl := range s.dead {
		out = append(out, dl)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].JobID < out[j].JobID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) TakeDeadLetter(ctx context.Context, jobID string) (DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dl, ok := s.dead[jobID]
	if !ok {
		return DeadLetter{}, fmt.Errorf("dead letter %s: %w", jobID, ledger.ErrNotFound)
	}
	delete(s.dead, jobID)
	return dl, nil
}

func (s *MemoryStore) LoadCustodianTerms(ctx context.Context) ([]settlement.CustodianTerms, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]settlement.CustodianTerms(nil), s.terms...), nil
}

// --- unit of work ---

type memoryUnit struct {
	s *MemoryStore

	posting     *PostingRecord
	deltas      map[balanceKey]ledger.Delta
	deltaOrder  []balanceKey
	txs         []ledger.Transaction
	custody     []ledger.CustodyRecord
	docs        []ledger.Document
	attachments []Attachment
	done        bool
}

func (u *memoryUnit) InsertPosting(ctx context.Context, p PostingRecord) error {
	if u.done {
		return fmt.Errorf("unit already finished")
	}
	if u.posting != nil {
		return fmt.Errorf("unit already holds posting %s", u.posting.ID)
	}
	u.s.mu.RLock()
	_, taken := u.s.postings[p.IdempotencyKey]
	u.s.mu.RUnlock()
	if taken {
		return fmt.Errorf("%w: key %q", ledger.ErrDuplicatePosting, p.IdempotencyKey)
	}
	u.posting = &p
	return nil
}

func (u *memoryUnit) ApplyDelta(ctx context.Context, userID, custodianID uuid.UUID, delta ledger.Delta) (ledger.Balance, error) {
	if u.done {
		return ledger.Balance{}, fmt.Errorf("unit already finished")
	}
	if err := delta.Validate(); err != nil {
		return ledger.Balance{}, err
	}

	key := balanceKey{userID, custodianID}

	u.s.mu.RLock()
	base, ok := u.s.balances[key]
	if ok {
		base = base.Clone()
	}
	u.s.mu.RUnlock()
	if !ok {
		base = ledger.NewBalance(userID, custodianID)
	}

	staged, seen := u.deltas[key]
	if seen {
		var err error
		if base, err = base.Apply(staged); err != nil {
			return ledger.Balance{}, err
		}
	}

	next, err := base.Apply(delta)
	if err != nil {
		return ledger.Balance{}, err
	}

	if !seen {
		staged = ledger.Delta{}
		u.deltas[key] = staged
		u.deltaOrder = append(u.deltaOrder, key)
	}
	for m, md := range delta {
		staged.Add(m, md.Redeemable, md.Held)
	}
	return next, nil
}

func (u *memoryUnit) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	u.txs = append(u.txs, tx)
	return nil
}

func (u *memoryUnit) InsertCustodyRecord(ctx context.Context, rec ledger.CustodyRecord) error {
	u.custody = append(u.custody, rec)
	return nil
}

func (u *memoryUnit) InsertDocument(ctx context.Context, doc ledger.Document) error {
	u.docs = append(u.docs, doc)
	return nil
}

func (u *memoryUnit) AttachInvoice(ctx context.Context, a Attachment) (bool, error) {
	u.s.mu.RLock()
	t, ok := u.s.transactions[a.TransactionID]
	u.s.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("transaction %s: %w", a.TransactionID, ledger.ErrNotFound)
	}
	if t.InvoiceRef != "" {
		return false, nil
	}
	for _, staged := range u.attachments {
		if staged.TransactionID == a.TransactionID {
			return false, nil
		}
	}
	u.attachments = append(u.attachments, a)
	return true, nil
}

func (u *memoryUnit) Commit() error {
	if u.done {
		return fmt.Errorf("unit already finished")
	}
	u.done = true

	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failNext; err != nil {
		s.failNext = nil
		return err
	}

	now := s.now()

	// Validate everything against committed state before touching it.
	if u.posting != nil {
		if _, taken := s.postings[u.posting.IdempotencyKey]; taken {
			return fmt.Errorf("%w: key %q", ledger.ErrDuplicatePosting, u.posting.IdempotencyKey)
		}
	}
	next := make(map[balanceKey]ledger.Balance, len(u.deltaOrder))
	for _, key := range u.deltaOrder {
		base, ok := s.balances[key]
		if !ok {
			base = ledger.NewBalance(key.user, key.custodian)
			base.CreatedAt = now
		}
		b, err := base.Apply(u.deltas[key])
		if err != nil {
			return err
		}
		b.UpdatedAt = now
		next[key] = b
	}

	staged := make(map[idemKey]struct{}, len(u.txs))
	for _, t := range u.txs {
		k := idemKey{t.IdempotencyKey, t.CustodianID, t.Type, t.UserID}
		if _, dup := s.idem[k]; dup {
			return fmt.Errorf("%w: key %q", ledger.ErrDuplicatePosting, t.IdempotencyKey)
		}
		if _, dup := staged[k]; dup {
			return fmt.Errorf("%w: key %q repeated within posting", ledger.ErrDuplicatePosting, t.IdempotencyKey)
		}
		staged[k] = struct{}{}
	}

	for _, a := range u.attachments {
		if _, ok := s.transactions[a.TransactionID]; !ok {
			return fmt.Errorf("transaction %s: %w", a.TransactionID, ledger.ErrNotFound)
		}
	}

	for key, b := range next {
		s.balances[key] = b
	}

	if u.posting != nil {
		s.postings[u.posting.IdempotencyKey] = *u.posting
		s.keys = append(s.keys, u.posting.IdempotencyKey)
	}
	for _, t := range u.txs {
		s.transactions[t.ID] = t
		s.txOrder = append(s.txOrder, t.ID)
		s.idem[idemKey{t.IdempotencyKey, t.CustodianID, t.Type, t.UserID}] = struct{}{}
	}
	s.custody = append(s.custody, u.custody...)
	s.documents = append(s.documents, u.docs...)

	for _, a := range u.attachments {
		s.applyAttachment(a, now)
	}
	return nil
}

// applyAttachment must be called with s.mu held.
func (s *MemoryStore) applyAttachment(a Attachment, now time.Time) {
	t := s.transactions[a.TransactionID]
	if t.InvoiceRef != "" {
		return
	}
	t.InvoiceRef = a.InvoiceRef
	t.CertificateRef = a.CertificateRef
	t.Status = ledger.StatusCompleted
	t.UpdatedAt = now
	s.transactions[t.ID] = t

	for i := range s.custody {
		if s.custody[i].TransactionID == t.ID {
			s.custody[i].InvoiceRef = a.InvoiceRef
		}
	}
	for i := range s.documents {
		d := &s.documents[i]
		if d.TransactionID == t.ID && d.Kind == ledger.DocInvoice {
			d.Status = ledger.DocIssued
			d.DocumentRef = a.DocumentRef
		}
	}
}

func (u *memoryUnit) Rollback() error {
	u.done = true
	u.deltas = nil
	u.posting = nil
	u.txs, u.custody, u.docs, u.attachments = nil, nil, nil, nil
	return nil
}
