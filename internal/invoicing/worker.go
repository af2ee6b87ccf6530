package invoicing

import (
	"GoldLedger/internal/event"
	"GoldLedger/internal/ledger"
	"GoldLedger/internal/observability"
	"GoldLedger/internal/persistence"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// PoolConfig bounds the settlement worker pool.
type PoolConfig struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	return c
}

// Pool runs settlement jobs detached from the posting path. Jobs arrive on a
// bounded channel; a failed attempt is retried with exponential backoff until
// MaxAttempts, after which the job is parked in the dead-letter queue.
// Balances are never touched here, so a failure only delays invoice linkage.
type Pool struct {
	store     persistence.Store
	generator DocumentGenerator
	events    event.Sink
	metrics   *observability.Metrics
	logger    zerolog.Logger
	cfg       PoolConfig

	jobs chan *Job

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewPool(
	store persistence.Store,
	generator DocumentGenerator,
	events event.Sink,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	cfg PoolConfig,
) *Pool {
	cfg = cfg.withDefaults()
	if events == nil {
		events = event.Discard
	}
	p := &Pool{
		store:     store,
		generator: generator,
		events:    events,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
		jobs:      make(chan *Job, cfg.QueueSize),
		inflight:  make(map[string]struct{}),
	}
	if metrics != nil {
		metrics.QueueCapacity.Set(float64(cfg.QueueSize))
	}
	return p
}

// TryEnqueue hands ref to the workers without blocking. It returns false only
// when the queue is full; a job already queued or running counts as accepted.
func (p *Pool) TryEnqueue(ref persistence.JobRef) bool {
	id := JobID(ref)

	p.mu.Lock()
	if _, busy := p.inflight[id]; busy {
		p.mu.Unlock()
		return true
	}
	p.inflight[id] = struct{}{}
	p.mu.Unlock()

	select {
	case p.jobs <- NewJob(ref):
		p.observeDepth()
		return true
	default:
		p.release(id)
		return false
	}
}

// Pending returns the number of queued jobs.
func (p *Pool) Pending() int {
	return len(p.jobs)
}

func (p *Pool) release(id string) {
	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
}

func (p *Pool) observeDepth() {
	if p.metrics != nil {
		p.metrics.QueueDepth.Set(float64(len(p.jobs)))
	}
}

// Run starts the workers and blocks until ctx is cancelled.
// Jobs still queued at shutdown stay pending in storage and are picked up by
// the reconciler sweep after restart.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			p.loop(gctx, worker)
			return nil
		})
	}
	p.logger.Info().Int("workers", p.cfg.Workers).Int("queue_size", p.cfg.QueueSize).Msg("settlement workers started")

	_ = g.Wait()
	p.logger.Info().Int("abandoned", len(p.jobs)).Msg("settlement workers stopped")
	return ctx.Err()
}

func (p *Pool) loop(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			p.observeDepth()
			if err := p.Process(ctx, job); err != nil && ctx.Err() == nil {
				p.logger.Error().Err(err).Int("worker", worker).Str("job", job.ID()).Msg("settlement job failed")
			}
			p.release(job.ID())
		}
	}
}

// Process drives job to a terminal state. It returns an error wrapping
// ledger.ErrWorkerAttachFailed when the job was dead-lettered.
func (p *Pool) Process(ctx context.Context, job *Job) error {
	start := time.Now()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialBackoff
	b.MaxInterval = p.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.cfg.MaxAttempts-1)), ctx)

	var outcome string
	op := func() error {
		if job.State == JobFailed {
			p.move(job, JobQueued)
		}
		job.Attempts++

		res, err := p.attempt(ctx, job)
		if err != nil {
			job.LastError = err.Error()
			p.move(job, JobFailed)
			return err
		}
		outcome = res
		return nil
	}
	notify := func(err error, wait time.Duration) {
		p.logger.Warn().Err(err).
			Str("job", job.ID()).
			Int("attempt", job.Attempts).
			Dur("backoff", wait).
			Msg("settlement attempt failed, retrying")
	}

	err := backoff.RetryNotify(op, policy, notify)

	if p.metrics != nil {
		p.metrics.JobAttempts.Observe(float64(job.Attempts))
	}

	if err == nil {
		if p.metrics != nil {
			p.metrics.JobsProcessed.WithLabelValues(outcome).Inc()
			p.metrics.JobDuration.Observe(time.Since(start).Seconds())
		}
		return nil
	}

	if ctx.Err() != nil {
		// Shutdown, not a job failure: leave it pending for the sweep.
		return ctx.Err()
	}

	p.deadLetter(ctx, job)
	return fmt.Errorf("%w: job %s after %d attempts: %v", ledger.ErrWorkerAttachFailed, job.ID(), job.Attempts, err)
}

// attempt runs one render-and-attach pass and returns the outcome label.
func (p *Pool) attempt(ctx context.Context, job *Job) (string, error) {
	actx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()

	tx, err := p.store.GetTransaction(actx, job.Ref.TransactionID)
	if errors.Is(err, ledger.ErrNotFound) {
		return "", backoff.Permanent(err)
	}
	if err != nil {
		return "", fmt.Errorf("load transaction: %w", err)
	}
	job.UserID = tx.UserID

	if tx.CustodianID != job.Ref.CustodianID {
		return "", backoff.Permanent(fmt.Errorf("transaction %s belongs to custodian %s, not %s",
			tx.ID, tx.CustodianID, job.Ref.CustodianID))
	}

	// Already attached: a re-run is a successful no-op.
	if tx.InvoiceRef != "" {
		p.move(job, JobDone)
		return "noop", nil
	}

	p.move(job, JobRendering)

	invoice, err := p.store.GetInvoice(actx, tx.ID)
	if errors.Is(err, ledger.ErrNotFound) {
		return "", backoff.Permanent(err)
	}
	if err != nil {
		return "", fmt.Errorf("load invoice: %w", err)
	}

	rendered, err := p.generator.Render(actx, RenderRequest{Transaction: tx, Invoice: invoice})
	if err != nil {
		return "", fmt.Errorf("render documents: %w", err)
	}

	applied, err := p.attach(actx, persistence.Attachment{
		TransactionID:  tx.ID,
		InvoiceRef:     rendered.InvoiceRef,
		CertificateRef: rendered.CertificateRef,
		DocumentRef:    rendered.DocumentRef,
	})
	if err != nil {
		return "", err
	}

	p.move(job, JobAttached)
	p.move(job, JobDone)

	if !applied {
		return "noop", nil
	}

	p.events.Emit(&event.InvoiceAttached{
		TransactionID:  tx.ID,
		CustodianID:    tx.CustodianID,
		UserID:         tx.UserID,
		InvoiceRef:     rendered.InvoiceRef,
		CertificateRef: rendered.CertificateRef,
	})
	p.logger.Info().
		Str("job", job.ID()).
		Str("user_id", tx.UserID.String()).
		Str("invoice_ref", rendered.InvoiceRef).
		Int("attempt", job.Attempts).
		Msg("invoice attached")
	return "attached", nil
}

func (p *Pool) attach(ctx context.Context, a persistence.Attachment) (bool, error) {
	uow, err := p.store.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin attach: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = uow.Rollback()
		}
	}()

	applied, err := uow.AttachInvoice(ctx, a)
	if err != nil {
		return false, fmt.Errorf("attach invoice: %w", err)
	}
	if err := uow.Commit(); err != nil {
		return false, fmt.Errorf("commit attach: %w", err)
	}
	committed = true
	return applied, nil
}

func (p *Pool) deadLetter(ctx context.Context, job *Job) {
	p.move(job, JobDeadLetter)

	dl := persistence.DeadLetter{
		JobID:     job.ID(),
		Ref:       job.Ref,
		Attempts:  job.Attempts,
		LastError: job.LastError,
	}
	if err := p.store.RecordDeadLetter(ctx, dl); err != nil {
		p.logger.Error().Err(err).Str("job", job.ID()).Msg("failed to record dead letter")
	}

	if p.metrics != nil {
		p.metrics.JobsProcessed.WithLabelValues("deadletter").Inc()
		p.metrics.DeadLettersTotal.Inc()
	}

	p.events.Emit(&event.JobDeadLettered{
		JobID:         job.ID(),
		TransactionID: job.Ref.TransactionID,
		CustodianID:   job.Ref.CustodianID,
		UserID:        job.UserID,
		Attempts:      job.Attempts,
		LastError:     job.LastError,
	})
	p.logger.Error().
		Str("job", job.ID()).
		Int("attempts", job.Attempts).
		Str("last_error", job.LastError).
		Msg("settlement job dead-lettered")
}

func (p *Pool) move(job *Job, next JobState) {
	if err := job.Transition(next); err != nil {
		p.logger.Warn().Err(err).Msg("job state")
	}
}
