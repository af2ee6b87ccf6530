package invoicing

import (
	"GoldLedger/internal/observability"
	"GoldLedger/internal/persistence"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ReconcilerConfig tunes the recovery loop.
type ReconcilerConfig struct {
	Interval  time.Duration
	Grace     time.Duration // pending transactions younger than this are left alone
	BatchSize int
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 2 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Reconciler drains the outbox into the pool and re-dispatches pending
// release transactions whose job was lost (crash, full outbox write, restart).
type Reconciler struct {
	store   persistence.Store
	queue   Enqueuer
	metrics *observability.Metrics
	logger  zerolog.Logger
	cfg     ReconcilerConfig
	now     func() time.Time
}

func NewReconciler(store persistence.Store, queue Enqueuer, metrics *observability.Metrics, logger zerolog.Logger, cfg ReconcilerConfig) *Reconciler {
	return &Reconciler{
		store:   store,
		queue:   queue,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}
}

// Run reconciles once immediately and then every Interval until ctx ends.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.ReconcileOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("reconcile pass failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ReconcileOnce performs one outbox drain and one sweep and returns the
// number of jobs handed to the pool.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, error) {
	drained, err := r.drainOutbox(ctx)
	if err != nil {
		return drained, err
	}
	swept, err := r.sweep(ctx)
	return drained + swept, err
}

func (r *Reconciler) drainOutbox(ctx context.Context) (int, error) {
	entries, err := r.store.ClaimOutbox(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim outbox: %w", err)
	}
	if r.metrics != nil {
		r.metrics.OutboxClaimed.Add(float64(len(entries)))
	}

	handed := 0
	for i, e := range entries {
		if r.queue.TryEnqueue(e.Ref) {
			handed++
			continue
		}
		// Pool still saturated: put the rest back for the next pass.
		for _, rest := range entries[i:] {
			if err := r.store.EnqueueOutbox(ctx, rest.Ref, rest.Reason); err != nil {
				return handed, fmt.Errorf("requeue outbox entry %d: %w", rest.ID, err)
			}
		}
		r.logger.Warn().Int("requeued", len(entries)-i).Msg("settlement queue full during outbox drain")
		break
	}
	return handed, nil
}

func (r *Reconciler) sweep(ctx context.Context) (int, error) {
	refs, err := r.store.ListUnattached(ctx, r.now().Add(-r.cfg.Grace), r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list unattached: %w", err)
	}

	handed := 0
	for _, ref := range refs {
		if !r.queue.TryEnqueue(ref) {
			break
		}
		handed++
	}
	if r.metrics != nil {
		r.metrics.UnattachedSwept.Add(float64(handed))
	}
	if handed > 0 {
		r.logger.Info().Int("jobs", handed).Msg("re-dispatched unattached transactions")
	}
	return handed, nil
}

// RetryDeadLetter takes jobID off the dead-letter queue and re-queues it with
// a fresh attempt budget.
func (r *Reconciler) RetryDeadLetter(ctx context.Context, jobID string) (persistence.DeadLetter, error) {
	dl, err := r.store.TakeDeadLetter(ctx, jobID)
	if err != nil {
		return persistence.DeadLetter{}, err
	}
	if !r.queue.TryEnqueue(dl.Ref) {
		if err := r.store.EnqueueOutbox(ctx, dl.Ref, "operator_retry"); err != nil {
			return dl, fmt.Errorf("requeue %s: %w", jobID, err)
		}
	}
	r.logger.Info().Str("job", jobID).Int("previous_attempts", dl.Attempts).Msg("dead letter re-queued")
	return dl, nil
}
