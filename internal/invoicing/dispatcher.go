package invoicing

import (
	"GoldLedger/internal/observability"
	"GoldLedger/internal/persistence"
	"context"
	"time"

	"github.com/rs/zerolog"
)

const outboxWriteTimeout = 5 * time.Second

// Enqueuer is the non-blocking hand-off a Dispatcher feeds.
type Enqueuer interface {
	TryEnqueue(ref persistence.JobRef) bool
}

// Dispatcher hands jobs of a committed posting to the worker pool. When the
// pool is saturated the job goes to the durable outbox instead; it never
// blocks the posting path and never fails it.
type Dispatcher struct {
	queue   Enqueuer
	store   persistence.Store
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewDispatcher(queue Enqueuer, store persistence.Store, metrics *observability.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{queue: queue, store: store, metrics: metrics, logger: logger}
}

// Dispatch schedules refs. The posting is already committed when this runs,
// so a lost job is recovered by the reconciler sweep rather than reported.
func (d *Dispatcher) Dispatch(ctx context.Context, refs []persistence.JobRef) {
	for _, ref := range refs {
		if d.queue.TryEnqueue(ref) {
			d.count("channel")
			continue
		}

		// The caller's deadline belongs to the posting; the outbox write
		// must survive it.
		octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outboxWriteTimeout)
		err := d.store.EnqueueOutbox(octx, ref, "queue_full")
		cancel()
		if err != nil {
			d.logger.Error().Err(err).
				Str("job", JobID(ref)).
				Msg("outbox write failed, job left for sweep")
			continue
		}
		d.count("outbox")
		d.logger.Warn().Str("job", JobID(ref)).Msg("settlement queue full, job sent to outbox")
	}
}

func (d *Dispatcher) count(path string) {
	if d.metrics != nil {
		d.metrics.JobsEnqueued.WithLabelValues(path).Inc()
	}
}
