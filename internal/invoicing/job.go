package invoicing

import (
	"GoldLedger/internal/persistence"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle of one settlement job.
//
//	queued -> rendering -> attached -> done
//	queued -> rendering -> failed -> queued (retry) ... -> deadletter
type JobState string

const (
	JobQueued     JobState = "queued"
	JobRendering  JobState = "rendering"
	JobAttached   JobState = "attached"
	JobDone       JobState = "done"
	JobFailed     JobState = "failed"
	JobDeadLetter JobState = "deadletter"
)

var allowedTransitions = map[JobState][]JobState{
	JobQueued:    {JobRendering, JobDone, JobFailed},
	JobRendering: {JobAttached, JobDone, JobFailed},
	JobAttached:  {JobDone},
	JobFailed:    {JobQueued, JobDeadLetter},
}

// Job attaches the invoice of one (transaction, custodian) pair.
type Job struct {
	Ref       persistence.JobRef
	UserID    uuid.UUID // known after the transaction is loaded
	State     JobState
	Attempts  int
	LastError string
	QueuedAt  time.Time
}

// NewJob returns a queued job for ref.
func NewJob(ref persistence.JobRef) *Job {
	return &Job{Ref: ref, State: JobQueued, QueuedAt: time.Now()}
}

// ID is the stable job key.
func (j *Job) ID() string {
	return JobID(j.Ref)
}

// JobID formats the key of a (transaction, custodian) pair.
func JobID(ref persistence.JobRef) string {
	return fmt.Sprintf("%s:%s", ref.TransactionID, ref.CustodianID)
}

// Transition moves the job to next or returns an error if the move is illegal.
func (j *Job) Transition(next JobState) error {
	for _, s := range allowedTransitions[j.State] {
		if s == next {
			j.State = next
			return nil
		}
	}
	return fmt.Errorf("job %s: illegal transition %s -> %s", j.ID(), j.State, next)
}

// Terminal reports whether the job needs no further work.
func (j *Job) Terminal() bool {
	return j.State == JobDone || j.State == JobDeadLetter
}
