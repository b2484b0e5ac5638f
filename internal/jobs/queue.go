// Package jobs runs the persistent background job queue that reconciles
// local state with the remote mailbox.
package jobs

import (
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/omarchy/mailchat/internal/store"
)

// StandardDelay is how far a job is pushed out after a transient failure.
const StandardDelay = 10 * time.Second

// Job actions. The numeric values are stable because they are persisted.
const (
	ActionDeleteOnRemote   store.JobAction = 110
	ActionMarkSeenOnRemote store.JobAction = 130
	ActionSendToSMTP       store.JobAction = 900
	ActionAppendToRemote   store.JobAction = 910
)

// Queue persists jobs and nudges the runner. Enqueueing is cheap and may
// happen under the storage lock; the wakeup itself never blocks.
type Queue struct {
	db   *store.DB
	log  *zap.Logger
	wake chan struct{}
}

func NewQueue(db *store.DB, log *zap.Logger) *Queue {
	return &Queue{
		db:   db,
		log:  log.Named("jobs"),
		wake: make(chan struct{}, 1),
	}
}

// Enqueue persists a job and wakes the runner.
func (q *Queue) Enqueue(action store.JobAction, foreignID int64, param *store.Param) error {
	if _, err := q.db.InsertJob(action, foreignID, param); err != nil {
		return err
	}
	q.log.Debug("job queued", zap.Int("action", int(action)), zap.Int64("foreign_id", foreignID))
	q.Kick()
	return nil
}

// EnqueueTx persists a job inside the caller's transaction, so the job
// commits or rolls back together with the rows it refers to. The caller
// must Kick after a successful commit.
func (q *Queue) EnqueueTx(tx *sql.Tx, action store.JobAction, foreignID int64, param *store.Param) error {
	_, err := q.db.InsertJobTx(tx, action, foreignID, param)
	return err
}

// Kick wakes the runner without queueing anything.
func (q *Queue) Kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Wake is the runner's wakeup channel.
func (q *Queue) Wake() <-chan struct{} { return q.wake }
