package jobs

import (
	"context"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/omarchy/mailchat/internal/bus"
	"github.com/omarchy/mailchat/internal/mime"
	"github.com/omarchy/mailchat/internal/remote"
	"github.com/omarchy/mailchat/internal/smtpsender"
	"github.com/omarchy/mailchat/internal/store"
)

type result int

const (
	resultDone result = iota // job finished, drop it
	resultRetryLater         // transient failure, reschedule
	resultFailed             // permanent failure, drop it
)

const dueBatchSize = 20

// Runner drains the persistent job queue. Each handler follows the same
// shape: read under the storage lock, release it, do the network round-trip,
// then write the outcome back under the lock. Events go out only after the
// lock is released.
type Runner struct {
	db         *store.DB
	queue      *Queue
	remote     remote.Client
	smtp       smtpsender.Sender
	newFactory func() *mime.Factory
	bus        *bus.Bus
	blobDir    string
	logger     *zap.Logger
	cancel     context.CancelFunc
	done       chan struct{}
}

func NewRunner(db *store.DB, queue *Queue, rc remote.Client, smtp smtpsender.Sender,
	newFactory func() *mime.Factory, b *bus.Bus, blobDir string, logger *zap.Logger) *Runner {
	return &Runner{
		db:         db,
		queue:      queue,
		remote:     rc,
		smtp:       smtp,
		newFactory: newFactory,
		bus:        b,
		blobDir:    blobDir,
		logger:     logger.Named("jobs"),
	}
}

// Start begins processing due jobs.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx)
}

// Stop stops the runner and waits for the current job to finish.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.processDue(ctx)
		case <-r.queue.Wake():
			r.processDue(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) processDue(ctx context.Context) {
	now := time.Now().Unix()
	due, err := r.db.DueJobs(now, dueBatchSize)
	if err != nil {
		r.logger.Error("failed to read job queue", zap.Error(err))
		return
	}

	for _, job := range due {
		if ctx.Err() != nil {
			return
		}
		switch r.dispatch(ctx, job) {
		case resultDone, resultFailed:
			if err := r.db.DeleteJob(job.ID); err != nil {
				r.logger.Error("failed to drop job", zap.Int64("job_id", job.ID), zap.Error(err))
			}
		case resultRetryLater:
			dueAt := time.Now().Add(StandardDelay).Unix()
			if err := r.db.RescheduleJob(job.ID, dueAt); err != nil {
				r.logger.Error("failed to reschedule job", zap.Int64("job_id", job.ID), zap.Error(err))
			}
			r.logger.Info("job rescheduled",
				zap.Int64("job_id", job.ID),
				zap.Int("action", int(job.Action)),
				zap.Int("tries", job.Tries+1))
		}
	}
}

func (r *Runner) dispatch(ctx context.Context, job store.Job) result {
	switch job.Action {
	case ActionDeleteOnRemote:
		return r.deleteOnRemote(ctx, job)
	case ActionMarkSeenOnRemote:
		return r.markSeenOnRemote(ctx, job)
	case ActionSendToSMTP:
		return r.sendToSMTP(ctx, job)
	case ActionAppendToRemote:
		return r.appendToRemote(ctx, job)
	}
	r.logger.Warn("unknown job action", zap.Int("action", int(job.Action)))
	return resultFailed
}

func (r *Runner) ensureConnected(ctx context.Context) bool {
	if r.remote.IsConnected() {
		return true
	}
	if err := r.remote.Connect(ctx); err != nil {
		r.logger.Warn("remote unreachable", zap.Error(err))
		return false
	}
	return true
}

// deleteOnRemote finishes a local deletion. The remote copy is removed only
// when exactly one local row still refers to it; with several rows the
// others still need the copy.
func (r *Runner) deleteOnRemote(ctx context.Context, job store.Job) result {
	r.db.Lock()
	msg, err := r.db.MessageByID(job.ForeignID)
	count := 0
	if err == nil && msg != nil {
		count, err = r.db.CountByGlobalID(msg.GlobalID)
	}
	r.db.Unlock()
	if err != nil {
		r.logger.Error("delete job load failed", zap.Error(err))
		return resultRetryLater
	}
	if msg == nil {
		return resultDone
	}

	if count <= 1 && msg.ServerFolder != "" && msg.ServerUID != 0 {
		if !r.ensureConnected(ctx) {
			return resultRetryLater
		}
		if err := r.remote.Delete(msg.GlobalID, msg.ServerFolder, msg.ServerUID); err != nil {
			r.logger.Warn("remote delete failed", zap.String("global_id", msg.GlobalID), zap.Error(err))
			return resultRetryLater
		}
	}

	r.db.Lock()
	if err := r.db.DeleteMessageRow(msg.ID); err != nil {
		r.db.Unlock()
		r.logger.Error("delete row failed", zap.Error(err))
		return resultRetryLater
	}
	_ = r.db.DeleteByGlobalID(store.GhostGlobalID(msg.ID))
	r.gcAttachmentLocked(msg)
	r.db.Unlock()

	r.bus.Publish(bus.Event{
		Kind:      bus.KindMsgsDeleted,
		Timestamp: time.Now(),
		Payload:   bus.MsgRef{ChatID: msg.ChatID, MsgID: msg.ID},
	})
	return resultDone
}

// gcAttachmentLocked removes the message's blob if it lives in the profile
// blob dir and no other message references it. User-provided paths outside
// the blob dir are never touched.
func (r *Runner) gcAttachmentLocked(msg *store.Message) {
	path := msg.Param.Get(store.ParamFile, "")
	if path == "" || r.blobDir == "" || !strings.HasPrefix(path, r.blobDir) {
		return
	}
	referenced, err := r.db.AttachmentReferenced(path)
	if err != nil || referenced {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		r.logger.Warn("blob removal failed", zap.String("path", path), zap.Error(err))
	}
}

func (r *Runner) markSeenOnRemote(ctx context.Context, job store.Job) result {
	r.db.Lock()
	msg, err := r.db.MessageByID(job.ForeignID)
	r.db.Unlock()
	if err != nil {
		return resultRetryLater
	}
	if msg == nil {
		return resultDone
	}

	if !r.ensureConnected(ctx) {
		return resultRetryLater
	}

	// Chat messages get collected into the chats folder while the flag is
	// set; foreign mail stays where it is.
	newFolder, newUID, err := r.remote.MarkSeen(msg.ServerFolder, msg.ServerUID, msg.IsChatMessage)
	if err != nil {
		r.logger.Warn("remote markseen failed", zap.String("global_id", msg.GlobalID), zap.Error(err))
		return resultRetryLater
	}

	if newFolder != "" && newUID != 0 {
		r.db.Lock()
		err = r.db.UpdateRemoteLocation(msg.GlobalID, newFolder, newUID)
		r.db.Unlock()
		if err != nil {
			return resultRetryLater
		}
	}
	return resultDone
}

// sendToSMTP renders an outgoing message and submits it. On success the
// message is marked delivered and a copy is queued for upload to the own
// mailbox.
func (r *Runner) sendToSMTP(ctx context.Context, job store.Job) result {
	f := r.newFactory()
	if err := f.Load(job.ForeignID); err != nil {
		r.logger.Warn("send job could not load message", zap.Int64("msg_id", job.ForeignID), zap.Error(err))
		return resultDone
	}
	msg := f.Msg()

	raw, _, err := f.Render(false)
	if err != nil {
		r.logger.Error("render failed", zap.Int64("msg_id", msg.ID), zap.Error(err))
		r.db.Lock()
		_ = r.db.UpdateMessageState(msg.ID, store.StateOutError)
		r.db.Unlock()
		r.bus.Publish(bus.Event{
			Kind:      bus.KindMsgsChanged,
			Timestamp: time.Now(),
			Payload:   bus.MsgRef{ChatID: msg.ChatID, MsgID: msg.ID},
		})
		return resultFailed
	}

	if recipients := f.RecipientAddrs(); len(recipients) > 0 {
		if err := r.smtp.Send(f.FromAddr(), recipients, raw); err != nil {
			r.logger.Warn("submission failed", zap.Int64("msg_id", msg.ID), zap.Error(err))
			return resultRetryLater
		}
	}

	r.db.Lock()
	err = r.db.UpdateMessageState(msg.ID, store.StateOutDelivered)
	r.db.Unlock()
	if err != nil {
		r.logger.Error("failed to mark delivered", zap.Int64("msg_id", msg.ID), zap.Error(err))
	}
	if err := r.queue.Enqueue(ActionAppendToRemote, msg.ID, nil); err != nil {
		r.logger.Error("failed to queue mailbox copy", zap.Int64("msg_id", msg.ID), zap.Error(err))
	}

	r.bus.Publish(bus.Event{
		Kind:      bus.KindMsgsDelivered,
		Timestamp: time.Now(),
		Payload:   bus.MsgRef{ChatID: msg.ChatID, MsgID: msg.ID},
	})
	return resultDone
}

// appendToRemote uploads a copy of an own, already-submitted message to the
// mailbox, so other devices of the same account see it.
func (r *Runner) appendToRemote(ctx context.Context, job store.Job) result {
	f := r.newFactory()
	if err := f.Load(job.ForeignID); err != nil {
		r.logger.Warn("append job could not load message", zap.Int64("msg_id", job.ForeignID), zap.Error(err))
		return resultDone
	}
	msg := f.Msg()

	raw, _, err := f.Render(true)
	if err != nil {
		r.logger.Error("render for mailbox copy failed", zap.Int64("msg_id", msg.ID), zap.Error(err))
		return resultFailed
	}

	if !r.ensureConnected(ctx) {
		return resultRetryLater
	}
	folder, uid, err := r.remote.Append(time.Unix(msg.Timestamp, 0), msg.GlobalID, raw)
	if err != nil {
		r.logger.Warn("append failed", zap.String("global_id", msg.GlobalID), zap.Error(err))
		return resultRetryLater
	}

	if folder != "" && uid != 0 {
		r.db.Lock()
		err = r.db.UpdateRemoteLocation(msg.GlobalID, folder, uid)
		r.db.Unlock()
		if err != nil {
			r.logger.Error("failed to record remote location", zap.Error(err))
		}
	}
	return resultDone
}
