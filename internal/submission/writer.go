package submission

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// NotificationSender delivers the downstream "new submission" notification.
// The writer dispatches it fire-and-forget; its failure never reaches the
// intake caller.
type NotificationSender interface {
	Notify(ctx context.Context, submissionID string, payload Payload) error
}

type WriterOptions struct {
	DedupWindow   time.Duration
	RemoteTimeout time.Duration
	NotifyTimeout time.Duration
	Logger        *slog.Logger
}

// Writer is the single entry point converting a validated payload into a
// durably persisted, deduplicated submission.
type Writer struct {
	guard         *DuplicateGuard
	local         *LocalStore
	remote        RemoteStoreClient
	queue         *SyncQueue
	notifier      NotificationSender
	remoteTimeout time.Duration
	notifyTimeout time.Duration
	logger        *slog.Logger
	now           func() time.Time
	newID         func() string
}

func NewWriter(local *LocalStore, remote RemoteStoreClient, queue *SyncQueue, notifier NotificationSender, opts WriterOptions) (*Writer, error) {
	if local == nil || remote == nil || queue == nil {
		return nil, ErrInvalidInput
	}
	remoteTimeout := opts.RemoteTimeout
	if remoteTimeout <= 0 {
		remoteTimeout = 5 * time.Second
	}
	notifyTimeout := opts.NotifyTimeout
	if notifyTimeout <= 0 {
		notifyTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		guard:         NewDuplicateGuard(opts.DedupWindow),
		local:         local,
		remote:        remote,
		queue:         queue,
		notifier:      notifier,
		remoteTimeout: remoteTimeout,
		notifyTimeout: notifyTimeout,
		logger:        logger,
		now:           time.Now,
		newID:         uuid.NewString,
	}, nil
}

// Intake persists one validated payload. The local write is unconditional;
// the remote write is best effort with the sync queue picking up transient
// failures. Only when both stores fail does the caller see an error.
func (w *Writer) Intake(ctx context.Context, payload Payload, meta RequestMeta) (IntakeResult, error) {
	fingerprint := Fingerprint(payload)
	if w.guard.Remember(fingerprint) {
		return IntakeResult{Success: true, Duplicate: true}, nil
	}

	sub := Submission{
		ID:        w.newID(),
		Timestamp: timestampNow(w.now()),
		Data:      payload,
		Status:    StatusPending,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
	}

	localErr := w.local.Upsert(sub)
	if localErr != nil {
		w.logger.Error("local persistence failed", "id", sub.ID, "error", localErr)
	}

	remoteCtx, cancel := context.WithTimeout(ctx, w.remoteTimeout)
	remoteErr := w.remote.Save(remoteCtx, sub)
	cancel()

	switch {
	case remoteErr == nil:
		sub.Status = StatusSynced
		sub.SyncedToRemote = true
		if localErr == nil {
			if err := w.local.Upsert(sub); err != nil {
				w.logger.Warn("failed to record synced status locally", "id", sub.ID, "error", err)
			}
		}
	case localErr == nil:
		w.logger.Warn("remote persistence failed, queued for sync", "id", sub.ID, "error", remoteErr)
		if err := w.queue.Enqueue(sub.ID); err != nil {
			w.logger.Error("failed to enqueue submission for sync", "id", sub.ID, "error", err)
		}
	default:
		// Neither store holds the record; release the fingerprint so an
		// immediate resubmit is not rejected as a duplicate.
		w.guard.Forget(fingerprint)
		return IntakeResult{}, localErr
	}

	result := IntakeResult{
		Success:      true,
		SubmissionID: sub.ID,
		Persisted:    true,
		PersistedTo: PersistedTo{
			Local:  localErr == nil,
			Remote: remoteErr == nil,
		},
	}
	w.dispatchNotification(sub.ID, payload)
	return result, nil
}

// dispatchNotification runs detached with its own deadline and logging sink.
func (w *Writer) dispatchNotification(submissionID string, payload Payload) {
	if w.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.notifyTimeout)
		defer cancel()
		if err := w.notifier.Notify(ctx, submissionID, payload); err != nil {
			w.logger.Warn("downstream notification failed", "id", submissionID, "error", err)
		}
	}()
}
