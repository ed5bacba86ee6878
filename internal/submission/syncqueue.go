package submission

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type syncQueueFile struct {
	Queue         []SyncQueueItem `json:"queue"`
	LastProcessed string          `json:"lastProcessed,omitempty"`
}

type SyncQueueOptions struct {
	StateFile   string
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Workers     int
	Logger      *slog.Logger
}

// SyncQueue guarantees every locally recorded submission eventually reaches
// the remote store. Queue state is persisted next to the local store and
// rehydrated on restart so pending retries survive a process restart. Drain
// is idempotent and safe under overlapping invocations: an in-flight set
// serializes work per submission id while distinct ids fan out to a bounded
// worker pool.
type SyncQueue struct {
	mu            sync.Mutex
	items         []SyncQueueItem
	inFlight      map[string]struct{}
	lastProcessed string

	path        string
	local       *LocalStore
	remote      RemoteStoreClient
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	workers     int
	logger      *slog.Logger
	now         func() time.Time
}

func NewSyncQueue(local *LocalStore, remote RemoteStoreClient, opts SyncQueueOptions) (*SyncQueue, error) {
	if local == nil || remote == nil {
		return nil, ErrInvalidInput
	}
	path := strings.TrimSpace(opts.StateFile)
	if path == "" {
		return nil, ErrInvalidInput
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 30 * time.Second
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Hour
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	q := &SyncQueue{
		items:       []SyncQueueItem{},
		inFlight:    map[string]struct{}{},
		path:        path,
		local:       local,
		remote:      remote,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		maxAttempts: maxAttempts,
		workers:     workers,
		logger:      logger,
		now:         time.Now,
	}
	q.load()
	return q, nil
}

// Enqueue registers a submission for delivery. A submission already queued is
// a no-op, so enqueueing the same id twice yields exactly one entry.
func (q *SyncQueue) Enqueue(submissionID string) error {
	submissionID = strings.TrimSpace(submissionID)
	if submissionID == "" {
		return ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if item.SubmissionID == submissionID {
			return nil
		}
	}
	q.items = append(q.items, SyncQueueItem{SubmissionID: submissionID})
	return q.persistLocked()
}

// Items returns a snapshot of the queue.
func (q *SyncQueue) Items() []SyncQueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]SyncQueueItem(nil), q.items...)
}

func (q *SyncQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *SyncQueue) LastProcessed() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastProcessed
}

// Contains reports whether the submission is still awaiting delivery.
func (q *SyncQueue) Contains(submissionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if item.SubmissionID == submissionID {
			return true
		}
	}
	return false
}

// Remove drops a queue entry without touching the submission, used when the
// record is deleted administratively.
func (q *SyncQueue) Remove(submissionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].SubmissionID == submissionID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return q.persistLocked()
		}
	}
	return nil
}

// Drain attempts a remote write for every item whose retry time has arrived.
// Items claimed by an overlapping drain are skipped.
func (q *SyncQueue) Drain(ctx context.Context) error {
	due := q.claimDue()
	if len(due) == 0 {
		return nil
	}

	work := make(chan SyncQueueItem)
	var wg sync.WaitGroup
	workers := q.workers
	if workers > len(due) {
		workers = len(due)
	}
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for item := range work {
				q.processItem(ctx, item)
				q.release(item.SubmissionID)
			}
		}()
	}
	for _, item := range due {
		select {
		case work <- item:
		case <-ctx.Done():
			q.release(item.SubmissionID)
		}
	}
	close(work)
	wg.Wait()

	q.mu.Lock()
	q.lastProcessed = timestampNow(q.now())
	err := q.persistLocked()
	q.mu.Unlock()
	return err
}

// Run drains on a fixed interval until the context is canceled.
func (q *SyncQueue) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				q.logger.Warn("sync drain failed", "error", err)
			}
		}
	}
}

func (q *SyncQueue) claimDue() []SyncQueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	due := make([]SyncQueueItem, 0, len(q.items))
	for _, item := range q.items {
		if _, busy := q.inFlight[item.SubmissionID]; busy {
			continue
		}
		if item.NextRetry != "" {
			if nextRetry, err := time.Parse(time.RFC3339Nano, item.NextRetry); err == nil && now.Before(nextRetry) {
				continue
			}
		}
		q.inFlight[item.SubmissionID] = struct{}{}
		due = append(due, item)
	}
	return due
}

func (q *SyncQueue) release(submissionID string) {
	q.mu.Lock()
	delete(q.inFlight, submissionID)
	q.mu.Unlock()
}

func (q *SyncQueue) processItem(ctx context.Context, item SyncQueueItem) {
	sub, err := q.local.Get(item.SubmissionID)
	if errors.Is(err, ErrNotFound) {
		// Record deleted out from under the queue; nothing left to sync.
		q.dropItem(item.SubmissionID)
		return
	}
	if err != nil {
		q.logger.Warn("sync drain could not load submission", "id", item.SubmissionID, "error", err)
		return
	}
	if sub.Status != StatusPending {
		q.dropItem(item.SubmissionID)
		return
	}

	saveErr := q.remote.Save(ctx, sub)
	now := q.now()
	if saveErr != nil && ctx.Err() != nil {
		// Shutdown, not a remote failure. Leave the item untouched so the
		// next drain retries without burning an attempt.
		return
	}
	if saveErr == nil {
		sub.Status = StatusSynced
		sub.SyncedToRemote = true
		sub.RetryCount = item.Attempts
		sub.LastError = ""
		if err := q.local.Upsert(sub); err != nil {
			q.logger.Error("failed to record synced status locally", "id", sub.ID, "error", err)
		}
		q.dropItem(item.SubmissionID)
		return
	}

	attempts := item.Attempts + 1
	if attempts > q.maxAttempts {
		sub.Status = StatusFailed
		sub.RetryCount = attempts
		sub.LastError = saveErr.Error()
		if err := q.local.Upsert(sub); err != nil {
			q.logger.Error("failed to record failed status locally", "id", sub.ID, "error", err)
		}
		q.dropItem(item.SubmissionID)
		q.logger.Error("sync retries exhausted", "id", sub.ID, "attempts", attempts, "error", saveErr)
		return
	}

	nextRetry := now.Add(q.backoff(attempts))
	q.mu.Lock()
	for i := range q.items {
		if q.items[i].SubmissionID == item.SubmissionID {
			q.items[i].Attempts = attempts
			q.items[i].LastAttempt = timestampNow(now)
			q.items[i].NextRetry = nextRetry.UTC().Format(time.RFC3339Nano)
			q.items[i].Error = saveErr.Error()
			break
		}
	}
	if err := q.persistLocked(); err != nil {
		q.logger.Warn("failed to persist sync queue state", "error", err)
	}
	q.mu.Unlock()

	sub.RetryCount = attempts
	sub.LastError = saveErr.Error()
	if err := q.local.Upsert(sub); err != nil {
		q.logger.Warn("failed to record retry metadata locally", "id", sub.ID, "error", err)
	}
}

func (q *SyncQueue) dropItem(submissionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].SubmissionID == submissionID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	if err := q.persistLocked(); err != nil {
		q.logger.Warn("failed to persist sync queue state", "error", err)
	}
}

// backoff returns baseDelay * 2^attempts, capped at maxDelay.
func (q *SyncQueue) backoff(attempts int) time.Duration {
	delay := q.baseDelay
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= q.maxDelay || delay <= 0 {
			return q.maxDelay
		}
	}
	if delay > q.maxDelay {
		return q.maxDelay
	}
	return delay
}

// load rehydrates queue state from disk. A missing or malformed file is
// treated as an empty queue, matching the local store's self-healing stance.
func (q *SyncQueue) load() {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			q.logger.Warn("sync queue state unreadable, starting empty", "path", q.path, "error", err)
		}
		return
	}
	var snapshot syncQueueFile
	if err := json.Unmarshal(data, &snapshot); err != nil {
		q.logger.Warn("sync queue state corrupt, starting empty", "path", q.path)
		return
	}
	if snapshot.Queue != nil {
		q.items = snapshot.Queue
	}
	q.lastProcessed = snapshot.LastProcessed
}

func (q *SyncQueue) persistLocked() error {
	snapshot := syncQueueFile{
		Queue:         append([]SyncQueueItem(nil), q.items...),
		LastProcessed: q.lastProcessed,
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	dir := filepath.Dir(q.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, q.path)
}
