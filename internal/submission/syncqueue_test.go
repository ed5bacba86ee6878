package submission

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestQueue(t *testing.T, opts SyncQueueOptions) (*SyncQueue, *LocalStore, *MemoryRemoteStore) {
	t.Helper()
	dir := t.TempDir()
	local, err := NewLocalStore(filepath.Join(dir, "submissions.json"), nil)
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	remote := NewMemoryRemoteStore()
	if opts.StateFile == "" {
		opts.StateFile = filepath.Join(dir, "sync-queue.json")
	}
	queue, err := NewSyncQueue(local, remote, opts)
	if err != nil {
		t.Fatalf("new sync queue: %v", err)
	}
	return queue, local, remote
}

func TestEnqueueIsIdempotent(t *testing.T) {
	queue, _, _ := newTestQueue(t, SyncQueueOptions{})
	if err := queue.Enqueue("sub-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := queue.Enqueue("sub-1"); err != nil {
		t.Fatalf("repeat enqueue: %v", err)
	}
	if queue.Len() != 1 {
		t.Fatalf("expected 1 item, got %d", queue.Len())
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "sync-queue.json")
	local, err := NewLocalStore(filepath.Join(dir, "submissions.json"), nil)
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	remote := NewMemoryRemoteStore()

	queue, err := NewSyncQueue(local, remote, SyncQueueOptions{StateFile: stateFile})
	if err != nil {
		t.Fatalf("new sync queue: %v", err)
	}
	if err := queue.Enqueue("sub-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	reopened, err := NewSyncQueue(local, remote, SyncQueueOptions{StateFile: stateFile})
	if err != nil {
		t.Fatalf("reopen sync queue: %v", err)
	}
	if !reopened.Contains("sub-1") {
		t.Fatal("queue state lost across restart")
	}
}

func TestDrainDeliversPendingSubmission(t *testing.T) {
	queue, local, remote := newTestQueue(t, SyncQueueOptions{})
	if err := local.Upsert(testSubmission("sub-1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := queue.Enqueue("sub-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := queue.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if queue.Len() != 0 {
		t.Fatalf("item not removed after success: %d left", queue.Len())
	}
	if remote.Len() != 1 {
		t.Fatalf("remote has %d records, want 1", remote.Len())
	}
	sub, err := local.Get("sub-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sub.Status != StatusSynced || !sub.SyncedToRemote {
		t.Fatalf("local record not marked synced: %+v", sub)
	}
	if queue.LastProcessed() == "" {
		t.Fatal("lastProcessed not recorded")
	}
}

func TestDrainFailureSchedulesRetry(t *testing.T) {
	queue, local, remote := newTestQueue(t, SyncQueueOptions{BaseDelay: 30 * time.Second})
	remote.SetAvailable(false)
	if err := local.Upsert(testSubmission("sub-1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := queue.Enqueue("sub-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	start := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	queue.now = func() time.Time { return start }

	if err := queue.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	items := queue.Items()
	if len(items) != 1 {
		t.Fatalf("expected item retained, got %d", len(items))
	}
	if items[0].Attempts != 1 || items[0].Error == "" {
		t.Fatalf("unexpected item state: %+v", items[0])
	}
	nextRetry, err := time.Parse(time.RFC3339Nano, items[0].NextRetry)
	if err != nil {
		t.Fatalf("parse nextRetry: %v", err)
	}
	// First failure schedules base*2^1 out.
	if got := nextRetry.Sub(start); got != time.Minute {
		t.Fatalf("nextRetry delta = %s, want 1m", got)
	}

	sub, _ := local.Get("sub-1")
	if sub.Status != StatusPending || sub.RetryCount != 1 || sub.LastError == "" {
		t.Fatalf("retry metadata not recorded locally: %+v", sub)
	}

	// An immediate second drain must skip the item: its retry time has not
	// arrived.
	if err := queue.Drain(context.Background()); err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if got := queue.Items()[0].Attempts; got != 1 {
		t.Fatalf("not-yet-due item was attempted: attempts = %d", got)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	queue, _, _ := newTestQueue(t, SyncQueueOptions{
		BaseDelay: 30 * time.Second,
		MaxDelay:  time.Hour,
	})
	expected := []time.Duration{
		time.Minute,
		2 * time.Minute,
		4 * time.Minute,
		8 * time.Minute,
		16 * time.Minute,
		32 * time.Minute,
		time.Hour,
		time.Hour,
	}
	for i, want := range expected {
		if got := queue.backoff(i + 1); got != want {
			t.Fatalf("backoff(%d) = %s, want %s", i+1, got, want)
		}
	}
}

func TestRetryCeilingMarksFailed(t *testing.T) {
	queue, local, remote := newTestQueue(t, SyncQueueOptions{
		BaseDelay:   time.Second,
		MaxAttempts: 3,
	})
	remote.SetAvailable(false)
	if err := local.Upsert(testSubmission("sub-1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := queue.Enqueue("sub-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	current := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	queue.now = func() time.Time { return current }

	for i := 0; i < 4; i++ {
		if err := queue.Drain(context.Background()); err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
		current = current.Add(time.Hour)
	}

	if queue.Contains("sub-1") {
		t.Fatal("exhausted item still queued")
	}
	sub, err := local.Get("sub-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sub.Status != StatusFailed {
		t.Fatalf("expected failed status, got %s", sub.Status)
	}
	if sub.RetryCount != 4 || sub.LastError == "" {
		t.Fatalf("unexpected failure metadata: %+v", sub)
	}
}

func TestDrainDropsDeletedSubmission(t *testing.T) {
	queue, _, _ := newTestQueue(t, SyncQueueOptions{})
	if err := queue.Enqueue("sub-gone"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := queue.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if queue.Contains("sub-gone") {
		t.Fatal("item for deleted submission not dropped")
	}
}

func TestDrainDropsAlreadySynced(t *testing.T) {
	queue, local, remote := newTestQueue(t, SyncQueueOptions{})
	sub := testSubmission("sub-1")
	sub.Status = StatusSynced
	sub.SyncedToRemote = true
	if err := local.Upsert(sub); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := queue.Enqueue("sub-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := queue.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if queue.Contains("sub-1") {
		t.Fatal("already-synced item not dropped")
	}
	if remote.Len() != 0 {
		t.Fatal("already-synced item was re-sent")
	}
}

func TestDrainCanceledContextDoesNotBurnAttempts(t *testing.T) {
	queue, local, _ := newTestQueue(t, SyncQueueOptions{})
	if err := local.Upsert(testSubmission("sub-1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := queue.Enqueue("sub-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := queue.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	items := queue.Items()
	if len(items) != 1 {
		t.Fatalf("expected item retained, got %d", len(items))
	}
	if items[0].Attempts != 0 || items[0].NextRetry != "" {
		t.Fatalf("shutdown counted as a remote failure: %+v", items[0])
	}
	sub, _ := local.Get("sub-1")
	if sub.Status != StatusPending || sub.RetryCount != 0 {
		t.Fatalf("retry metadata recorded on shutdown: %+v", sub)
	}
}
