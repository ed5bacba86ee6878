package realtime

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Marwenrb/TikCredit-Pro-sub000/internal/submission"
)

type fakeStore struct {
	mu   sync.Mutex
	subs []submission.Submission
}

func (f *fakeStore) ReadAll() ([]submission.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]submission.Submission, len(f.subs))
	copy(out, f.subs)
	return out, nil
}

func (f *fakeStore) prepend(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append([]submission.Submission{{ID: id, Status: submission.StatusPending}}, f.subs...)
}

func (f *fakeStore) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) > 0 {
		f.subs = f.subs[1:]
	}
}

func waitForEvent(t *testing.T, sess *Session, eventType string) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event, ok := <-sess.Events():
			if !ok {
				t.Fatalf("session closed while waiting for %s", eventType)
			}
			if event.Type == eventType {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

func TestSubscribeEmitsConnected(t *testing.T) {
	store := &fakeStore{}
	store.prepend("sub-1")
	b := NewBroadcaster(store, Options{PollInterval: 10 * time.Millisecond})
	defer b.Close()

	sess, err := b.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	event := waitForEvent(t, sess, EventConnected)
	if event.SessionID != sess.ID {
		t.Fatalf("connected carried session %q, want %q", event.SessionID, sess.ID)
	}
	if event.OpenSessions != 1 {
		t.Fatalf("openSessions = %d, want 1", event.OpenSessions)
	}
	if event.TotalCount == nil || *event.TotalCount != 1 {
		t.Fatalf("totalCount = %v, want 1", event.TotalCount)
	}
	if event.Timestamp == "" {
		t.Fatal("connected event missing timestamp")
	}
}

func TestNewSubmissionAndCountUpdate(t *testing.T) {
	store := &fakeStore{}
	b := NewBroadcaster(store, Options{PollInterval: 10 * time.Millisecond})
	defer b.Close()

	sess, err := b.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitForEvent(t, sess, EventConnected)

	store.prepend("sub-42")
	event := waitForEvent(t, sess, EventNewSubmission)
	if event.SubmissionID != "sub-42" {
		t.Fatalf("submissionId = %q, want sub-42", event.SubmissionID)
	}
	if event.Submission == nil || event.Submission.ID != "sub-42" {
		t.Fatalf("new_submission did not carry the record: %+v", event.Submission)
	}
	countEvent := waitForEvent(t, sess, EventCountUpdate)
	if countEvent.TotalCount == nil || *countEvent.TotalCount != 1 {
		t.Fatalf("totalCount = %v, want 1", countEvent.TotalCount)
	}
}

func TestDeletionEmitsCountUpdateOnly(t *testing.T) {
	store := &fakeStore{}
	store.prepend("sub-old")
	store.prepend("sub-new")
	b := NewBroadcaster(store, Options{PollInterval: 10 * time.Millisecond})
	defer b.Close()

	sess, err := b.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitForEvent(t, sess, EventConnected)

	store.drop()
	event := waitForEvent(t, sess, EventCountUpdate)
	if event.TotalCount == nil || *event.TotalCount != 1 {
		t.Fatalf("totalCount = %v, want 1", event.TotalCount)
	}
	// The surviving head changed, so a new_submission for it is acceptable
	// but the count must have been reported regardless.
}

func TestPollOnlyWhileSessionsOpen(t *testing.T) {
	store := &fakeStore{}
	b := NewBroadcaster(store, Options{PollInterval: 10 * time.Millisecond})
	defer b.Close()

	sess, err := b.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got := b.SessionCount(); got != 1 {
		t.Fatalf("session count = %d, want 1", got)
	}
	b.Unsubscribe(sess.ID)
	if got := b.SessionCount(); got != 0 {
		t.Fatalf("session count after unsubscribe = %d, want 0", got)
	}

	// With no sessions the poll loop is stopped; a store change produces no
	// event and the closed channel drains without new values.
	store.prepend("sub-after-close")
	time.Sleep(50 * time.Millisecond)
	for range sess.Events() {
	}
}

func TestHeartbeat(t *testing.T) {
	store := &fakeStore{}
	b := NewBroadcaster(store, Options{
		PollInterval:      time.Hour,
		HeartbeatInterval: 15 * time.Millisecond,
	})
	defer b.Close()

	sess, err := b.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitForEvent(t, sess, EventConnected)
	event := waitForEvent(t, sess, EventHeartbeat)
	if event.Timestamp == "" {
		t.Fatal("heartbeat missing timestamp")
	}
}

func TestStalledSessionIsPruned(t *testing.T) {
	store := &fakeStore{}
	b := NewBroadcaster(store, Options{
		PollInterval:  10 * time.Millisecond,
		SessionBuffer: 1,
	})
	defer b.Close()

	stalled, err := b.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// Never drain: the connected event already occupies the only buffer slot.
	_ = stalled

	active, err := b.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitForEvent(t, active, EventConnected)

	for i := 0; i < 4; i++ {
		store.prepend(fmt.Sprintf("sub-%d", i))
		waitForEvent(t, active, EventNewSubmission)
	}

	deadline := time.After(2 * time.Second)
	for b.SessionCount() != 1 {
		select {
		case <-deadline:
			t.Fatalf("stalled session was not pruned, count = %d", b.SessionCount())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	b := NewBroadcaster(&fakeStore{}, Options{})
	b.Close()
	if _, err := b.Subscribe(); err == nil {
		t.Fatal("expected error subscribing to a closed broadcaster")
	}
}

func TestCloseDuringConcurrentSubscribes(t *testing.T) {
	store := &fakeStore{}
	store.prepend("sub-1")
	b := NewBroadcaster(store, Options{PollInterval: time.Millisecond, HeartbeatInterval: time.Millisecond})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				sess, err := b.Subscribe()
				if err != nil {
					return
				}
				// Drain whatever arrives before the channel closes; the
				// connected event is guaranteed buffered at subscribe time.
				<-sess.Events()
				b.Unsubscribe(sess.ID)
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	b.Close()
	wg.Wait()

	if _, err := b.Subscribe(); err == nil {
		t.Fatal("expected error subscribing after close")
	}
	if b.SessionCount() != 0 {
		t.Fatalf("sessions left open after close: %d", b.SessionCount())
	}
}
