package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Marwenrb/TikCredit-Pro-sub000/internal/submission"
)

const (
	EventConnected     = "connected"
	EventNewSubmission = "new_submission"
	EventCountUpdate   = "count_update"
	EventHeartbeat     = "heartbeat"
)

// Event is one message on the realtime wire. Every event carries at least
// type and timestamp; the remaining fields depend on the type.
type Event struct {
	Type         string                 `json:"type"`
	Timestamp    string                 `json:"timestamp"`
	SessionID    string                 `json:"sessionId,omitempty"`
	OpenSessions int                    `json:"openSessions,omitempty"`
	SubmissionID string                 `json:"submissionId,omitempty"`
	TotalCount   *int                   `json:"totalCount,omitempty"`
	Submission   *submission.Submission `json:"submission,omitempty"`
}

// StoreReader is the slice of the authoritative store the broadcaster polls.
type StoreReader interface {
	ReadAll() ([]submission.Submission, error)
}

// Session is one open dashboard connection. The transport goroutine drains
// Events and deregisters on write failure.
type Session struct {
	ID              string
	OpenedAt        time.Time
	LastHeartbeatAt time.Time
	events          chan Event
	closeOnce       sync.Once
}

// Events is the stream the transport must drain.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.events)
	})
}

type Options struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	SessionBuffer     int
	Logger            *slog.Logger
}

// Broadcaster maintains open dashboard sessions and fans out change events
// detected by polling the authoritative store. One shared timer serves all
// sessions and runs only while at least one session is open. Delivery is
// at-least-once for sessions open at the moment of change; no replay log is
// kept, so reconnecting dashboards must refetch the full list.
type Broadcaster struct {
	store             StoreReader
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	sessionBuffer     int
	logger            *slog.Logger

	mu         sync.Mutex
	sessions   map[string]*Session
	lastID     string
	lastCount  int
	primed     bool
	pollCancel context.CancelFunc
	pollDone   chan struct{}

	nudge      chan struct{}
	watcher    *fsnotify.Watcher
	sessionSeq uint64
	closed     bool
}

func NewBroadcaster(store StoreReader, opts Options) *Broadcaster {
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	heartbeatInterval := opts.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	sessionBuffer := opts.SessionBuffer
	if sessionBuffer <= 0 {
		sessionBuffer = 16
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		store:             store,
		pollInterval:      pollInterval,
		heartbeatInterval: heartbeatInterval,
		sessionBuffer:     sessionBuffer,
		logger:            logger,
		sessions:          map[string]*Session{},
		nudge:             make(chan struct{}, 1),
	}
}

// WatchFile wakes the poll loop early when the store file changes. The poll
// comparison remains the change detector; the watch only shortens latency.
func (b *Broadcaster) WatchFile(path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: the store is replaced by rename, and watching the
	// file itself would be lost on the first swap.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return err
	}
	target := filepath.Clean(path)
	b.mu.Lock()
	b.watcher = watcher
	b.mu.Unlock()
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
					select {
					case b.nudge <- struct{}{}:
					default:
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				b.logger.Warn("store watch error", "error", err)
			}
		}
	}()
	return nil
}

// Subscribe registers a dashboard session and emits the connected event. The
// first subscriber starts the shared poll loop.
func (b *Broadcaster) Subscribe() (*Session, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("broadcaster closed")
	}
	b.sessionSeq++
	now := time.Now()
	sess := &Session{
		ID:              fmt.Sprintf("conn_%d_%d", now.UnixMilli(), b.sessionSeq),
		OpenedAt:        now,
		LastHeartbeatAt: now,
		events:          make(chan Event, b.sessionBuffer),
	}
	b.sessions[sess.ID] = sess
	open := len(b.sessions)
	if open == 1 {
		b.primeLocked()
		ctx, cancel := context.WithCancel(context.Background())
		b.pollCancel = cancel
		b.pollDone = make(chan struct{})
		go b.pollLoop(ctx, b.pollDone)
	}
	total := b.lastCount
	// Buffer the connected event before releasing the lock: once the session
	// is visible in b.sessions, Unsubscribe or Close may close the channel,
	// and a send after that panics. The fresh channel always has room.
	sess.events <- Event{
		Type:         EventConnected,
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		SessionID:    sess.ID,
		OpenSessions: open,
		TotalCount:   &total,
	}
	b.mu.Unlock()
	return sess, nil
}

// Unsubscribe deregisters and closes the session. The last departure stops
// the shared poll loop.
func (b *Broadcaster) Unsubscribe(sessionID string) {
	b.mu.Lock()
	sess, ok := b.sessions[sessionID]
	if ok {
		delete(b.sessions, sessionID)
	}
	var cancel context.CancelFunc
	if ok && len(b.sessions) == 0 {
		cancel = b.pollCancel
		b.pollCancel = nil
	}
	// Close under the lock so no send in Subscribe or fanout can race the
	// close. All sends hold the same lock and are nonblocking.
	if sess != nil {
		sess.close()
	}
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (b *Broadcaster) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sess := range b.sessions {
		sess.close()
	}
	b.sessions = map[string]*Session{}
	cancel := b.pollCancel
	b.pollCancel = nil
	watcher := b.watcher
	b.watcher = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if watcher != nil {
		_ = watcher.Close()
	}
}

// primeLocked records the current store state so the first poll after a
// subscription does not replay history as fresh changes.
func (b *Broadcaster) primeLocked() {
	subs, err := b.store.ReadAll()
	if err != nil {
		b.logger.Warn("failed to prime broadcaster state", "error", err)
		return
	}
	b.lastCount = len(subs)
	if len(subs) > 0 {
		b.lastID = subs[0].ID
	} else {
		b.lastID = ""
	}
	b.primed = true
}

func (b *Broadcaster) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	poll := time.NewTicker(b.pollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(b.heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			b.checkForChanges()
		case <-b.nudge:
			b.checkForChanges()
		case <-heartbeat.C:
			b.sendHeartbeat()
		}
	}
}

// checkForChanges compares the newest submission id and total count against
// the last observed values and fans out one event per change.
func (b *Broadcaster) checkForChanges() {
	subs, err := b.store.ReadAll()
	if err != nil {
		b.logger.Warn("broadcaster poll failed", "error", err)
		return
	}
	count := len(subs)
	newestID := ""
	var newest *submission.Submission
	if count > 0 {
		newestID = subs[0].ID
		newest = &subs[0]
	}

	b.mu.Lock()
	changedNewest := b.primed && newestID != "" && newestID != b.lastID
	changedCount := b.primed && count != b.lastCount
	b.lastID = newestID
	b.lastCount = count
	b.primed = true
	b.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if changedNewest {
		b.fanout(Event{
			Type:         EventNewSubmission,
			Timestamp:    now,
			SubmissionID: newestID,
			Submission:   newest,
		})
	}
	if changedCount {
		total := count
		b.fanout(Event{
			Type:       EventCountUpdate,
			Timestamp:  now,
			TotalCount: &total,
		})
	}
}

func (b *Broadcaster) sendHeartbeat() {
	now := time.Now()
	b.mu.Lock()
	for _, sess := range b.sessions {
		sess.LastHeartbeatAt = now
	}
	b.mu.Unlock()
	b.fanout(Event{
		Type:      EventHeartbeat,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	})
}

// fanout delivers the event to every open session. A session that cannot
// accept it (transport stalled, buffer full) is pruned.
func (b *Broadcaster) fanout(event Event) {
	b.mu.Lock()
	var stalled []string
	for _, sess := range b.sessions {
		select {
		case sess.events <- event:
		default:
			stalled = append(stalled, sess.ID)
		}
	}
	b.mu.Unlock()

	for _, id := range stalled {
		b.logger.Info("pruning stalled realtime session", "session", id)
		b.Unsubscribe(id)
	}
}
