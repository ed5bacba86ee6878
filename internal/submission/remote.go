package submission

import (
	"context"
	"sync"
)

// RemoteStoreClient is the narrow interface to the remote store of record.
// Implementations classify unreachable/timeout failures as TransientStoreError
// so callers can hand the submission to the sync queue instead of failing.
type RemoteStoreClient interface {
	Save(ctx context.Context, sub Submission) error
	Get(ctx context.Context, id string) (Submission, error)
	Delete(ctx context.Context, id string) error
}

// MemoryRemoteStore is the in-process remote store used by the memory backend
// profile and by tests.
type MemoryRemoteStore struct {
	mu          sync.RWMutex
	submissions map[string]Submission
	unavailable bool
}

func NewMemoryRemoteStore() *MemoryRemoteStore {
	return &MemoryRemoteStore{
		submissions: map[string]Submission{},
	}
}

// SetAvailable toggles simulated reachability. While unavailable every call
// fails with a TransientStoreError.
func (m *MemoryRemoteStore) SetAvailable(available bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = !available
}

func (m *MemoryRemoteStore) Save(ctx context.Context, sub Submission) error {
	if err := ctx.Err(); err != nil {
		return &TransientStoreError{Op: "save", Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return &TransientStoreError{Op: "save", Err: ErrTransientStore}
	}
	m.submissions[sub.ID] = sub
	return nil
}

func (m *MemoryRemoteStore) Get(ctx context.Context, id string) (Submission, error) {
	if err := ctx.Err(); err != nil {
		return Submission{}, &TransientStoreError{Op: "get", Err: err}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.unavailable {
		return Submission{}, &TransientStoreError{Op: "get", Err: ErrTransientStore}
	}
	sub, ok := m.submissions[id]
	if !ok {
		return Submission{}, ErrNotFound
	}
	return sub, nil
}

func (m *MemoryRemoteStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return &TransientStoreError{Op: "delete", Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return &TransientStoreError{Op: "delete", Err: ErrTransientStore}
	}
	delete(m.submissions, id)
	return nil
}

func (m *MemoryRemoteStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.submissions)
}
