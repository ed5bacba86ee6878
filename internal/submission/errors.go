package submission

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation failed")
	ErrTransientStore  = errors.New("remote store unavailable")
	ErrPersistentStore = errors.New("local store write failed")
	ErrSyncExhausted   = errors.New("sync retries exhausted")
	ErrInvalidInput    = errors.New("invalid input")
)

// TransientStoreError marks a remote-store failure that is safe to retry.
// Timeouts and connection errors against the remote store are wrapped in it.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	if e.Err == nil {
		return "transient store error: " + e.Op
	}
	return "transient store error: " + e.Op + ": " + e.Err.Error()
}

func (e *TransientStoreError) Is(target error) bool {
	return target == ErrTransientStore
}

func (e *TransientStoreError) Unwrap() error {
	return e.Err
}

// PersistentStoreError marks a local filesystem write failure. It is the last
// line of defense against data loss, so it is never swallowed.
type PersistentStoreError struct {
	Op  string
	Err error
}

func (e *PersistentStoreError) Error() string {
	if e.Err == nil {
		return "persistent store error: " + e.Op
	}
	return "persistent store error: " + e.Op + ": " + e.Err.Error()
}

func (e *PersistentStoreError) Is(target error) bool {
	return target == ErrPersistentStore
}

func (e *PersistentStoreError) Unwrap() error {
	return e.Err
}
