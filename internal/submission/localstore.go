package submission

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const localStoreVersion = 1

// storeFile is the on-disk envelope of the local store. Unknown fields are
// ignored on read so newer writers stay readable.
type storeFile struct {
	Version     int          `json:"version"`
	CreatedAt   string       `json:"createdAt"`
	LastUpdated string       `json:"lastUpdated"`
	TotalCount  int          `json:"totalCount"`
	Submissions []Submission `json:"submissions"`
}

// LocalStore is the file-backed store of record when the remote store is
// unavailable. Every mutation is a read-mutate-serialize-rename cycle; the
// rename is the atomicity boundary, so a reader only ever observes a fully
// written file. The cycle is not safe across multiple processes.
type LocalStore struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
	now    func() time.Time
}

func NewLocalStore(path string, logger *slog.Logger) (*LocalStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalStore{
		path:   path,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Path returns the store file location, for change watchers.
func (s *LocalStore) Path() string {
	return s.path
}

// Upsert inserts or replaces the submission by id. New submissions are
// prepended so the collection stays newest-first.
func (s *LocalStore) Upsert(sub Submission) error {
	if strings.TrimSpace(sub.ID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	file := s.loadLocked()
	replaced := false
	for i := range file.Submissions {
		if file.Submissions[i].ID == sub.ID {
			file.Submissions[i] = sub
			replaced = true
			break
		}
	}
	if !replaced {
		file.Submissions = append([]Submission{sub}, file.Submissions...)
	}
	return s.saveLocked(file)
}

// ReadAll returns every submission, newest first.
func (s *LocalStore) ReadAll() ([]Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	file := s.loadLocked()
	return append([]Submission(nil), file.Submissions...), nil
}

func (s *LocalStore) Get(id string) (Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	file := s.loadLocked()
	for _, sub := range file.Submissions {
		if sub.ID == id {
			return sub, nil
		}
	}
	return Submission{}, ErrNotFound
}

func (s *LocalStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	file := s.loadLocked()
	for i := range file.Submissions {
		if file.Submissions[i].ID == id {
			file.Submissions = append(file.Submissions[:i], file.Submissions[i+1:]...)
			return s.saveLocked(file)
		}
	}
	return ErrNotFound
}

// loadLocked reads the current file. A missing or malformed file is treated
// as an empty structure, never a hard failure; corruption is logged and the
// next write self-heals it. A legacy bare-array file is accepted and upgraded
// to the versioned envelope on the next write.
func (s *LocalStore) loadLocked() *storeFile {
	empty := &storeFile{
		Version:     localStoreVersion,
		CreatedAt:   timestampNow(s.now()),
		Submissions: []Submission{},
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("local store unreadable, starting empty", "path", s.path, "error", err)
		}
		return empty
	}
	var file storeFile
	if err := json.Unmarshal(data, &file); err == nil {
		if file.Version == 0 {
			file.Version = localStoreVersion
		}
		if file.CreatedAt == "" {
			file.CreatedAt = empty.CreatedAt
		}
		if file.Submissions == nil {
			file.Submissions = []Submission{}
		}
		return &file
	}
	var legacy []Submission
	if err := json.Unmarshal(data, &legacy); err == nil {
		s.logger.Info("local store in legacy array format, upgrading on next write", "path", s.path, "count", len(legacy))
		empty.Submissions = legacy
		return empty
	}
	s.logger.Warn("local store corrupt, starting empty", "path", s.path)
	return empty
}

// saveLocked writes the whole structure to a temp path then renames it over
// the target. Failures clean up the temp file and are propagated to the
// caller as a PersistentStoreError.
func (s *LocalStore) saveLocked(file *storeFile) error {
	file.Version = localStoreVersion
	file.LastUpdated = timestampNow(s.now())
	file.TotalCount = len(file.Submissions)
	data, err := json.Marshal(file)
	if err != nil {
		return &PersistentStoreError{Op: "encode", Err: err}
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &PersistentStoreError{Op: "mkdir", Err: err}
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return &PersistentStoreError{Op: "write", Err: err}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return &PersistentStoreError{Op: "rename", Err: err}
	}
	return nil
}
