package submission

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresSubmissionTable  = "tikcredit_submissions"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresRemoteStore persists submissions in Postgres. The connection and
// schema are initialized lazily on first use; every failure to reach the
// database surfaces as a TransientStoreError so the sync queue can retry.
type PostgresRemoteStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresRemoteStore(dsn string) (*PostgresRemoteStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresRemoteStore{
		dsn:       dsn,
		tableName: postgresSubmissionTable,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresRemoteStore) Save(ctx context.Context, sub Submission) error {
	if err := s.ensureReady(); err != nil {
		return &TransientStoreError{Op: "save", Err: err}
	}
	payload, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, record, status, submitted_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id)
		DO UPDATE SET record = EXCLUDED.record, status = EXCLUDED.status, updated_at = NOW()`,
		postgresQuoteIdentifier(s.tableName))
	if _, err := s.db.ExecContext(ctx, query, sub.ID, string(payload), string(sub.Status), sub.Timestamp); err != nil {
		return &TransientStoreError{Op: "save", Err: err}
	}
	return nil
}

func (s *PostgresRemoteStore) Get(ctx context.Context, id string) (Submission, error) {
	if err := s.ensureReady(); err != nil {
		return Submission{}, &TransientStoreError{Op: "get", Err: err}
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT record FROM %s WHERE id = $1", postgresQuoteIdentifier(s.tableName))
	var payload string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Submission{}, ErrNotFound
	}
	if err != nil {
		return Submission{}, &TransientStoreError{Op: "get", Err: err}
	}
	var sub Submission
	if err := json.Unmarshal([]byte(payload), &sub); err != nil {
		return Submission{}, err
	}
	return sub, nil
}

func (s *PostgresRemoteStore) Delete(ctx context.Context, id string) error {
	if err := s.ensureReady(); err != nil {
		return &TransientStoreError{Op: "delete", Err: err}
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", postgresQuoteIdentifier(s.tableName))
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return &TransientStoreError{Op: "delete", Err: err}
	}
	return nil
}

func (s *PostgresRemoteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresRemoteStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				record TEXT NOT NULL,
				status TEXT NOT NULL,
				submitted_at TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

// opContext bounds the operation when the caller did not supply a deadline.
func (s *PostgresRemoteStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, postgresOperationTimeout)
}

func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
