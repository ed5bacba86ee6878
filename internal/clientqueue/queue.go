// Package clientqueue is the device-side durable queue used by intake
// frontends. Submissions are written to a local SQLite database before any
// network attempt, so a crash or connectivity loss never discards a filled
// form. A single draft slot additionally preserves the in-progress form.
package clientqueue

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Marwenrb/TikCredit-Pro-sub000/internal/submission"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS submission_queue (
  local_id   TEXT PRIMARY KEY,
  payload    TEXT NOT NULL,
  status     TEXT NOT NULL DEFAULT 'pending',
  created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_submission_queue_status ON submission_queue(status, created_at);

CREATE TABLE IF NOT EXISTS submission_draft (
  slot       INTEGER PRIMARY KEY CHECK (slot = 1),
  payload    TEXT NOT NULL,
  updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// TokenFunc supplies the bearer token for server calls. It may return an
// empty string when the client is unauthenticated.
type TokenFunc func(ctx context.Context) (string, error)

type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Queue is the durable client-side submission queue. All writes are
// serialized through writeMu because SQLite allows one writer at a time.
type Queue struct {
	db         *sql.DB
	baseURL    string
	tokenFunc  TokenFunc
	httpClient *http.Client
	logger     *slog.Logger
	writeMu    sync.Mutex
}

// PendingItem is one queued submission awaiting delivery.
type PendingItem struct {
	LocalID   string
	Payload   json.RawMessage
	CreatedAt time.Time
}

func New(db *sql.DB, baseURL string, tokenFunc TokenFunc, opts Options) (*Queue, error) {
	if db == nil {
		return nil, fmt.Errorf("clientqueue: nil database")
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("clientqueue: initialize schema: %w", err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		db:         db,
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokenFunc:  tokenFunc,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Enqueue records the payload durably and returns its local id. The record
// exists before any network traffic happens.
func (q *Queue) Enqueue(ctx context.Context, payload json.RawMessage) (string, error) {
	localID := uuid.NewString()
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	// Creation time is recorded with full precision so the resync order is
	// stable even for rapid successive enqueues.
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO submission_queue (local_id, payload, status, created_at) VALUES (?, ?, 'pending', ?)`,
		localID, string(payload), time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("clientqueue: enqueue: %w", err)
	}
	return localID, nil
}

// MarkSynced flips a queued record to synced. Synced records are retained
// until Prune so the client can show recent history offline.
func (q *Queue) MarkSynced(ctx context.Context, localID string) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	res, err := q.db.ExecContext(ctx,
		`UPDATE submission_queue SET status = 'synced' WHERE local_id = ?`, localID)
	if err != nil {
		return fmt.Errorf("clientqueue: mark synced: %w", err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("clientqueue: unknown local id %s", localID)
	}
	return nil
}

// ListUnsynced returns pending records in creation order.
func (q *Queue) ListUnsynced(ctx context.Context) ([]PendingItem, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT local_id, payload, created_at FROM submission_queue
		 WHERE status = 'pending' ORDER BY created_at, local_id`)
	if err != nil {
		return nil, fmt.Errorf("clientqueue: list unsynced: %w", err)
	}
	defer rows.Close()
	var items []PendingItem
	for rows.Next() {
		var item PendingItem
		var payload string
		if err := rows.Scan(&item.LocalID, &payload, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("clientqueue: scan: %w", err)
		}
		item.Payload = json.RawMessage(payload)
		items = append(items, item)
	}
	return items, rows.Err()
}

// Submit is the normal online path: persist locally, deliver to the server,
// mark synced and clear the draft slot. On delivery failure the record stays
// pending for a later Resync and the local id is still returned.
func (q *Queue) Submit(ctx context.Context, payload json.RawMessage) (string, *submission.IntakeResult, error) {
	localID, err := q.Enqueue(ctx, payload)
	if err != nil {
		return "", nil, err
	}
	result, err := q.deliver(ctx, payload)
	if err != nil {
		q.logger.Warn("submission stored locally, delivery deferred", "localId", localID, "error", err)
		return localID, nil, err
	}
	if err := q.MarkSynced(ctx, localID); err != nil {
		return localID, result, err
	}
	if err := q.ClearDraft(ctx); err != nil {
		q.logger.Warn("failed to clear draft after submit", "error", err)
	}
	return localID, result, nil
}

// Resync attempts delivery of every pending record in order. A failed item
// is left pending and does not block the ones after it.
func (q *Queue) Resync(ctx context.Context) (delivered int, err error) {
	items, err := q.ListUnsynced(ctx)
	if err != nil {
		return 0, err
	}
	var firstErr error
	for _, item := range items {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if _, err := q.deliver(ctx, item.Payload); err != nil {
			q.logger.Warn("resync delivery failed", "localId", item.LocalID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := q.MarkSynced(ctx, item.LocalID); err != nil {
			q.logger.Warn("resync mark synced failed", "localId", item.LocalID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delivered++
	}
	return delivered, firstErr
}

// Online is the connectivity-restored hook: it drains the backlog.
func (q *Queue) Online(ctx context.Context) {
	if delivered, err := q.Resync(ctx); err != nil {
		q.logger.Warn("backlog drain incomplete", "delivered", delivered, "error", err)
	} else if delivered > 0 {
		q.logger.Info("backlog drained", "delivered", delivered)
	}
}

// SaveDraft overwrites the single draft slot.
func (q *Queue) SaveDraft(ctx context.Context, payload json.RawMessage) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO submission_draft (slot, payload, updated_at) VALUES (1, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(slot) DO UPDATE SET payload = excluded.payload, updated_at = CURRENT_TIMESTAMP`,
		string(payload))
	if err != nil {
		return fmt.Errorf("clientqueue: save draft: %w", err)
	}
	return nil
}

// LoadDraft returns the saved draft, or (nil, nil) when the slot is empty.
func (q *Queue) LoadDraft(ctx context.Context) (json.RawMessage, error) {
	var payload string
	err := q.db.QueryRowContext(ctx,
		`SELECT payload FROM submission_draft WHERE slot = 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("clientqueue: load draft: %w", err)
	}
	return json.RawMessage(payload), nil
}

func (q *Queue) ClearDraft(ctx context.Context) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	if _, err := q.db.ExecContext(ctx, `DELETE FROM submission_draft WHERE slot = 1`); err != nil {
		return fmt.Errorf("clientqueue: clear draft: %w", err)
	}
	return nil
}

// Prune removes synced records, keeping the pending backlog intact.
func (q *Queue) Prune(ctx context.Context) (int64, error) {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	res, err := q.db.ExecContext(ctx, `DELETE FROM submission_queue WHERE status = 'synced'`)
	if err != nil {
		return 0, fmt.Errorf("clientqueue: prune: %w", err)
	}
	return res.RowsAffected()
}

func (q *Queue) deliver(ctx context.Context, payload json.RawMessage) (*submission.IntakeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		q.baseURL+"/v1/submissions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if q.tokenFunc != nil {
		token, err := q.tokenFunc(ctx)
		if err != nil {
			return nil, fmt.Errorf("clientqueue: token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	resp, err := q.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("clientqueue: server returned %d", resp.StatusCode)
	}
	var result submission.IntakeResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("clientqueue: decode response: %w", err)
	}
	return &result, nil
}
