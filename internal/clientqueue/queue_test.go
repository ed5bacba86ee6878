package clientqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testServer(t *testing.T, failures *int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/submissions" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if failures != nil && atomic.AddInt32(failures, -1) >= 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"submissionId": "srv-1",
			"persisted":    true,
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestEnqueueBeforeNetwork(t *testing.T) {
	db := openTestDB(t)
	// No server at all: delivery must fail, the record must survive.
	q, err := New(db, "http://127.0.0.1:1", nil, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	localID, _, err := q.Submit(ctx, json.RawMessage(`{"fullName":"Test User"}`))
	if err == nil {
		t.Fatal("expected delivery error with no server")
	}
	if localID == "" {
		t.Fatal("local id must be assigned even when delivery fails")
	}
	items, err := q.ListUnsynced(ctx)
	if err != nil {
		t.Fatalf("ListUnsynced: %v", err)
	}
	if len(items) != 1 || items[0].LocalID != localID {
		t.Fatalf("pending backlog = %+v, want the failed submission", items)
	}
}

func TestResyncDeliversInOrderAndSkipsFailures(t *testing.T) {
	db := openTestDB(t)
	failures := int32(1)
	server := testServer(t, &failures)
	q, err := New(db, server.URL, nil, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	first, err := q.Enqueue(ctx, json.RawMessage(`{"n":1}`))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	second, err := q.Enqueue(ctx, json.RawMessage(`{"n":2}`))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// First delivery attempt fails; the item stays pending and the second
	// one still goes through.
	delivered, err := q.Resync(ctx)
	if err == nil {
		t.Fatal("expected a partial-failure error from first resync")
	}
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
	items, err := q.ListUnsynced(ctx)
	if err != nil {
		t.Fatalf("ListUnsynced: %v", err)
	}
	if len(items) != 1 || items[0].LocalID != first {
		t.Fatalf("remaining backlog = %+v, want only %s", items, first)
	}

	delivered, err = q.Resync(ctx)
	if err != nil {
		t.Fatalf("second resync: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
	items, _ = q.ListUnsynced(ctx)
	if len(items) != 0 {
		t.Fatalf("backlog not empty after resync: %+v", items)
	}
	_ = second
}

func TestSubmitSuccessMarksSyncedAndClearsDraft(t *testing.T) {
	db := openTestDB(t)
	var gotToken string
	token := func(ctx context.Context) (string, error) { return "tkn-1", nil }
	probe := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"submissionId": "srv-2", "persisted": true})
	}))
	defer probe.Close()

	q, err := New(db, probe.URL, token, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if err := q.SaveDraft(ctx, json.RawMessage(`{"fullName":"Draft"}`)); err != nil {
		t.Fatalf("SaveDraft: %v", err)
	}
	localID, result, err := q.Submit(ctx, json.RawMessage(`{"fullName":"Final"}`))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result == nil || result.SubmissionID != "srv-2" {
		t.Fatalf("result = %+v, want server submission id", result)
	}
	if gotToken != "Bearer tkn-1" {
		t.Fatalf("authorization header = %q", gotToken)
	}
	items, _ := q.ListUnsynced(ctx)
	if len(items) != 0 {
		t.Fatalf("submission %s still pending after success", localID)
	}
	draft, err := q.LoadDraft(ctx)
	if err != nil {
		t.Fatalf("LoadDraft: %v", err)
	}
	if draft != nil {
		t.Fatalf("draft not cleared after submit: %s", draft)
	}
}

func TestDraftSlotOverwrites(t *testing.T) {
	db := openTestDB(t)
	q, err := New(db, "http://127.0.0.1:1", nil, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if draft, err := q.LoadDraft(ctx); err != nil || draft != nil {
		t.Fatalf("empty slot: draft=%s err=%v", draft, err)
	}
	if err := q.SaveDraft(ctx, json.RawMessage(`{"v":1}`)); err != nil {
		t.Fatalf("SaveDraft: %v", err)
	}
	if err := q.SaveDraft(ctx, json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatalf("SaveDraft overwrite: %v", err)
	}
	draft, err := q.LoadDraft(ctx)
	if err != nil {
		t.Fatalf("LoadDraft: %v", err)
	}
	var decoded struct{ V int }
	if err := json.Unmarshal(draft, &decoded); err != nil || decoded.V != 2 {
		t.Fatalf("draft = %s, want latest version", draft)
	}
	if err := q.ClearDraft(ctx); err != nil {
		t.Fatalf("ClearDraft: %v", err)
	}
	if draft, _ := q.LoadDraft(ctx); draft != nil {
		t.Fatalf("draft survived clear: %s", draft)
	}
}

func TestPruneKeepsPending(t *testing.T) {
	db := openTestDB(t)
	server := testServer(t, nil)
	q, err := New(db, server.URL, nil, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	pending, err := q.Enqueue(ctx, json.RawMessage(`{"n":1}`))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	synced, _, err := q.Submit(ctx, json.RawMessage(`{"n":2}`))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_ = synced

	removed, err := q.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("pruned %d rows, want 1", removed)
	}
	items, _ := q.ListUnsynced(ctx)
	if len(items) != 1 || items[0].LocalID != pending {
		t.Fatalf("pending backlog after prune = %+v", items)
	}
}
