package submission

import "time"

type Status string

const (
	StatusPending Status = "pending"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
)

// Payload holds the normalized form fields of one loan application.
type Payload map[string]any

// Submission is one loan-application record. The id is minted once at intake
// and never reused or mutated.
type Submission struct {
	ID             string  `json:"id"`
	Timestamp      string  `json:"timestamp"`
	Data           Payload `json:"data"`
	Status         Status  `json:"status"`
	RetryCount     int     `json:"retryCount"`
	LastError      string  `json:"lastError,omitempty"`
	SyncedToRemote bool    `json:"syncedToRemote"`
	IP             string  `json:"ip,omitempty"`
	UserAgent      string  `json:"userAgent,omitempty"`
}

// RequestMeta carries request metadata recorded alongside a submission.
type RequestMeta struct {
	IP        string
	UserAgent string
}

type PersistedTo struct {
	Local  bool `json:"local"`
	Remote bool `json:"remote"`
}

// IntakeResult is the outcome of one intake call. Duplicate is a successful
// outcome: no new record was created and SubmissionID is empty.
type IntakeResult struct {
	Success      bool        `json:"success"`
	SubmissionID string      `json:"submissionId,omitempty"`
	Persisted    bool        `json:"persisted"`
	Duplicate    bool        `json:"duplicate"`
	PersistedTo  PersistedTo `json:"persistedTo"`
}

// SyncQueueItem tracks one submission awaiting delivery to the remote store.
// An item exists iff its submission's status is pending.
type SyncQueueItem struct {
	SubmissionID string `json:"submissionId"`
	Attempts     int    `json:"attempts"`
	LastAttempt  string `json:"lastAttempt,omitempty"`
	NextRetry    string `json:"nextRetry,omitempty"`
	Error        string `json:"error,omitempty"`
}

func timestampNow(now time.Time) string {
	return now.UTC().Format(time.RFC3339Nano)
}
