package httpapi

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Marwenrb/TikCredit-Pro-sub000/internal/submission"
)

var exportHeader = []string{
	"id", "timestamp", "status", "fullName", "email", "phone", "amount",
	"retryCount", "syncedToRemote",
}

// handleExport streams the full submission list as CSV for back-office use.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, correlationID string) {
	subs, err := s.local.ReadAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	filename := fmt.Sprintf("submissions-%s.csv", time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(filename))
	w.WriteHeader(http.StatusOK)

	writer := csv.NewWriter(w)
	_ = writer.Write(exportHeader)
	for _, sub := range subs {
		if err := writer.Write(exportRow(sub)); err != nil {
			break
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		// Status is already committed; the download arrives truncated.
		s.logger.Warn("csv export interrupted mid-stream", "error", err, "correlationId", correlationID)
	}
}

func exportRow(sub submission.Submission) []string {
	return []string{
		sub.ID,
		sub.Timestamp,
		string(sub.Status),
		payloadString(sub.Data, "fullName"),
		payloadString(sub.Data, "email"),
		payloadString(sub.Data, "phone"),
		payloadString(sub.Data, "amount"),
		strconv.Itoa(sub.RetryCount),
		strconv.FormatBool(sub.SyncedToRemote),
	}
}

func payloadString(data submission.Payload, key string) string {
	value, ok := data[key]
	if !ok || value == nil {
		return ""
	}
	switch typed := value.(type) {
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", typed)
	}
}
