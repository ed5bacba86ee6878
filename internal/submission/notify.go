package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WebhookNotifier posts new-submission notifications to a downstream HTTP
// endpoint. Callers dispatch it detached; it only ever returns an error to
// its logging sink.
type WebhookNotifier struct {
	endpoint   string
	httpClient *http.Client
}

func NewWebhookNotifier(endpoint string, httpClient *http.Client) (*WebhookNotifier, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, ErrInvalidInput
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{
		endpoint:   endpoint,
		httpClient: httpClient,
	}, nil
}

func (n *WebhookNotifier) Notify(ctx context.Context, submissionID string, payload Payload) error {
	body, err := json.Marshal(map[string]any{
		"submissionId": submissionID,
		"payload":      payload,
		"timestamp":    timestampNow(time.Now()),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}
