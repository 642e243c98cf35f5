package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"autograder/pkg/utils/contextkey"
)

const (
	evaluatePath         = "/evaluate"
	defaultNotifyTimeout = 10 * time.Second
	maxErrorBodyBytes    = 512
	traceIDHeader        = "X-Trace-Id"
	internalTokenHeader  = "X-Internal-Token"
)

// Notification is the request body sent to the grading worker.
type Notification struct {
	SubmissionID int64  `json:"submissionId"`
	FilePath     string `json:"filePath"`
}

// Notifier tells the grading worker that a submission is ready.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// HTTPNotifier posts notifications to the worker's evaluate endpoint.
// Only the status code matters; the response body is discarded.
type HTTPNotifier struct {
	client   *http.Client
	endpoint string
	token    string
}

// NewHTTPNotifier creates a notifier for workerURL. Every call is bounded by timeout.
func NewHTTPNotifier(workerURL string, timeout time.Duration, token string) (*HTTPNotifier, error) {
	base := strings.TrimRight(strings.TrimSpace(workerURL), "/")
	if base == "" {
		return nil, fmt.Errorf("worker url is required")
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid worker url %q", workerURL)
	}
	if timeout <= 0 {
		timeout = defaultNotifyTimeout
	}
	return &HTTPNotifier{
		client:   &http.Client{Timeout: timeout},
		endpoint: base + evaluatePath,
		token:    token,
	}, nil
}

func (n *HTTPNotifier) Notify(ctx context.Context, note Notification) error {
	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("encode notification failed: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build worker request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set(internalTokenHeader, n.token)
	}
	if traceID, ok := ctx.Value(contextkey.TraceID).(string); ok && traceID != "" {
		req.Header.Set(traceIDHeader, traceID)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		msg := strings.TrimSpace(string(snippet))
		if msg == "" {
			return fmt.Errorf("worker responded %d", resp.StatusCode)
		}
		return fmt.Errorf("worker responded %d: %s", resp.StatusCode, msg)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

var _ Notifier = (*HTTPNotifier)(nil)
