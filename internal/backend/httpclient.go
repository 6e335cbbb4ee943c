package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/telehealth-voice-lab/internal/logging"
)

// StatusError is returned for non-2xx responses that are not retried.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// PostJSON POSTs body as JSON and retries transport errors and 5xx
// responses with exponential backoff (200ms, 400ms, ...). attempts <= 0
// means one attempt. Each attempt is bounded by timeout.
func PostJSON(ctx context.Context, client *http.Client, url string, body interface{}, authToken string, timeout time.Duration, attempts int, correlationID string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("backend: encode body: %w", err)
	}
	if attempts <= 0 {
		attempts = 1
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			backoff := time.Duration(200*(1<<(i-1))) * time.Millisecond
			select {
			case <-ctx.Done():
				return fmt.Errorf("backend: %w (last error: %v)", ctx.Err(), lastErr)
			case <-time.After(backoff):
			}
		}
		retry, err := postOnce(ctx, client, url, payload, authToken, timeout, correlationID)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
		logging.Debugw("backend: POST attempt failed", "url", url, "attempt", i+1, "err", err, "correlation_id", correlationID)
	}
	return lastErr
}

func postOnce(ctx context.Context, client *http.Client, url string, payload []byte, authToken string, timeout time.Duration, correlationID string) (retry bool, err error) {
	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("backend: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	if correlationID != "" {
		req.Header.Set("X-Correlation-ID", correlationID)
	}
	resp, err := client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("backend: POST %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	serr := &StatusError{Method: http.MethodPost, URL: url, Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	return resp.StatusCode >= 500, serr
}
