package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/szaher/gitsync/internal/state"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is
// configured.
const SignatureHeader = "X-Gitsync-Signature"

// Payload is the JSON body posted for each record.
type Payload struct {
	Event  string           `json:"event"`
	Record state.SyncRecord `json:"record"`
}

// Webhook posts records to an HTTP endpoint, retrying on 5xx responses and
// connection errors.
type Webhook struct {
	URL     string
	Secret  string
	Headers map[string]string

	client *retryablehttp.Client
}

// NewWebhook creates a Webhook notifier.
func NewWebhook(url, secret string, retryMax int, timeout time.Duration) *Webhook {
	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil
	if timeout > 0 {
		client.HTTPClient.Timeout = timeout
	}
	return &Webhook{URL: url, Secret: secret, client: client}
}

// Notify implements Notifier.
func (w *Webhook) Notify(ctx context.Context, rec state.SyncRecord) error {
	body, err := json.Marshal(Payload{Event: "sync.recorded", Record: rec})
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}
	if w.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(w.Secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
