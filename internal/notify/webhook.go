package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/taskhold/internal/idgen"
)

// Event is the body posted to the push/email relay.
type Event struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// WebhookNotifier posts signed events to the relay that fans out to email
// and push. Non-2xx responses are errors so the queue retries them.
type WebhookNotifier struct {
	url    string
	secret string
	client *http.Client
	now    func() time.Time
}

// NewWebhookNotifier creates a relay notifier.
func NewWebhookNotifier(url, secret string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, userID string, event EventType, payload map[string]any) error {
	ev := Event{
		ID:        idgen.WithPrefix(idgen.PrefixEvent),
		UserID:    userID,
		Type:      event,
		Timestamp: w.now(),
		Data:      payload,
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Taskhold-Event", string(event))
	req.Header.Set("X-Taskhold-Timestamp", strconv.FormatInt(ev.Timestamp.Unix(), 10))
	if w.secret != "" {
		req.Header.Set("X-Taskhold-Signature", Sign(body, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("relay returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
