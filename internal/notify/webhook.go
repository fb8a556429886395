// Package notify posts run outcomes to an operator webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Message is the outbound alert payload.
type Message struct {
	Text          string `json:"text"`
	RunID         string `json:"run_id,omitempty"`
	Divergences   int    `json:"divergences,omitempty"`
	ReportExcerpt string `json:"report,omitempty"`
}

// Notifier delivers messages to a configured webhook. A zero URL makes
// every send a no-op so callers never branch on configuration.
type Notifier struct {
	url    string
	client *http.Client
}

func New(url string) *Notifier {
	return &Notifier{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

// Send posts the message. Returns nil when no webhook is configured.
func (n *Notifier) Send(ctx context.Context, msg Message) error {
	if n.url == "" {
		return nil
	}
	buf, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
