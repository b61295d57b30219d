package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Message is one outgoing email.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Link    string `json:"link,omitempty"`
}

// Mailer delivers emails.
type Mailer interface {
	Send(ctx context.Context, m Message) error
}

// WebhookMailer hands emails to an HTTP relay as JSON.
type WebhookMailer struct {
	url        string
	httpClient *http.Client
}

func NewWebhookMailer(url string, timeout time.Duration) *WebhookMailer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookMailer{url: url, httpClient: &http.Client{Timeout: timeout}}
}

func (w *WebhookMailer) Send(ctx context.Context, m Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling email: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting email webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("email webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

// LogMailer writes emails to the log. It is used when no relay is configured.
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (l *LogMailer) Send(_ context.Context, m Message) error {
	l.logger.Info("email", "to", m.To, "subject", m.Subject, "link", m.Link)
	return nil
}
