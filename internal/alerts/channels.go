package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/XinFinOrg/XDCMonitor-sub001/internal/types"
)

// Channel delivers alerts to one notification target. Implementations:
// webhook, Telegram chat bot, in-memory dashboard sink, NATS publisher.
type Channel interface {
	ID() string
	Kind() types.ChannelKind
	Enabled() bool
	Send(ctx context.Context, alert *Alert) error
}

// webhookEnvelope is the JSON body posted to the webhook URL
type webhookEnvelope struct {
	Alert webhookAlert `json:"alert"`
}

type webhookAlert struct {
	ID        string            `json:"id"`
	Severity  types.Severity    `json:"severity"`
	Category  types.Category    `json:"category"`
	Component string            `json:"component"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// WebhookChannel posts alerts as JSON to a configured URL
type WebhookChannel struct {
	id     string
	url    string
	client *http.Client
}

// NewWebhookChannel creates a webhook channel
func NewWebhookChannel(id, targetURL string) *WebhookChannel {
	return &WebhookChannel{
		id:     id,
		url:    targetURL,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (w *WebhookChannel) ID() string              { return w.id }
func (w *WebhookChannel) Kind() types.ChannelKind { return types.ChannelWebhook }
func (w *WebhookChannel) Enabled() bool           { return w.url != "" }

func (w *WebhookChannel) Send(ctx context.Context, alert *Alert) error {
	body, err := json.Marshal(webhookEnvelope{Alert: webhookAlert{
		ID:        alert.ID,
		Severity:  alert.Severity,
		Category:  alert.Category,
		Component: alert.Component,
		Title:     alert.Title,
		Message:   alert.Message,
		Timestamp: alert.CreatedAt,
		Metadata:  alert.Metadata,
	}})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

// TelegramChannel posts a human-readable message to the Telegram bot
// API. The token/chat-id pair is treated as opaque.
type TelegramChannel struct {
	id      string
	token   string
	chatID  string
	baseURL string // Overridable for tests
	client  *http.Client
}

// NewTelegramChannel creates a chat-bot channel
func NewTelegramChannel(id, token, chatID string) *TelegramChannel {
	return &TelegramChannel{
		id:      id,
		token:   token,
		chatID:  chatID,
		baseURL: "https://api.telegram.org",
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (t *TelegramChannel) ID() string              { return t.id }
func (t *TelegramChannel) Kind() types.ChannelKind { return types.ChannelChatBot }
func (t *TelegramChannel) Enabled() bool           { return t.token != "" && t.chatID != "" }

// formatMessage renders the alert for chat
func (t *TelegramChannel) formatMessage(alert *Alert) string {
	var b strings.Builder
	switch alert.Severity {
	case types.SeverityCritical:
		b.WriteString("🚨 CRITICAL")
	case types.SeverityWarning:
		b.WriteString("⚠️ WARNING")
	default:
		b.WriteString("ℹ️ INFO")
	}
	fmt.Fprintf(&b, " [%s] %s\n", alert.Category, alert.Title)
	b.WriteString(alert.Message)
	if alert.ChainID != 0 {
		fmt.Fprintf(&b, "\nchain: %d", alert.ChainID)
	}
	fmt.Fprintf(&b, "\n%s", alert.CreatedAt.UTC().Format(time.RFC3339))
	return b.String()
}

func (t *TelegramChannel) Send(ctx context.Context, alert *Alert) error {
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	form := url.Values{
		"chat_id": {t.chatID},
		"text":    {t.formatMessage(alert)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post telegram: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}
	return nil
}

// DashboardChannel is an in-memory sink the UI polls. Bounded; oldest
// entries fall off.
type DashboardChannel struct {
	id  string
	mu  sync.Mutex
	buf []*Alert
	cap int
}

// NewDashboardChannel creates a dashboard sink retaining up to capacity
// alerts.
func NewDashboardChannel(id string, capacity int) *DashboardChannel {
	if capacity <= 0 {
		capacity = 100
	}
	return &DashboardChannel{id: id, cap: capacity}
}

func (d *DashboardChannel) ID() string              { return d.id }
func (d *DashboardChannel) Kind() types.ChannelKind { return types.ChannelDashboard }
func (d *DashboardChannel) Enabled() bool           { return true }

func (d *DashboardChannel) Send(_ context.Context, alert *Alert) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.buf) >= d.cap {
		over := len(d.buf) - d.cap + 1
		d.buf = append(d.buf[:0], d.buf[over:]...)
	}
	d.buf = append(d.buf, alert)
	return nil
}

// Poll returns the retained alerts, newest last
func (d *DashboardChannel) Poll() []*Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Alert, len(d.buf))
	copy(out, d.buf)
	return out
}

// natsConn is the slice of *nats.Conn the channel needs; tests
// substitute a fake.
type natsConn interface {
	Publish(subject string, data []byte) error
}

// NATSChannel publishes every routed alert as JSON onto a subject so
// downstream consumers (dashboards, pagers) can subscribe.
type NATSChannel struct {
	id      string
	subject string
	conn    natsConn
	logger  zerolog.Logger
}

// NewNATSChannel wraps an established NATS connection
func NewNATSChannel(id, subject string, conn natsConn, logger zerolog.Logger) *NATSChannel {
	return &NATSChannel{
		id:      id,
		subject: subject,
		conn:    conn,
		logger:  logger.With().Str("component", "nats_channel").Logger(),
	}
}

func (n *NATSChannel) ID() string              { return n.id }
func (n *NATSChannel) Kind() types.ChannelKind { return types.ChannelNATS }
func (n *NATSChannel) Enabled() bool           { return n.conn != nil }

func (n *NATSChannel) Send(_ context.Context, alert *Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}
