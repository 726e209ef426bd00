package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"intercom-bridge/internal/email"
	"intercom-bridge/internal/models"
)

// LogSink writes notifications to the structured log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{logger: slog.With("component", "notify", "sink", "log")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(ctx context.Context, n Notification) error {
	switch n.Kind {
	case KindEvent:
		s.logger.Info("Event", "type", n.Event.Type, "device_id", n.DeviceID, "id", n.Event.ID)
	case KindDeviceStatus:
		s.logger.Info("Device status", "device_id", n.DeviceID, "status", n.Status)
	case KindLockStatus:
		s.logger.Info("Lock status", "device_id", n.DeviceID, "lock", n.Lock)
	}
	return nil
}

// WebhookSink posts each notification as JSON.
type WebhookSink struct {
	URL    string
	Token  string
	Client *http.Client
}

func NewWebhookSink(url, token string) *WebhookSink {
	return &WebhookSink{URL: url, Token: token, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook answered %s", resp.Status)
	}
	return nil
}

// Mailer is the part of email.Client used by EmailSink.
type Mailer interface {
	Send(ctx context.Context, msg *email.Message) error
}

// EmailSink mails calls, automatic openings and errors. Status transitions
// are not mailed.
type EmailSink struct {
	mailer Mailer
	to     []string
}

func NewEmailSink(mailer Mailer, to []string) *EmailSink {
	return &EmailSink{mailer: mailer, to: to}
}

func (s *EmailSink) Name() string { return "email" }

var mailedEvents = map[models.EventType]string{
	models.EventCall:     "Incoming call",
	models.EventAutoOpen: "Door opened automatically",
	models.EventError:    "Intercom error",
}

func (s *EmailSink) Send(ctx context.Context, n Notification) error {
	if n.Kind != KindEvent || n.Event == nil {
		return nil
	}
	title, ok := mailedEvents[n.Event.Type]
	if !ok {
		return nil
	}

	return s.mailer.Send(ctx, &email.Message{
		To:      s.to,
		Subject: title,
		HTML:    renderEvent(title, n.Event),
	})
}

func renderEvent(title string, ev *models.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<h2>%s</h2>\n<table>\n", html.EscapeString(title))
	row := func(k, v string) {
		fmt.Fprintf(&b, "<tr><th>%s</th><td>%s</td></tr>\n", html.EscapeString(k), html.EscapeString(v))
	}
	row("Time", ev.Timestamp.Format(time.RFC1123))
	if ev.DeviceID != "" {
		row("Device", ev.DeviceID)
	}

	keys := make([]string, 0, len(ev.Metadata))
	for k := range ev.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "snapshot_url" {
			continue
		}
		row(k, fmt.Sprint(ev.Metadata[k]))
	}
	b.WriteString("</table>\n")

	if snap, _ := ev.Metadata["snapshot_url"].(string); snap != "" {
		fmt.Fprintf(&b, "<p><a href=\"%s\">Snapshot</a></p>\n", html.EscapeString(snap))
	}
	return b.String()
}
