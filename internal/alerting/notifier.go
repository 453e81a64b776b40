// Package alerting delivers operational notifications to operators.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Kind classifies a notification.
type Kind string

const (
	KindArchivalFailure Kind = "archival_failure"
	KindHealthDegraded  Kind = "health_degraded"
	KindHealthRecovered Kind = "health_recovered"
)

// Notification carries one event. Fields are rendered sorted by key.
type Notification struct {
	Kind    Kind
	At      time.Time
	Summary string
	Fields  map[string]string
}

// ArchivalFailure describes a run that stopped part way.
func ArchivalFailure(at time.Time, runID string, horizon uint64, completedBatches, rowsArchived int, err error) Notification {
	return Notification{
		Kind:    KindArchivalFailure,
		At:      at,
		Summary: "archival run failed",
		Fields: map[string]string{
			"run_id":            runID,
			"horizon":           fmt.Sprintf("%d", horizon),
			"completed_batches": fmt.Sprintf("%d", completedBatches),
			"rows_archived":     fmt.Sprintf("%d", rowsArchived),
			"error":             errString(err),
		},
	}
}

// HealthTransition describes a change of overall status. components maps a
// component name to its status string.
func HealthTransition(at time.Time, from, to string, components map[string]string) Notification {
	kind := KindHealthDegraded
	if to == "healthy" {
		kind = KindHealthRecovered
	}
	fields := map[string]string{"from": from, "to": to}
	for name, status := range components {
		fields["component."+name] = status
	}
	return Notification{
		Kind:    kind,
		At:      at,
		Summary: fmt.Sprintf("service status %s -> %s", from, to),
		Fields:  fields,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Notifier defines a notification channel.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// LogNotifier writes notifications to the log. It is used when no external
// channel is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the notification at warn level.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	event := n.logger.Warn().Str("kind", string(note.Kind)).Time("at", note.At)
	for _, key := range sortedKeys(note.Fields) {
		event = event.Str(key, note.Fields[key])
	}
	event.Msg(note.Summary)
	return nil
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered text.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram returned ok=false: %s", result.Description)
	}

	n.logger.Info().Str("kind", string(note.Kind)).Msg("notification sent (telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[sdexindexer] %s\n", note.Summary))
	builder.WriteString(fmt.Sprintf("Kind: %s\n", note.Kind))
	builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	for _, key := range sortedKeys(note.Fields) {
		if note.Fields[key] == "" {
			continue
		}
		builder.WriteString(fmt.Sprintf("%s: %s\n", key, note.Fields[key]))
	}
	return builder.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
