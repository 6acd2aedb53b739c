// Package notify delivers broadcast events to Telegram chats.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hostwatch-io/zbx-alert-gateway/pkg/events"
)

const sendTimeout = 5 * time.Second

// TelegramSender posts messages to one or more Telegram chats using plain
// HTTP calls.
type TelegramSender struct {
	token   string
	chatIDs []string
	client  *http.Client
	baseURL string
}

// NewTelegram creates a sender. chatIDs is a comma-separated list; an empty
// token or list leaves the sender disabled.
func NewTelegram(token, chatIDs string) *TelegramSender {
	var ids []string
	for _, id := range strings.Split(chatIDs, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return &TelegramSender{
		token:   token,
		chatIDs: ids,
		client:  &http.Client{Timeout: sendTimeout},
		baseURL: "https://api.telegram.org",
	}
}

// Enabled reports whether the sender has enough configuration to deliver.
func (s *TelegramSender) Enabled() bool {
	return s.token != "" && len(s.chatIDs) > 0
}

// Send posts a message to every configured chat. Failures are logged per
// chat and do not abort the remaining deliveries.
func (s *TelegramSender) Send(ctx context.Context, message string) {
	for _, chatID := range s.chatIDs {
		if err := s.sendOne(ctx, chatID, message); err != nil {
			logrus.Errorf("Telegram send failed for chat %s: %v", chatID, err)
		}
	}
}

func (s *TelegramSender) sendOne(ctx context.Context, chatID, message string) error {
	payload := map[string]string{
		"chat_id": chatID,
		"text":    message,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.token)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := s.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("telegram returned %s", response.Status)
	}
	return nil
}

// StartNotifier subscribes to the bus and forwards events to Telegram until
// the returned stop function is called. A disabled sender subscribes nothing.
func StartNotifier(bus *events.Bus, sender *TelegramSender) func() {
	if !sender.Enabled() {
		logrus.Info("Telegram notifications disabled (no token or chat ids)")
		return func() {}
	}

	ch, cancel := bus.Subscribe(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			ctx, ctxCancel := context.WithTimeout(context.Background(), sendTimeout)
			sender.Send(ctx, formatEvent(ev))
			ctxCancel()
		}
	}()
	logrus.Infof("Telegram notifications enabled for %d chats", len(sender.chatIDs))

	return func() {
		cancel()
		<-done
	}
}

func formatEvent(ev events.Event) string {
	switch ev.Kind {
	case events.KindAlertBatch:
		return fmt.Sprintf("⚠️ %d alert(s) created or resolved", ev.Count)
	case events.KindAlertAck:
		return fmt.Sprintf("✅ Alert %s acknowledged by %s", ev.AlertID, ev.Operator)
	case events.KindConnection:
		if ev.Connected {
			return "🔌 Zabbix connection restored"
		}
		return "🔌 Zabbix connection lost"
	}
	return fmt.Sprintf("event: %s", ev.Kind)
}
