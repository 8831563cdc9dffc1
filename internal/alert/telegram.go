package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// telegramMessageLimit - максимальная длина сообщения Telegram Bot API
const telegramMessageLimit = 4096

// TelegramAlerter отправляет алерты администраторам через Telegram Bot API.
// Это канал эскалации для постоянных сбоёв обработки платежей:
// в сообщение попадает полный контекст для ручной сверки.
type TelegramAlerter struct {
	logger *zap.Logger
	chatID string
	apiURL string
	client *http.Client
}

// NewTelegramAlerter создаёт новый Telegram alerter
func NewTelegramAlerter(logger *zap.Logger, botToken, chatID string) *TelegramAlerter {
	return &TelegramAlerter{
		logger: logger,
		chatID: chatID,
		apiURL: "https://api.telegram.org/bot" + botToken,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Alert отправляет алерт в настроенный чат администраторов
func (a *TelegramAlerter) Alert(ctx context.Context, subject, message string) error {
	url := fmt.Sprintf("%s/sendMessage", a.apiURL)

	text := truncate(subject+"\n\n"+message, telegramMessageLimit)
	payload := map[string]interface{}{
		"chat_id": a.chatID,
		"text":    text,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	// При не-200 читаем тело ответа для диагностики и не декодируем JSON
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("telegram API status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	// Telegram отвечает {"ok": true, ...} либо {"ok": false, "description": "..."}
	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if ok, _ := result["ok"].(bool); !ok {
		description, _ := result["description"].(string)
		return fmt.Errorf("telegram API error: %s", description)
	}

	a.logger.Info("admin alert sent",
		zap.String("subject", truncate(subject, 80)))
	return nil
}

// NoOpAlerter - no-op реализация (Telegram отключён).
// Алерт не пропадает молча: он попадает в лог уровня error.
type NoOpAlerter struct {
	logger *zap.Logger
}

// NewNoOpAlerter создаёт no-op alerter
func NewNoOpAlerter(logger *zap.Logger) *NoOpAlerter {
	return &NoOpAlerter{
		logger: logger,
	}
}

// Alert только логирует
func (a *NoOpAlerter) Alert(ctx context.Context, subject, message string) error {
	a.logger.Error("admin alert (telegram disabled)",
		zap.String("subject", subject),
		zap.String("message", truncate(message, 500)))
	return nil
}

// truncate обрезает строку до указанной длины
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
