package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"khayal/internal/config"
)

// telegramAPIBase is overridable in tests.
var telegramAPIBase = "https://api.telegram.org"

// TelegramService sends operator alerts to the admin chat. Delivery is
// best-effort: failures are logged and never propagate into the order or
// preview flow.
type TelegramService struct {
	cfg        func() config.TelegramConfig
	httpClient *http.Client
}

// NewTelegramService creates a Telegram notifier. httpClient may be nil.
func NewTelegramService(cfgFn func() config.TelegramConfig, httpClient *http.Client) *TelegramService {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &TelegramService{cfg: cfgFn, httpClient: httpClient}
}

// SendMessage posts a message to the configured chat. Returns false when
// notifications are unconfigured or delivery failed; it never returns an
// error since callers treat alerts as fire-and-forget.
func (s *TelegramService) SendMessage(ctx context.Context, text string) bool {
	cfg := s.cfg()
	if cfg.BotToken == "" || cfg.ChatID == "" {
		return false
	}

	payload, err := json.Marshal(map[string]string{
		"chat_id":    cfg.ChatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return false
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", telegramAPIBase, cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		log.Printf("telegram notification failed: %v", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		log.Printf("telegram API error: %d - %s", resp.StatusCode, bytes.TrimSpace(body))
		return false
	}
	return true
}

// NotifyPreviewCreated alerts the operator about a new preview request.
func (s *TelegramService) NotifyPreviewCreated(ctx context.Context, token, childName, bookTitle, category string) {
	ts := time.Now().UTC().Format("2006-01-02 15:04:05 UTC")
	msg := fmt.Sprintf(
		"🎨 <b>New Preview Created!</b>\n\n"+
			"👶 <b>Child:</b> %s\n"+
			"📖 <b>Book:</b> %s (%s)\n"+
			"🔑 <b>Token:</b> <code>%s</code>\n"+
			"⏰ <b>Time:</b> %s\n\n"+
			"Check admin dashboard for details.",
		childName, bookTitle, category, token, ts)
	s.SendMessage(ctx, msg)
}

// NotifyOrderCreated alerts the operator about a new order.
func (s *TelegramService) NotifyOrderCreated(ctx context.Context, orderNumber, childName, customerName, bookTitle string, amount float64, currency string) {
	ts := time.Now().UTC().Format("2006-01-02 15:04:05 UTC")
	msg := fmt.Sprintf(
		"🎉 <b>New Order Placed!</b>\n\n"+
			"📦 <b>Order #:</b> <code>%s</code>\n"+
			"👶 <b>Child:</b> %s\n"+
			"👤 <b>Customer:</b> %s\n"+
			"📖 <b>Book:</b> %s\n"+
			"💰 <b>Amount:</b> %.2f %s\n"+
			"⏰ <b>Time:</b> %s\n\n"+
			"Check admin dashboard to process.",
		orderNumber, childName, customerName, bookTitle, amount, currency, ts)
	s.SendMessage(ctx, msg)
}

// NotifyGenerationFailed alerts the operator when a book pipeline fails.
func (s *TelegramService) NotifyGenerationFailed(ctx context.Context, orderNumber, reason string) {
	msg := fmt.Sprintf(
		"⚠️ <b>Book Generation Failed</b>\n\n"+
			"📦 <b>Order #:</b> <code>%s</code>\n"+
			"❌ <b>Reason:</b> %s",
		orderNumber, reason)
	s.SendMessage(ctx, msg)
}
