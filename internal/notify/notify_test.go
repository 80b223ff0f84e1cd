package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"khayal/internal/config"
)

func TestBuildMessageSanitizesHeaders(t *testing.T) {
	msg := string(buildMessage("Khayal", "noreply@khayal.example",
		"victim@example.com\r\nBcc: attacker@example.com", "Subject\nX-Evil: 1", "body"))

	// Stripping CR/LF leaves the injected text inline on its original
	// header line; what matters is that it can never start a line of
	// its own.
	header := strings.SplitN(msg, "\r\n\r\n", 2)[0]
	lines := strings.Split(header, "\r\n")
	if len(lines) != 5 {
		t.Fatalf("header has %d lines, want 5:\n%s", len(lines), header)
	}
	for _, prefix := range []string{"From:", "To:", "Subject:", "MIME-Version:", "Content-Type:"} {
		found := false
		for _, l := range lines {
			if strings.HasPrefix(l, prefix) {
				found = true
			}
		}
		if !found {
			t.Errorf("missing %s header:\n%s", prefix, header)
		}
	}
	for _, l := range lines {
		if strings.HasPrefix(l, "Bcc:") || strings.HasPrefix(l, "X-Evil:") {
			t.Errorf("injected header line survived sanitization: %q", l)
		}
	}
	if !strings.Contains(msg, "Content-Type: text/plain; charset=UTF-8") {
		t.Error("missing content type header")
	}
	if !strings.HasSuffix(msg, "\r\n\r\nbody") {
		t.Errorf("body not separated from headers:\n%s", msg)
	}
}

func TestEmailServiceUnconfigured(t *testing.T) {
	s := NewEmailService(func() config.SMTPConfig { return config.SMTPConfig{} })
	if err := s.SendPreviewReady("to@example.com", "Sami", "https://example.com/p/x"); err == nil {
		t.Error("expected error when SMTP host is empty")
	}
}

func TestTelegramSendMessage(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/bottest-token/sendMessage") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	oldBase := telegramAPIBase
	telegramAPIBase = srv.URL
	defer func() { telegramAPIBase = oldBase }()

	s := NewTelegramService(func() config.TelegramConfig {
		return config.TelegramConfig{BotToken: "test-token", ChatID: "42"}
	}, nil)

	if !s.SendMessage(context.Background(), "hello") {
		t.Fatal("SendMessage returned false")
	}
	if got["chat_id"] != "42" || got["text"] != "hello" {
		t.Errorf("payload = %v", got)
	}
}

func TestTelegramUnconfigured(t *testing.T) {
	s := NewTelegramService(func() config.TelegramConfig { return config.TelegramConfig{} }, nil)
	if s.SendMessage(context.Background(), "hello") {
		t.Error("unconfigured service should report false")
	}
}

func TestTelegramAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	oldBase := telegramAPIBase
	telegramAPIBase = srv.URL
	defer func() { telegramAPIBase = oldBase }()

	s := NewTelegramService(func() config.TelegramConfig {
		return config.TelegramConfig{BotToken: "t", ChatID: "1"}
	}, nil)

	if s.SendMessage(context.Background(), "hello") {
		t.Error("API error should report false")
	}
}

func TestNotifyOrderCreatedFormatsMessage(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	oldBase := telegramAPIBase
	telegramAPIBase = srv.URL
	defer func() { telegramAPIBase = oldBase }()

	s := NewTelegramService(func() config.TelegramConfig {
		return config.TelegramConfig{BotToken: "t", ChatID: "1"}
	}, nil)

	s.NotifyOrderCreated(context.Background(), "KH-20260823-0001", "Sami", "Abu Sami", "مغامرة", 249, "SAR")

	text := got["text"]
	for _, want := range []string{"KH-20260823-0001", "Sami", "249.00 SAR"} {
		if !strings.Contains(text, want) {
			t.Errorf("message missing %q:\n%s", want, text)
		}
	}
}
