package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// TelegramNotifier delivers events to an operator chat via the Telegram
// Bot API. Same fire-and-forget contract as the webhook notifier.
type TelegramNotifier struct {
	BotToken string
	ChatID   string
	Client   *http.Client
	// APIBase is overridable for tests; empty means the public Bot API.
	APIBase string
}

// NewTelegramNotifier creates a notifier with optional proxy support.
func NewTelegramNotifier(botToken, chatID, proxyURL string) *TelegramNotifier {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &TelegramNotifier{
		BotToken: botToken,
		ChatID:   chatID,
		Client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

// Notify formats and sends one event. Failures are logged and swallowed.
func (t *TelegramNotifier) Notify(evt Event) {
	if t.BotToken == "" || t.ChatID == "" {
		return
	}
	text := fmt.Sprintf("<b>%s</b>\n%s", html.EscapeString(evt.Title), html.EscapeString(evt.Message))
	if evt.Division != "" {
		text += fmt.Sprintf("\ndivision: <code>%s</code>", html.EscapeString(evt.Division))
	}
	operation := func() error { return t.send(text) }
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	if err := backoff.Retry(operation, policy); err != nil {
		log.Printf("[WARN] telegram notify %q: %v", evt.Title, err)
	}
}

func (t *TelegramNotifier) send(text string) error {
	base := t.APIBase
	if base == "" {
		base = "https://api.telegram.org"
	}
	apiURL := fmt.Sprintf("%s/bot%s/sendMessage", base, t.BotToken)
	body, err := json.Marshal(map[string]string{
		"chat_id":    t.ChatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	resp, err := t.Client.Post(apiURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram API error: status %d, body: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
