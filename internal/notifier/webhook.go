package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"
)

// Event is a fire-and-forget notification. Delivery failure never
// propagates to the caller.
type Event struct {
	Title    string `json:"title"`
	Message  string `json:"message"`
	Division string `json:"division,omitempty"`
}

// Notifier delivers events to the notification sink.
type Notifier interface {
	Notify(evt Event)
}

// WebhookNotifier POSTs events to a configured webhook URL.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// NewWebhookNotifier creates a notifier with optional proxy support.
func NewWebhookNotifier(webhookURL, proxyURL string) *WebhookNotifier {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &WebhookNotifier{
		URL: webhookURL,
		Client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: transport,
		},
	}
}

// Notify sends one event. Failures are logged and swallowed; a dead sink
// must not block weight writes or any other caller.
func (n *WebhookNotifier) Notify(evt Event) {
	if n.URL == "" {
		return
	}
	if err := n.send(evt); err != nil {
		log.Printf("[WARN] notify %q: %v", evt.Title, err)
	}
}

func (n *WebhookNotifier) send(evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	resp, err := n.Client.Post(n.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook status %d, body: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// NoopNotifier is used when no webhook is configured.
type NoopNotifier struct{}

func (NoopNotifier) Notify(_ Event) {}
