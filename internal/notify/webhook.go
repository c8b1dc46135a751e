package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultWebhookQueue   = 256
)

// Webhook posts notifications to an HTTP endpoint from a background worker.
type Webhook struct {
	URL    string
	views  map[string]struct{}
	client *http.Client
	logger *log.Logger
	queue  chan Notification
}

// NewWebhook delivers notifications for the listed views, or all when views is empty.
func NewWebhook(url string, views []string, logger *log.Logger) *Webhook {
	if logger == nil {
		logger = log.Default()
	}
	w := &Webhook{
		URL:    url,
		client: &http.Client{Timeout: defaultWebhookTimeout},
		logger: logger,
		queue:  make(chan Notification, defaultWebhookQueue),
	}
	for _, v := range views {
		if v = strings.TrimSpace(v); v != "" {
			if w.views == nil {
				w.views = map[string]struct{}{}
			}
			w.views[v] = struct{}{}
		}
	}
	return w
}

func (w *Webhook) match(view string) bool {
	if w.views == nil {
		return true
	}
	_, ok := w.views[view]
	return ok
}

// Publish enqueues without blocking.
func (w *Webhook) Publish(ctx context.Context, n Notification) error {
	if !w.match(n.View) {
		return nil
	}
	select {
	case w.queue <- n:
	default:
		w.logger.Printf("webhook: queue for %s full, dropping %s v%d", w.URL, n.ItemID, n.Version)
	}
	return nil
}

// Run delivers queued notifications until ctx is done.
func (w *Webhook) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-w.queue:
			if err := w.post(ctx, n); err != nil {
				w.logger.Printf("webhook: deliver to %s failed: %v", w.URL, err)
			}
		}
	}
}

func (w *Webhook) post(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tilesync-View", n.View)
	req.Header.Set("X-Tilesync-Delivery", uuid.NewString())
	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
