// Package notify delivers best-effort execution notifications. Delivery
// failures are logged and never influence order status.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Notification describes one order event for an external sink.
type Notification struct {
	WalletAddress string `json:"walletAddress"`
	OrderID       string `json:"orderId"`
	Message       string `json:"message"`
	Timestamp     int64  `json:"timestamp"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Noop discards all notifications.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(context.Context, Notification) error { return nil }

var _ Notifier = Noop{}

// HTTP posts notifications as JSON to a webhook endpoint.
type HTTP struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewHTTP creates an HTTP notifier targeting the given URL.
func NewHTTP(url string, logger *zap.Logger) *HTTP {
	return &HTTP{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

var _ Notifier = (*HTTP)(nil)

// Notify posts the notification. Non-2xx responses are errors.
func (h *HTTP) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification rejected: status %d", resp.StatusCode)
	}

	h.logger.Debug("notification delivered",
		zap.String("order_id", n.OrderID), zap.String("wallet", n.WalletAddress))
	return nil
}
