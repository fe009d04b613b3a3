// Package notify posts page-change notifications to a configured webhook
// as Adaptive Cards. Delivery is fire-and-forget relative to the content
// mutation that triggered it; failures surface only in the task ledger.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Operation names the page mutation being announced.
type Operation string

const (
	OpCreated  Operation = "created"
	OpUpdated  Operation = "updated"
	OpDeleted  Operation = "deleted"
	OpMoved    Operation = "moved"
	OpArchived Operation = "archived"
	OpRestored Operation = "restored"
)

const defaultTimeout = 10 * time.Second

// Notifier delivers webhook notifications with a bounded timeout.
type Notifier struct {
	webhookURL string
	siteURL    string
	client     *http.Client
	logger     *slog.Logger
}

// New creates a Notifier. An empty webhookURL disables delivery. siteURL
// is the absolute base used to build page links.
func New(webhookURL, siteURL string, timeout time.Duration, logger *slog.Logger) *Notifier {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Notifier{
		webhookURL: webhookURL,
		siteURL:    strings.TrimRight(siteURL, "/"),
		client:     &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Enabled reports whether a webhook is configured.
func (n *Notifier) Enabled() bool {
	return n.webhookURL != ""
}

// Send posts a card describing the operation on the given page. The page
// link is omitted for deletions, where no target exists anymore.
func (n *Notifier) Send(ctx context.Context, op Operation, title, path string) error {
	if !n.Enabled() {
		return nil
	}

	pageURL := ""
	if op != OpDeleted && n.siteURL != "" {
		pageURL = n.siteURL + "/wiki/" + path
	}
	payload, err := json.Marshal(buildCard(op, title, pageURL))
	if err != nil {
		return fmt.Errorf("notify: encode card: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned %s", resp.Status)
	}
	n.logger.Debug("notification delivered",
		slog.String("operation", string(op)),
		slog.String("page", path))
	return nil
}

// buildCard assembles an Adaptive Card wrapped in the message envelope
// most chat webhooks expect.
func buildCard(op Operation, title, pageURL string) map[string]any {
	body := []map[string]any{
		{
			"type":   "TextBlock",
			"size":   "Medium",
			"weight": "Bolder",
			"text":   fmt.Sprintf("Wiki page %s", op),
		},
		{
			"type": "TextBlock",
			"text": title,
			"wrap": true,
		},
	}

	card := map[string]any{
		"type":    "AdaptiveCard",
		"version": "1.4",
		"$schema": "http://adaptivecards.io/schemas/adaptive-card.json",
		"body":    body,
	}
	if pageURL != "" {
		card["actions"] = []map[string]any{
			{
				"type":  "Action.OpenUrl",
				"title": "Open page",
				"url":   pageURL,
			},
		}
	}

	return map[string]any{
		"type": "message",
		"attachments": []map[string]any{
			{
				"contentType": "application/vnd.microsoft.card.adaptive",
				"content":     card,
			},
		},
	}
}
