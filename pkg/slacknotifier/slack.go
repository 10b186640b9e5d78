// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package slacknotifier provides a small client for Slack Incoming Webhooks.
//
// A notifier built with an empty webhook URL is disabled and silently drops
// messages, so callers never need to nil-check it. The webhook URL can be
// swapped at runtime when the configuration is reloaded.
//
//	notifier := slacknotifier.New("https://hooks.slack.com/services/...")
//	err := notifier.SendAlert(ctx, "warning", "Plug offline", "bf12... stopped answering")
package slacknotifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/soothill/tuya-energy-logger/pkg/errors"
)

// DefaultFooter is attached to every alert
const DefaultFooter = "Tuya Energy Logger"

// Notifier sends notifications to Slack via webhook
type Notifier struct {
	mu         sync.RWMutex
	webhookURL string
	client     *http.Client
	footer     string
	now        func() time.Time
}

// Message represents a Slack webhook message payload
type Message struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment represents a Slack attachment
type Attachment struct {
	Color  string `json:"color,omitempty"`
	Title  string `json:"title,omitempty"`
	Text   string `json:"text,omitempty"`
	Footer string `json:"footer,omitempty"`
	Ts     int64  `json:"ts,omitempty"`
}

// New creates a new Slack notifier
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		footer: DefaultFooter,
		now:    time.Now,
	}
}

// IsEnabled returns whether Slack notifications are enabled
func (s *Notifier) IsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.webhookURL != ""
}

// UpdateWebhookURL swaps the webhook; an empty URL disables the notifier.
func (s *Notifier) UpdateWebhookURL(webhookURL string) {
	s.mu.Lock()
	s.webhookURL = webhookURL
	s.mu.Unlock()
}

func (s *Notifier) target() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.webhookURL
}

// SendMessage sends a simple text message to Slack
func (s *Notifier) SendMessage(ctx context.Context, message string) error {
	url := s.target()
	if url == "" {
		return nil
	}
	return s.sendPayload(ctx, url, "message", Message{Text: message})
}

// SendAlert sends a color-coded attachment to Slack
func (s *Notifier) SendAlert(ctx context.Context, severity, title, message string) error {
	url := s.target()
	if url == "" {
		return nil
	}

	payload := Message{
		Attachments: []Attachment{
			{
				Color:  severityToColor(severity),
				Title:  title,
				Text:   message,
				Footer: s.footer,
				Ts:     s.now().Unix(),
			},
		},
	}
	return s.sendPayload(ctx, url, severity, payload)
}

func (s *Notifier) sendPayload(ctx context.Context, url, kind string, payload Message) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return apperrors.NewNotificationError(kind, fmt.Errorf("failed to marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return apperrors.NewNotificationError(kind, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return apperrors.NewNotificationError(kind, fmt.Errorf("failed to send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return apperrors.NewNotificationError(kind, fmt.Errorf("slack webhook returned status %d", resp.StatusCode))
	}
	return nil
}

// severityToColor maps severity levels to Slack colors
func severityToColor(severity string) string {
	switch severity {
	case "danger", "error":
		return "danger"
	case "warning", "warn":
		return "warning"
	case "good", "success":
		return "good"
	default:
		return "#808080"
	}
}
