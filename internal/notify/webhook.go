package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

// WebhookNotifier posts notices to a Discord-compatible incoming webhook,
// the care team's system notification channel.
type WebhookNotifier struct {
	session  *discordgo.Session
	id       string
	token    string
	username string
}

// NewWebhookNotifier parses a webhook URL of the form
// https://discord.com/api/webhooks/{id}/{token}. client may be nil.
func NewWebhookNotifier(rawURL, username string, client *http.Client) (*WebhookNotifier, error) {
	id, token, err := parseWebhookURL(rawURL)
	if err != nil {
		return nil, err
	}
	s, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("notify: create discord session: %w", err)
	}
	if client != nil {
		s.Client = client
	} else {
		s.Client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{session: s, id: id, token: token, username: username}, nil
}

func parseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("notify: parse webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", errors.New("notify: webhook url must end in /webhooks/{id}/{token}")
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notice) error {
	params := &discordgo.WebhookParams{
		Username: w.username,
		Content:  format(n),
	}
	if _, err := w.session.WebhookExecute(w.id, w.token, false, params, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("notify: webhook execute: %w", err)
	}
	return nil
}

func format(n Notice) string {
	var b strings.Builder
	b.WriteString("**")
	b.WriteString(n.Title)
	b.WriteString("**")
	if n.SessionID != "" {
		b.WriteString(" (session ")
		b.WriteString(n.SessionID)
		b.WriteString(")")
	}
	if n.Body != "" {
		b.WriteString("\n")
		b.WriteString(n.Body)
	}
	return b.String()
}
