package alert

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Discord embed limits.
const (
	discordFieldMax = 1024
	discordDescMax  = 4096
)

// Discord posts run summaries to a Discord webhook as a single embed.
type Discord struct {
	client     *http.Client
	webhookURL string
	now        func() time.Time
}

// NewDiscord creates a new Discord notifier.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{client: newClient(), webhookURL: webhookURL, now: time.Now}
}

func (d *Discord) Name() string { return "discord" }

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields"`
	Timestamp   string         `json:"timestamp"`
}

func (d *Discord) embedFor(n *Notification) discordEmbed {
	e := discordEmbed{
		Title:       statusEmoji(n.Status) + " " + n.Title,
		Description: truncate(n.Body, discordDescMax),
		Color:       embedColor(n.Status),
		Fields: []discordField{
			{Name: "Repositories", Value: fmt.Sprintf("%d / %d", n.Repos, n.Target), Inline: true},
			{Name: "Partitions", Value: fmt.Sprintf("%d (%d split)", n.Partitions, n.Splits), Inline: true},
		},
		Timestamp: d.now().UTC().Format(time.RFC3339),
	}
	if n.Error != "" {
		e.Fields = append(e.Fields, discordField{Name: "Error", Value: truncate(n.Error, discordFieldMax)})
	}
	return e
}

func (d *Discord) Send(ctx context.Context, n *Notification) error {
	return delivery{
		dest:    "discord webhook",
		url:     d.webhookURL,
		payload: map[string][]discordEmbed{"embeds": {d.embedFor(n)}},
	}.send(ctx, d.client)
}

func embedColor(status string) int {
	switch status {
	case "completed":
		return 0x2EB67D
	case "cancelled":
		return 0x999999
	default:
		return 0xE01E5A
	}
}

// truncate cuts s to at most n bytes including the ellipsis.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:max(n-3, 0)] + "..."
}
