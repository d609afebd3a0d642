package alert

import (
	"context"
	"fmt"
	"net/http"
)

// Slack posts run summaries to a Slack incoming webhook as Block Kit messages.
type Slack struct {
	client     *http.Client
	webhookURL string
}

// NewSlack creates a new Slack notifier.
func NewSlack(webhookURL string) *Slack {
	return &Slack{client: newClient(), webhookURL: webhookURL}
}

func (s *Slack) Name() string { return "slack" }

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Fields   []slackText `json:"fields,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

type slackMessage struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

func slackMessageFor(n *Notification) slackMessage {
	msg := slackMessage{
		Text: n.Title,
		Blocks: []slackBlock{
			{Type: "header", Text: &slackText{"plain_text", statusEmoji(n.Status) + " " + n.Title}},
			{Type: "section", Fields: []slackText{
				{"mrkdwn", fmt.Sprintf("*Repositories:* %d / %d", n.Repos, n.Target)},
				{"mrkdwn", fmt.Sprintf("*Partitions:* %d (%d split)", n.Partitions, n.Splits)},
			}},
			{Type: "section", Text: &slackText{"mrkdwn", n.Body}},
		},
	}
	if n.Error != "" {
		msg.Blocks = append(msg.Blocks, slackBlock{
			Type:     "context",
			Elements: []slackText{{"mrkdwn", "*Error:* `" + n.Error + "`"}},
		})
	}
	return msg
}

// Send posts n. Slack answers 200 on success only.
func (s *Slack) Send(ctx context.Context, n *Notification) error {
	return delivery{
		dest:    "slack webhook",
		url:     s.webhookURL,
		payload: slackMessageFor(n),
		ok:      func(status int) bool { return status == http.StatusOK },
	}.send(ctx, s.client)
}
