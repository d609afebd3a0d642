// Package events publishes recorded star snapshots to a message broker.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/elonfeng/starcrawler/internal/store"
	"github.com/elonfeng/starcrawler/pkg/source"
)

// SnapshotEvent is the message body for one recorded snapshot.
type SnapshotEvent struct {
	RepoNodeID    string    `json:"repo_node_id"`
	NameWithOwner string    `json:"name_with_owner"`
	URL           string    `json:"url"`
	Date          string    `json:"snapshot_date"`
	Stars         int       `json:"stars"`
	ObservedAt    time.Time `json:"observed_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per snapshot, keyed by repository node id
// so that a repository's history stays on one partition.
type KafkaPublisher struct {
	writer messageWriter
	logger *slog.Logger
	now    func() time.Time
}

// NewKafkaPublisher creates a publisher for topic on brokers.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
	return newPublisher(writer, logger), nil
}

func newPublisher(w messageWriter, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{writer: w, logger: logger, now: time.Now}
}

// PublishSnapshots sends the snapshots recorded for repos on date.
func (p *KafkaPublisher) PublishSnapshots(ctx context.Context, date time.Time, repos []source.Repository) error {
	if len(repos) == 0 {
		return nil
	}
	day := store.Day(date).Format(store.DateLayout)
	now := p.now().UTC()

	msgs := make([]kafka.Message, 0, len(repos))
	for i := range repos {
		ev := SnapshotEvent{
			RepoNodeID:    repos[i].NodeID,
			NameWithOwner: repos[i].NameWithOwner,
			URL:           repos[i].URL,
			Date:          day,
			Stars:         repos[i].Stars,
			ObservedAt:    now,
		}
		value, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal snapshot event %s: %w", ev.RepoNodeID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.RepoNodeID),
			Value: value,
			Time:  now,
		})
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d snapshot events: %w", len(msgs), err)
	}
	p.logger.Debug("published snapshot events", "count", len(msgs), "date", day)
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
