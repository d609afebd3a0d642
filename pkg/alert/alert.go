package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/elonfeng/starcrawler/internal/store"
)

// Notification is the data sent to alert destinations.
type Notification struct {
	Title              string     `json:"title"`
	Body               string     `json:"body"`
	RunID              int64      `json:"run_id"`
	Status             string     `json:"status"`
	Target             int        `json:"target_repo_count"`
	Repos              int        `json:"repo_count"`
	Partitions         int        `json:"partition_count"`
	Splits             int        `json:"split_partition_count"`
	PossibleUndercount bool       `json:"possible_undercount"`
	Error              string     `json:"error,omitempty"`
	StartedAt          time.Time  `json:"started_at"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
}

// FromRun summarises a finished run.
func FromRun(run *store.Run) *Notification {
	n := &Notification{
		Title:      fmt.Sprintf("Crawl run #%d %s", run.ID, run.Status),
		RunID:      run.ID,
		Status:     string(run.Status),
		Target:     run.Target,
		Repos:      run.RepoCount,
		Partitions: run.PartitionCount,
		Splits:     run.SplitPartitionCount,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
	if v, ok := run.Metadata["possible_undercount"].(bool); ok {
		n.PossibleUndercount = v
	}
	if run.ErrorMessage != nil {
		n.Error = *run.ErrorMessage
	}

	n.Body = fmt.Sprintf("%d repositories over %d partitions (%d split)", n.Repos, n.Partitions, n.Splits)
	if n.FinishedAt != nil {
		n.Body += fmt.Sprintf(" in %s", n.FinishedAt.Sub(n.StartedAt).Round(time.Second))
	}
	if n.PossibleUndercount {
		n.Body += "; some windows were truncated at the result cap"
	}
	return n
}

// Notifier delivers alerts to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Manager broadcasts notifications to all registered notifiers.
type Manager struct {
	notifiers    []Notifier
	failuresOnly bool
}

// NewManager creates a new alert manager. With failuresOnly, clean completed
// runs are not reported.
func NewManager(notifiers []Notifier, failuresOnly bool) *Manager {
	return &Manager{notifiers: notifiers, failuresOnly: failuresOnly}
}

// HasNotifiers returns true if at least one notifier is configured.
func (m *Manager) HasNotifiers() bool {
	return len(m.notifiers) > 0
}

// NotifyRun reports a finished run to every notifier.
func (m *Manager) NotifyRun(ctx context.Context, run *store.Run) error {
	if !m.HasNotifiers() {
		return nil
	}
	n := FromRun(run)
	if m.failuresOnly && run.Status == store.RunCompleted && !n.PossibleUndercount {
		return nil
	}
	return m.Broadcast(ctx, n)
}

// Broadcast sends a notification to all registered notifiers.
func (m *Manager) Broadcast(ctx context.Context, n *Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func statusEmoji(status string) string {
	switch status {
	case string(store.RunCompleted):
		return "✅"
	case string(store.RunCancelled):
		return "⏹️"
	default:
		return "🚨"
	}
}
