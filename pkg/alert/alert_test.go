package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/starcrawler/internal/store"
)

func finishedRun(status store.RunStatus, errMsg string, undercount bool) *store.Run {
	started := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	finished := started.Add(90 * time.Minute)
	run := &store.Run{
		ID:                  12,
		Target:              1000,
		Status:              status,
		RepoCount:           980,
		PartitionCount:      40,
		SplitPartitionCount: 19,
		StartedAt:           started,
		FinishedAt:          &finished,
		Metadata:            map[string]any{"possible_undercount": undercount},
	}
	if errMsg != "" {
		run.ErrorMessage = &errMsg
	}
	return run
}

type capture struct {
	body   []byte
	header http.Header
}

func captureServer(t *testing.T, status int) (*httptest.Server, *capture) {
	t.Helper()
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.body, _ = io.ReadAll(r.Body)
		c.header = r.Header.Clone()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func TestFromRun(t *testing.T) {
	n := FromRun(finishedRun(store.RunFailed, "window stars:0..5 created:2024-01-01..2024-03-01: github api status 502", true))

	assert.Equal(t, "Crawl run #12 failed", n.Title)
	assert.Equal(t, "failed", n.Status)
	assert.Equal(t, 980, n.Repos)
	assert.True(t, n.PossibleUndercount)
	assert.Contains(t, n.Error, "stars:0..5")
	assert.Contains(t, n.Body, "980 repositories over 40 partitions (19 split) in 1h30m0s")
	assert.Contains(t, n.Body, "truncated")
}

func TestSlackSend(t *testing.T) {
	srv, got := captureServer(t, http.StatusOK)
	n := FromRun(finishedRun(store.RunFailed, "boom", false))

	require.NoError(t, NewSlack(srv.URL).Send(context.Background(), n))

	var payload struct {
		Text   string           `json:"text"`
		Blocks []map[string]any `json:"blocks"`
	}
	require.NoError(t, json.Unmarshal(got.body, &payload))
	assert.Equal(t, "Crawl run #12 failed", payload.Text)
	assert.Len(t, payload.Blocks, 4, "header, counts, body and error")
}

func TestSlackRejectsNonOK(t *testing.T) {
	srv, _ := captureServer(t, http.StatusForbidden)
	err := NewSlack(srv.URL).Send(context.Background(), FromRun(finishedRun(store.RunCompleted, "", false)))
	assert.EqualError(t, err, "slack webhook status 403")
}

func TestDiscordSend(t *testing.T) {
	srv, got := captureServer(t, http.StatusNoContent)
	require.NoError(t, NewDiscord(srv.URL).Send(context.Background(), FromRun(finishedRun(store.RunCompleted, "", false))))

	var payload struct {
		Embeds []struct {
			Title  string           `json:"title"`
			Color  int              `json:"color"`
			Fields []map[string]any `json:"fields"`
		} `json:"embeds"`
	}
	require.NoError(t, json.Unmarshal(got.body, &payload))
	require.Len(t, payload.Embeds, 1)
	assert.Contains(t, payload.Embeds[0].Title, "Crawl run #12 completed")
	assert.Equal(t, 0x2EB67D, payload.Embeds[0].Color)
	assert.Len(t, payload.Embeds[0].Fields, 2)
}

func TestWebhookSignsBody(t *testing.T) {
	srv, got := captureServer(t, http.StatusAccepted)
	n := FromRun(finishedRun(store.RunCancelled, "cancelled: context canceled", false))

	require.NoError(t, NewWebhook(srv.URL, "s3cret").Send(context.Background(), n))

	assert.Equal(t, Sign("s3cret", got.body), got.header.Get("X-Signature-256"))
	assert.Equal(t, "run.cancelled", got.header.Get("X-Starcrawler-Event"))

	var decoded Notification
	require.NoError(t, json.Unmarshal(got.body, &decoded))
	assert.Equal(t, int64(12), decoded.RunID)
	assert.Equal(t, 19, decoded.Splits)
}

type stubNotifier struct {
	name string
	err  error
	sent []*Notification
}

func (s *stubNotifier) Name() string { return s.name }

func (s *stubNotifier) Send(_ context.Context, n *Notification) error {
	s.sent = append(s.sent, n)
	return s.err
}

func TestManagerJoinsErrors(t *testing.T) {
	ok := &stubNotifier{name: "ok"}
	bad := &stubNotifier{name: "bad", err: errors.New("unreachable")}
	m := NewManager([]Notifier{bad, ok}, false)

	err := m.NotifyRun(context.Background(), finishedRun(store.RunCompleted, "", false))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: unreachable")
	assert.Len(t, ok.sent, 1, "one failing destination does not block the others")
}

func TestManagerFailuresOnly(t *testing.T) {
	n := &stubNotifier{name: "stub"}
	m := NewManager([]Notifier{n}, true)

	require.NoError(t, m.NotifyRun(context.Background(), finishedRun(store.RunCompleted, "", false)))
	assert.Empty(t, n.sent)

	require.NoError(t, m.NotifyRun(context.Background(), finishedRun(store.RunCompleted, "", true)))
	require.NoError(t, m.NotifyRun(context.Background(), finishedRun(store.RunFailed, "boom", false)))
	assert.Len(t, n.sent, 2)
}

func TestManagerWithoutNotifiers(t *testing.T) {
	m := NewManager(nil, false)
	assert.False(t, m.HasNotifiers())
	assert.NoError(t, m.NotifyRun(context.Background(), finishedRun(store.RunFailed, "x", false)))
}

func TestVerify(t *testing.T) {
	body := []byte(`{"run_id":1}`)
	sig := Sign("k", body)
	assert.True(t, Verify("k", body, sig))
	assert.False(t, Verify("other", body, sig))
	assert.False(t, Verify("k", []byte(`{"run_id":2}`), sig))
}

func TestWebhookUnsignedWithoutSecret(t *testing.T) {
	srv, got := captureServer(t, http.StatusOK)
	require.NoError(t, NewWebhook(srv.URL, "").Send(context.Background(), FromRun(finishedRun(store.RunCompleted, "", false))))
	assert.Empty(t, got.header.Get("X-Signature-256"))
	assert.Equal(t, "starcrawler/1.0", got.header.Get("User-Agent"))
}

func TestDiscordTruncatesLongErrors(t *testing.T) {
	srv, got := captureServer(t, http.StatusNoContent)
	long := strings.Repeat("x", 3000)
	require.NoError(t, NewDiscord(srv.URL).Send(context.Background(), FromRun(finishedRun(store.RunFailed, long, false))))

	var payload struct {
		Embeds []struct {
			Fields []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"fields"`
		} `json:"embeds"`
	}
	require.NoError(t, json.Unmarshal(got.body, &payload))
	fields := payload.Embeds[0].Fields
	require.Len(t, fields, 3)
	assert.Equal(t, "Error", fields[2].Name)
	assert.Len(t, fields[2].Value, 1024)
	assert.True(t, strings.HasSuffix(fields[2].Value, "..."))
}
