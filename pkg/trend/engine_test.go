package trend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/starcrawler/internal/store"
	"github.com/elonfeng/starcrawler/pkg/source"
)

type stubDeltas struct {
	deltas         []store.StarDelta
	err            error
	gotFrom, gotTo time.Time
	gotLimit       int
}

func (s *stubDeltas) StarDeltas(_ context.Context, from, to time.Time, limit int) ([]store.StarDelta, error) {
	s.gotFrom, s.gotTo, s.gotLimit = from, to, limit
	return s.deltas, s.err
}

func delta(id string, from, to int) store.StarDelta {
	return store.StarDelta{
		RepoNodeID: id, NameWithOwner: "o/" + id,
		FromDate: "2024-03-01", ToDate: "2024-03-08",
		FromStars: from, ToStars: to,
	}
}

func TestGainersRanksByScore(t *testing.T) {
	src := &stubDeltas{deltas: []store.StarDelta{
		delta("big", 100000, 101000),
		delta("rocket", 50, 900),
		delta("flat", 10, 10),
		delta("shrunk", 40, 30),
	}}
	e := NewEngine(src, 0, 0, 0)
	e.now = func() time.Time { return time.Date(2024, 3, 8, 15, 0, 0, 0, time.UTC) }

	got, err := e.Gainers(context.Background(), 7, 10)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), src.gotFrom)
	assert.Equal(t, time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC), src.gotTo)
	assert.Equal(t, 100, src.gotLimit)

	require.Len(t, got, 2, "repositories that did not grow are dropped")
	assert.Equal(t, "rocket", got[0].RepoNodeID, "relative growth lifts the small repository")
	assert.Equal(t, 850, got[0].Gained)
	assert.Equal(t, 7, got[0].SpanDays)
	assert.InDelta(t, 17.0, got[0].Growth, 1e-9)
	assert.Equal(t, "big", got[1].RepoNodeID)
	assert.Greater(t, got[0].Score, got[1].Score)
}

func TestGainersLimit(t *testing.T) {
	src := &stubDeltas{deltas: []store.StarDelta{delta("a", 1, 50), delta("b", 1, 40), delta("c", 1, 30)}}
	got, err := NewEngine(src, 1, 0, 0).Gainers(context.Background(), 0, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].RepoNodeID)
}

func TestGainersError(t *testing.T) {
	_, err := NewEngine(&stubDeltas{err: errors.New("db gone")}, 0, 0, 0).Gainers(context.Background(), 7, 5)
	assert.ErrorContains(t, err, "load star deltas: db gone")
}

func TestGainersFromStore(t *testing.T) {
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	day1 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 3)
	repos := []source.Repository{
		{NodeID: "R_a", NameWithOwner: "o/a", Owner: "o", Name: "a", Stars: 10, CreatedAt: day1, UpdatedAt: day1},
		{NodeID: "R_b", NameWithOwner: "o/b", Owner: "o", Name: "b", Stars: 500, CreatedAt: day1, UpdatedAt: day1},
	}
	require.NoError(t, s.UpsertItems(ctx, repos))
	require.NoError(t, s.RecordSnapshots(ctx, repos, day1))
	repos[0].Stars, repos[1].Stars = 70, 510
	require.NoError(t, s.UpsertItems(ctx, repos))
	require.NoError(t, s.RecordSnapshots(ctx, repos, day2))

	e := NewEngine(s, 0, 0, 0)
	e.now = func() time.Time { return day2.Add(2 * time.Hour) }
	got, err := e.Gainers(ctx, 7, 5)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "o/a", got[0].NameWithOwner)
	assert.Equal(t, 60, got[0].Gained)
	assert.Equal(t, 3, got[0].SpanDays)
	assert.InDelta(t, 20.0, got[0].PerDay, 1e-9)
}

func TestNormalizers(t *testing.T) {
	assert.Zero(t, NormalizeGain(0))
	assert.InDelta(t, 100, NormalizeGain(1_000_000), 1e-9)
	assert.InDelta(t, 50, NormalizeGrowth(0.5), 1e-9)
	assert.Equal(t, float64(100), NormalizeGrowth(3))
	assert.InDelta(t, 20, NormalizeVelocity(10), 1e-9)
	assert.InDelta(t, 60, NormalizeVelocity(100), 1e-9)
	assert.Equal(t, float64(100), NormalizeVelocity(5000))
}
