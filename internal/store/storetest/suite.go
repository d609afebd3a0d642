// Package storetest is a conformance suite shared by every store backend.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/starcrawler/internal/store"
	"github.com/elonfeng/starcrawler/pkg/source"
)

// Factory returns an empty, migrated store. Cleanup is the factory's job.
type Factory func(t *testing.T) store.Store

// RunAll runs every conformance test against stores built by newStore.
func RunAll(t *testing.T, newStore Factory) {
	t.Run("UpsertIsIdempotent", func(t *testing.T) { testUpsertIdempotent(t, newStore(t)) })
	t.Run("UpsertKeepsIdentity", func(t *testing.T) { testUpsertKeepsIdentity(t, newStore(t)) })
	t.Run("SnapshotsOnePerDay", func(t *testing.T) { testSnapshotsOnePerDay(t, newStore(t)) })
	t.Run("OverlappingWindowsDedup", func(t *testing.T) { testOverlappingWindows(t, newStore(t)) })
	t.Run("ConcurrentUpserts", func(t *testing.T) { testConcurrentUpserts(t, newStore(t)) })
	t.Run("ListAndScan", func(t *testing.T) { testListAndScan(t, newStore(t)) })
	t.Run("StarDeltas", func(t *testing.T) { testStarDeltas(t, newStore(t)) })
	t.Run("RunLedgerLifecycle", func(t *testing.T) { testRunLedger(t, newStore(t)) })
	t.Run("RunLedgerSingleWriter", func(t *testing.T) { testRunSingleWriter(t, newStore(t)) })
	t.Run("RunLedgerRejectsBadResult", func(t *testing.T) { testRunRejectsBadResult(t, newStore(t)) })
}

// Repo builds a repository fixture.
func Repo(id string, stars int) source.Repository {
	lang := "Go"
	created := time.Date(2015, 3, 4, 5, 6, 7, 0, time.UTC)
	return source.Repository{
		NodeID:          id,
		NameWithOwner:   "acme/" + id,
		Owner:           "acme",
		Name:            id,
		URL:             "https://github.com/acme/" + id,
		PrimaryLanguage: &lang,
		Stars:           stars,
		CreatedAt:       created,
		UpdatedAt:       created.Add(24 * time.Hour),
		LastSeenAt:      time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC),
		RawPayload:      fmt.Sprintf(`{"id":%q,"stargazerCount":%d}`, id, stars),
	}
}

func testUpsertIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := Repo("R_a", 10)
	require.NoError(t, s.UpsertItems(ctx, []source.Repository{r}))

	r.Stars = 42
	r.IsArchived = true
	r.PrimaryLanguage = nil
	require.NoError(t, s.UpsertItems(ctx, []source.Repository{r}))

	n, err := s.CountRepositories(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetRepository(ctx, "R_a")
	require.NoError(t, err)
	assert.Equal(t, 42, got.Stars)
	assert.True(t, got.IsArchived)
	assert.Nil(t, got.PrimaryLanguage)
	assert.JSONEq(t, r.RawPayload, got.RawPayload)
	assert.True(t, r.CreatedAt.Equal(got.CreatedAt))
}

func testUpsertKeepsIdentity(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := Repo("R_b", 1)
	require.NoError(t, s.UpsertItems(ctx, []source.Repository{r}))

	r.NameWithOwner = "renamed/R_b"
	r.Owner = "renamed"
	require.NoError(t, s.UpsertItems(ctx, []source.Repository{r}))

	got, err := s.GetRepository(ctx, "R_b")
	require.NoError(t, err)
	assert.Equal(t, "R_b", got.NodeID)
	assert.Equal(t, "renamed/R_b", got.NameWithOwner)

	_, err = s.GetRepository(ctx, "R_missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testSnapshotsOnePerDay(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := Repo("R_c", 5)
	day := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertItems(ctx, []source.Repository{r}))
	require.NoError(t, s.RecordSnapshots(ctx, []source.Repository{r}, day))

	r.Stars = 7
	require.NoError(t, s.RecordSnapshots(ctx, []source.Repository{r}, day.Add(10*time.Hour)))
	require.NoError(t, s.RecordSnapshots(ctx, []source.Repository{r}, day.Add(24*time.Hour)))

	snaps, err := s.ListSnapshots(ctx, "R_c", day.AddDate(0, 0, -1))
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "2026-10-17", snaps[0].Date)
	assert.Equal(t, 7, snaps[0].Stars, "last write of the day wins")
	assert.Equal(t, "2026-10-18", snaps[1].Date)
}

func testOverlappingWindows(t *testing.T, s store.Store) {
	ctx := context.Background()
	day := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	left := []source.Repository{Repo("R_1", 5), Repo("R_2", 6)}
	right := []source.Repository{Repo("R_2", 6), Repo("R_3", 7)}

	for _, batch := range [][]source.Repository{left, right} {
		require.NoError(t, s.UpsertItems(ctx, batch))
		require.NoError(t, s.RecordSnapshots(ctx, batch, day))
	}

	n, err := s.CountRepositories(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var snaps int
	require.NoError(t, s.ScanSnapshots(ctx, func(*store.Snapshot) error {
		snaps++
		return nil
	}))
	assert.Equal(t, 3, snaps)
}

func testConcurrentUpserts(t *testing.T, s store.Store) {
	ctx := context.Background()
	day := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch := make([]source.Repository, 0, 20)
			for i := 0; i < 20; i++ {
				batch = append(batch, Repo(fmt.Sprintf("R_%02d", i), i))
			}
			if err := s.UpsertItems(ctx, batch); err != nil {
				errs <- err
				return
			}
			if err := s.RecordSnapshots(ctx, batch, day); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	n, err := s.CountRepositories(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
}

func testListAndScan(t *testing.T, s store.Store) {
	ctx := context.Background()
	other := Repo("R_z", 500)
	other.Owner = "zeta"
	require.NoError(t, s.UpsertItems(ctx, []source.Repository{
		Repo("R_x", 10), Repo("R_y", 300), other,
	}))

	all, err := s.ListRepositories(ctx, store.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"R_z", "R_y", "R_x"}, nodeIDs(all))

	byOwner, err := s.ListRepositories(ctx, store.ListOpts{Owner: "acme"})
	require.NoError(t, err)
	assert.Equal(t, []string{"R_y", "R_x"}, nodeIDs(byOwner))

	popular, err := s.ListRepositories(ctx, store.ListOpts{MinStars: 100, Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"R_y"}, nodeIDs(popular))

	var scanned []string
	require.NoError(t, s.ScanRepositories(ctx, func(r *source.Repository) error {
		scanned = append(scanned, r.NodeID)
		return nil
	}))
	assert.Equal(t, []string{"R_z", "R_y", "R_x"}, scanned)
}

func testStarDeltas(t *testing.T, s store.Store) {
	ctx := context.Background()
	d0 := time.Date(2026, 10, 10, 0, 0, 0, 0, time.UTC)
	d1 := d0.AddDate(0, 0, 3)
	d2 := d0.AddDate(0, 0, 7)

	fast, slow, once := Repo("R_fast", 100), Repo("R_slow", 1000), Repo("R_once", 5)
	require.NoError(t, s.UpsertItems(ctx, []source.Repository{fast, slow, once}))
	require.NoError(t, s.RecordSnapshots(ctx, []source.Repository{fast, slow, once}, d0))

	fast.Stars, slow.Stars = 150, 1010
	require.NoError(t, s.RecordSnapshots(ctx, []source.Repository{fast, slow}, d1))
	fast.Stars, slow.Stars = 400, 1020
	require.NoError(t, s.RecordSnapshots(ctx, []source.Repository{fast, slow}, d2))

	deltas, err := s.StarDeltas(ctx, d0, d2, 10)
	require.NoError(t, err)
	require.Len(t, deltas, 2, "repositories with a single snapshot have no delta")
	assert.Equal(t, "R_fast", deltas[0].RepoNodeID)
	assert.Equal(t, 100, deltas[0].FromStars)
	assert.Equal(t, 400, deltas[0].ToStars)
	assert.Equal(t, "2026-10-10", deltas[0].FromDate)
	assert.Equal(t, "2026-10-17", deltas[0].ToDate)
	assert.Equal(t, "R_slow", deltas[1].RepoNodeID)

	narrow, err := s.StarDeltas(ctx, d1, d2, 10)
	require.NoError(t, err)
	require.Len(t, narrow, 2)
	assert.Equal(t, 150, narrow[0].FromStars)
}

func testRunLedger(t *testing.T, s store.Store) {
	ctx := context.Background()
	run, err := s.StartRun(ctx, 500)
	require.NoError(t, err)
	assert.NotZero(t, run.ID)
	assert.Equal(t, store.RunRunning, run.Status)
	assert.NotEmpty(t, run.OwnerToken)

	second, err := s.StartRun(ctx, 10)
	require.NoError(t, err)
	assert.NotEqual(t, run.ID, second.ID, "concurrent runs are distinct rows")

	err = s.FinishRun(ctx, run, store.RunResult{
		Status:              store.RunFailed,
		RepoCount:           321,
		PartitionCount:      9,
		SplitPartitionCount: 4,
		Error:               "window stars:10..20: boom",
		Metadata:            map[string]any{"possible_undercount": true},
	})
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, run.Status)
	require.NotNil(t, run.FinishedAt)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, got.Status)
	assert.Equal(t, 500, got.Target)
	assert.Equal(t, 321, got.RepoCount)
	assert.Equal(t, 9, got.PartitionCount)
	assert.Equal(t, 4, got.SplitPartitionCount)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "stars:10..20")
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, true, got.Metadata["possible_undercount"])

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID)
	assert.Equal(t, store.RunRunning, runs[0].Status)
	assert.Nil(t, runs[0].FinishedAt)

	_, err = s.GetRun(ctx, 999999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testRunSingleWriter(t *testing.T, s store.Store) {
	ctx := context.Background()
	run, err := s.StartRun(ctx, 1)
	require.NoError(t, err)

	impostor := *run
	impostor.OwnerToken = "someone-else"
	err = s.FinishRun(ctx, &impostor, store.RunResult{Status: store.RunCompleted})
	require.ErrorIs(t, err, store.ErrRunClosed)

	require.NoError(t, s.FinishRun(ctx, run, store.RunResult{Status: store.RunCompleted, RepoCount: 1, PartitionCount: 1}))
	err = s.FinishRun(ctx, run, store.RunResult{Status: store.RunFailed})
	require.ErrorIs(t, err, store.ErrRunClosed, "terminal fields are set exactly once")

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, got.Status)
}

func testRunRejectsBadResult(t *testing.T, s store.Store) {
	ctx := context.Background()
	run, err := s.StartRun(ctx, 1)
	require.NoError(t, err)

	assert.Error(t, s.FinishRun(ctx, run, store.RunResult{Status: store.RunRunning}))
	assert.Error(t, s.FinishRun(ctx, run, store.RunResult{
		Status: store.RunCompleted, PartitionCount: 1, SplitPartitionCount: 2,
	}))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunRunning, got.Status)
}

func nodeIDs(repos []source.Repository) []string {
	out := make([]string, len(repos))
	for i := range repos {
		out[i] = repos[i].NodeID
	}
	return out
}
