package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowSplitStars(t *testing.T) {
	w := NewWindow(0, 10, testDay, testDay)
	left, right := w.Split()

	assert.Equal(t, 0, left.Lo)
	assert.Equal(t, 5, left.Hi)
	assert.Equal(t, 6, right.Lo)
	assert.Equal(t, 10, right.Hi)
	assert.Equal(t, 1, left.Depth)
	assert.Equal(t, 1, right.Depth)
	assert.Equal(t, w.Span(), left.Span()+right.Span())
}

func TestWindowSplitDaysWhenSingleStarValue(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	w := NewWindow(7, 7, from, to)
	require.Equal(t, 10, w.Days())

	left, right := w.Split()
	assert.Equal(t, 7, left.Lo)
	assert.Equal(t, 7, right.Hi)
	assert.Equal(t, from, left.From)
	assert.Equal(t, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), left.To)
	assert.Equal(t, time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC), right.From)
	assert.Equal(t, to, right.To)
	assert.Equal(t, w.Days(), left.Days()+right.Days())
}

func TestWindowCanSplit(t *testing.T) {
	assert.True(t, NewWindow(1, 2, testDay, testDay).CanSplit())
	assert.True(t, NewWindow(1, 1, testDay, testDay.AddDate(0, 0, 1)).CanSplit())
	assert.False(t, NewWindow(1, 1, testDay, testDay).CanSplit())
}

func TestWindowSplitPartitionsEveryCell(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	root := NewWindow(0, 6, from, from.AddDate(0, 0, 4))

	var leaves []Window
	work := []Window{root}
	for len(work) > 0 {
		w := work[0]
		work = work[1:]
		if !w.CanSplit() {
			leaves = append(leaves, w)
			continue
		}
		a, b := w.Split()
		work = append(work, a, b)
	}

	for stars := root.Lo; stars <= root.Hi; stars++ {
		for d := 0; d < root.Days(); d++ {
			created := from.AddDate(0, 0, d).Add(13 * time.Hour)
			hits := 0
			for _, l := range leaves {
				if l.Contains(stars, created) {
					hits++
				}
			}
			assert.Equal(t, 1, hits, "stars %d day %d", stars, d)
		}
	}
}

func TestWindowQuery(t *testing.T) {
	w := NewWindow(10, 20, time.Date(2020, 1, 2, 15, 0, 0, 0, time.UTC), time.Date(2020, 3, 4, 0, 0, 0, 0, time.UTC))

	assert.Equal(t, "is:public fork:false stars:10..20 created:2020-01-02..2020-03-04 sort:stars-desc",
		w.Query("  is:public fork:false "))
	assert.Equal(t, "stars:10..20 created:2020-01-02..2020-03-04 sort:stars-desc", w.Query(""))
	assert.Equal(t, "stars:10..20 created:2020-01-02..2020-03-04", w.String())
}

func TestWindowContainsUsesUTCDay(t *testing.T) {
	w := NewWindow(0, 5, testDay, testDay)
	loc := time.FixedZone("east", 10*3600)

	assert.True(t, w.Contains(5, time.Date(2024, 3, 2, 8, 0, 0, 0, loc)))
	assert.False(t, w.Contains(6, testDay))
	assert.False(t, w.Contains(3, testDay.AddDate(0, 0, 1)))
}
