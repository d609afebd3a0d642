package trend

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/elonfeng/starcrawler/internal/store"
)

// DeltaSource yields per-repository star changes between snapshot dates.
type DeltaSource interface {
	StarDeltas(ctx context.Context, from, to time.Time, limit int) ([]store.StarDelta, error)
}

// Gainer is a repository ranked by star growth.
type Gainer struct {
	store.StarDelta
	Gained   int     `json:"gained"`
	Growth   float64 `json:"growth"`
	PerDay   float64 `json:"per_day"`
	Score    float64 `json:"score"`
	SpanDays int     `json:"span_days"`
}

// Engine ranks repositories by star growth over the snapshot time series.
type Engine struct {
	store          DeltaSource
	absoluteWeight float64
	relativeWeight float64
	velocityWeight float64
	now            func() time.Time
}

// NewEngine creates a new gainer ranking engine.
func NewEngine(s DeltaSource, absoluteW, relativeW, velocityW float64) *Engine {
	if absoluteW+relativeW+velocityW == 0 {
		absoluteW = 0.5
		relativeW = 0.3
		velocityW = 0.2
	}
	return &Engine{
		store:          s,
		absoluteWeight: absoluteW,
		relativeWeight: relativeW,
		velocityWeight: velocityW,
		now:            time.Now,
	}
}

// Gainers compares each repository's first and last snapshot within the
// last days days and returns the top limit by score.
func (e *Engine) Gainers(ctx context.Context, days, limit int) ([]Gainer, error) {
	if days <= 0 {
		days = 7
	}
	if limit <= 0 {
		limit = 20
	}
	to := store.Day(e.now())
	from := to.AddDate(0, 0, -days)

	// Absolute growth orders the candidates; a wider pool lets relative growth reorder them.
	deltas, err := e.store.StarDeltas(ctx, from, to, max(limit*5, 100))
	if err != nil {
		return nil, fmt.Errorf("load star deltas: %w", err)
	}

	gainers := make([]Gainer, 0, len(deltas))
	for _, d := range deltas {
		g, ok := e.score(d)
		if !ok {
			continue
		}
		gainers = append(gainers, g)
	}

	sort.SliceStable(gainers, func(i, j int) bool {
		if gainers[i].Score != gainers[j].Score {
			return gainers[i].Score > gainers[j].Score
		}
		return gainers[i].Gained > gainers[j].Gained
	})
	if len(gainers) > limit {
		gainers = gainers[:limit]
	}
	return gainers, nil
}

func (e *Engine) score(d store.StarDelta) (Gainer, bool) {
	g := Gainer{StarDelta: d, Gained: d.ToStars - d.FromStars}
	if g.Gained <= 0 {
		return g, false
	}

	fromDay, err1 := time.Parse(store.DateLayout, d.FromDate)
	toDay, err2 := time.Parse(store.DateLayout, d.ToDate)
	if err1 != nil || err2 != nil || !toDay.After(fromDay) {
		return g, false
	}
	g.SpanDays = int(toDay.Sub(fromDay).Hours() / 24)
	g.PerDay = float64(g.Gained) / float64(g.SpanDays)
	if d.FromStars > 0 {
		g.Growth = float64(g.Gained) / float64(d.FromStars)
	}

	g.Score = NormalizeGain(g.Gained)*e.absoluteWeight +
		NormalizeGrowth(g.Growth)*e.relativeWeight +
		NormalizeVelocity(g.PerDay)*e.velocityWeight
	return g, true
}
