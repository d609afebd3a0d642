package crawler

import (
	"fmt"
	"strings"
	"time"
)

const day = 24 * time.Hour

// Window is a closed range of star counts crossed with a closed range of creation days.
// Every (stars, day) pair of the root window belongs to exactly one leaf after any sequence of splits.
type Window struct {
	Lo, Hi   int
	From, To time.Time
	Depth    int
}

// NewWindow builds a root window. Dates are truncated to UTC days.
func NewWindow(lo, hi int, from, to time.Time) Window {
	return Window{Lo: lo, Hi: hi, From: truncateDay(from), To: truncateDay(to)}
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Days is the number of creation days covered.
func (w Window) Days() int {
	return int(w.To.Sub(w.From)/day) + 1
}

// Span is the number of star values covered.
func (w Window) Span() int {
	return w.Hi - w.Lo + 1
}

// CanSplit reports whether the window covers more than one (stars, day) cell.
func (w Window) CanSplit() bool {
	return w.Lo < w.Hi || w.To.After(w.From)
}

// Split bisects the star range, or the creation range once the star range is a single value.
func (w Window) Split() (Window, Window) {
	left, right := w, w
	left.Depth, right.Depth = w.Depth+1, w.Depth+1
	if w.Lo < w.Hi {
		mid := w.Lo + (w.Hi-w.Lo)/2
		left.Hi = mid
		right.Lo = mid + 1
		return left, right
	}
	mid := w.From.Add(time.Duration((w.Days()-1)/2) * day)
	left.To = mid
	right.From = mid.Add(day)
	return left, right
}

// Contains reports whether a repository with the given stars and creation time falls inside w.
func (w Window) Contains(stars int, created time.Time) bool {
	d := truncateDay(created)
	return stars >= w.Lo && stars <= w.Hi && !d.Before(w.From) && !d.After(w.To)
}

// Query renders the search string for w.
func (w Window) Query(qualifiers string) string {
	var b strings.Builder
	if q := strings.TrimSpace(qualifiers); q != "" {
		b.WriteString(q)
		b.WriteByte(' ')
	}
	fmt.Fprintf(&b, "stars:%d..%d created:%s..%s sort:stars-desc",
		w.Lo, w.Hi, w.From.Format(time.DateOnly), w.To.Format(time.DateOnly))
	return b.String()
}

func (w Window) String() string {
	return fmt.Sprintf("stars:%d..%d created:%s..%s",
		w.Lo, w.Hi, w.From.Format(time.DateOnly), w.To.Format(time.DateOnly))
}
