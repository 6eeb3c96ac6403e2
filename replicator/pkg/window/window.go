// Package window plans the incremental capture ranges needed to cover a
// backlog when the capture mechanism limits how long a single range may be.
package window

import "time"

// DefaultMaxSpan is the longest range a single incremental export accepts.
const DefaultMaxSpan = 24 * time.Hour

// ViewType selects which record images an incremental export emits.
type ViewType string

const (
	ViewNewAndOldImages ViewType = "NEW_AND_OLD_IMAGES"
	ViewNewImage        ViewType = "NEW_IMAGE"
)

// Window is one capture range. From is inclusive; To is the export-to time.
type Window struct {
	From     time.Time
	To       time.Time
	ViewType ViewType
}

// Span returns the length of the window.
func (w Window) Span() time.Duration {
	return w.To.Sub(w.From)
}

// Plan splits [from, to) into consecutive windows of at most maxSpan, the last
// clipped to to. It returns nil when there is no backlog. A non-positive
// maxSpan yields one window covering the whole range.
func Plan(from, to time.Time, maxSpan time.Duration) []Window {
	if !from.Before(to) {
		return nil
	}
	if maxSpan <= 0 {
		return []Window{{From: from, To: to, ViewType: ViewNewAndOldImages}}
	}

	// ceil at nanosecond resolution; an exact multiple adds no empty window.
	count := int((to.Sub(from)-1)/maxSpan) + 1
	windows := make([]Window, 0, count)
	for i := range count {
		start := from.Add(time.Duration(i) * maxSpan)
		end := from.Add(time.Duration(i+1) * maxSpan)
		if end.After(to) {
			end = to
		}
		windows = append(windows, Window{
			From:     start,
			To:       end,
			ViewType: ViewNewAndOldImages,
		})
	}
	return windows
}
