package scheduler

import "time"

// RateWindow admits at most limit requests in any span of size. It keeps the
// admission times still inside the window, so the count only drops as old
// admissions roll out.
type RateWindow struct {
	size     time.Duration
	limit    int
	admitted []time.Time
}

func NewRateWindow(size time.Duration, limit int) *RateWindow {
	return &RateWindow{size: size, limit: limit}
}

func (w *RateWindow) prune(now time.Time) {
	cut := 0
	for cut < len(w.admitted) && !now.Before(w.admitted[cut].Add(w.size)) {
		cut++
	}
	if cut > 0 {
		w.admitted = append(w.admitted[:0], w.admitted[cut:]...)
	}
}

func (w *RateWindow) Count(now time.Time) int {
	w.prune(now)
	return len(w.admitted)
}

func (w *RateWindow) Limit() int { return w.limit }

// Start is the oldest admission still counted, or zero when empty
func (w *RateWindow) Start(now time.Time) time.Time {
	w.prune(now)
	if len(w.admitted) == 0 {
		return time.Time{}
	}
	return w.admitted[0]
}

// NextFree is the earliest time a new admission fits under the limit
func (w *RateWindow) NextFree(now time.Time) time.Time {
	w.prune(now)
	if len(w.admitted) < w.limit {
		return now
	}
	return w.admitted[len(w.admitted)-w.limit].Add(w.size)
}

// Record counts an admission. Callers check NextFree first.
func (w *RateWindow) Record(now time.Time) {
	w.prune(now)
	w.admitted = append(w.admitted, now)
}

// Session is one bounded span of request activity
type Session struct {
	ID             int64
	StartedAt      time.Time
	ExpiresAfter   time.Duration
	RequestsIssued int
	Limit          int
}

// Terminal reports whether the session must be rotated before admitting more
func (s Session) Terminal(now time.Time) bool {
	return now.Sub(s.StartedAt) >= s.ExpiresAfter || s.RequestsIssued >= s.Limit
}
