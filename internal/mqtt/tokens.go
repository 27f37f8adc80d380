package mqtt

import (
	"sync"
	"time"
)

// DailyTokens tracks token usage of finished runs and resets at local
// midnight. It is safe for concurrent use.
type DailyTokens struct {
	mu       sync.Mutex
	input    int64
	output   int64
	runs     int64
	resetDay int // day-of-year of last reset
	loc      *time.Location
	now      func() time.Time
}

// NewDailyTokens creates a new accumulator using the given timezone for
// midnight detection. If loc is nil, [time.Local] is used.
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTokens{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// Add records the token totals of one finished run, resetting first if
// the local date has changed.
func (d *DailyTokens) Add(inputTokens, outputTokens int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.input += int64(inputTokens)
	d.output += int64(outputTokens)
	d.runs++
}

// Snapshot returns input tokens, output tokens and finished runs for
// today.
func (d *DailyTokens) Snapshot() (input, output, runs int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.input, d.output, d.runs
}

// maybeReset zeroes the counters on a new local day. d.mu must be held.
func (d *DailyTokens) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.input = 0
		d.output = 0
		d.runs = 0
		d.resetDay = today
	}
}
