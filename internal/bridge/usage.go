package bridge

import "sync/atomic"

// UsageTracker accumulates token counts reported by the model side. Counters
// only ever grow; cost computation belongs to external collaborators.
type UsageTracker struct {
	input  atomic.Int64
	output atomic.Int64
}

func NewUsageTracker() *UsageTracker {
	return &UsageTracker{}
}

// Add records the token deltas from one usage-bearing event. Negative deltas
// are ignored.
func (u *UsageTracker) Add(input, output int) {
	if input > 0 {
		u.input.Add(int64(input))
	}
	if output > 0 {
		u.output.Add(int64(output))
	}
}

// Totals returns the running input and output token counts.
func (u *UsageTracker) Totals() (input, output int) {
	return int(u.input.Load()), int(u.output.Load())
}
