package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// Stats accumulates dispatcher-wide counters over one run, surfaced by
// the CLI's --stats-json flag and the default human-readable summary
// (SPEC_FULL.md §6).
type Stats struct {
	EventCount         int           `json:"eventCount"`
	SampleCount        int           `json:"sampleCount"`
	StackSampleCount   int           `json:"stackSampleCount"`
	DroppedSampleCount int           `json:"droppedSampleCount"`
	ThreadsSeen        int           `json:"threadsSeen"`
	Elapsed            time.Duration `json:"-"`
	ElapsedMS          int64         `json:"elapsedMs"`
}

// Stats returns a snapshot of the dispatcher's run-so-far counters.
func (d *Dispatcher) Stats() Stats { return d.stats }

// String renders a one-line human-readable summary, matching the
// dispatcher's default (non-JSON) stats output.
func (s Stats) String() string {
	return fmt.Sprintf(
		"events=%d samples=%d stackSamples=%d dropped=%d threads=%d elapsed=%s",
		s.EventCount, s.SampleCount, s.StackSampleCount, s.DroppedSampleCount, s.ThreadsSeen, s.Elapsed,
	)
}

// MarshalJSON stamps ElapsedMS from Elapsed before delegating, since
// time.Duration's own JSON encoding is an opaque nanosecond count
// rather than the millisecond figure --stats-json users expect.
func (s Stats) MarshalJSON() ([]byte, error) {
	type alias Stats
	a := alias(s)
	a.ElapsedMS = s.Elapsed.Milliseconds()
	return json.Marshal(a)
}
