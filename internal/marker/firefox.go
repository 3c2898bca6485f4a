package marker

import (
	"fmt"

	"github.com/jrmuizel/etw-profiler/internal/timeconv"
)

// Firefox application-tagged marker phases, from Firefox's own
// baseprofiler marker-timing enum (MarkerPhase), reused on the wire so
// ETW events don't need their own encoding.
const (
	PhaseInstant = iota
	PhaseInterval
	PhaseIntervalStart
	PhaseIntervalEnd
)

// InferFirefoxPhase guesses a marker's phase from its start/end QPC
// timestamps for legacy traces that predate the explicit Phase field:
// both nonzero means an interval; only one nonzero means an instant at
// whichever is set.
func InferFirefoxPhase(startQPC, endQPC uint64) (phase int, instantQPC uint64) {
	switch {
	case startQPC != 0 && endQPC != 0:
		return PhaseInterval, 0
	case startQPC != 0:
		return PhaseInstant, startQPC
	default:
		return PhaseInstant, endQPC
	}
}

// FirefoxTiming converts a Firefox-provider marker's phase and QPC
// timestamps to a Timing. conv must have been populated from a trace
// header that declared QPC timestamps; spec.md requires callers to
// abort loudly otherwise, since app-QPC and ETW-QPC times would
// otherwise be silently incomparable. instantQPC is only consulted
// when phase is PhaseInstant.
func FirefoxTiming(conv timeconv.Converter, phase int, startQPC, endQPC, instantQPC uint64) (Timing, error) {
	switch phase {
	case PhaseInstant:
		return Timing{Kind: Instant, Start: conv.ConvertRaw(instantQPC)}, nil
	case PhaseInterval:
		return Timing{Kind: Interval, Start: conv.ConvertRaw(startQPC), End: conv.ConvertRaw(endQPC)}, nil
	case PhaseIntervalStart:
		return Timing{Kind: IntervalStart, Start: conv.ConvertRaw(startQPC)}, nil
	case PhaseIntervalEnd:
		return Timing{Kind: IntervalEnd, End: conv.ConvertRaw(endQPC)}, nil
	default:
		return Timing{}, fmt.Errorf("marker: unexpected firefox phase %d", phase)
	}
}
