package marker

import "github.com/jrmuizel/etw-profiler/internal/timeconv"

// KeywordBlinkUserTiming is the Chrome ETW provider's keyword bitflag
// that routes a marker to the dedicated "UserTiming" schema instead of
// a generic text marker, matching Chrome's own ETW keyword table.
const KeywordBlinkUserTiming uint64 = 0x10000

// ChromeTiming converts a Chrome-provider marker's microsecond
// timestamp and string phase to a Timing. Chrome markers carry their
// own timestamp field in microseconds rather than using the ETW
// event's own header timestamp.
func ChromeTiming(conv timeconv.Converter, phase string, timestampUS uint64) Timing {
	ts := conv.ConvertUS(timestampUS)
	switch phase {
	case "Begin":
		return Timing{Kind: IntervalStart, Start: ts}
	case "End":
		return Timing{Kind: IntervalEnd, End: ts}
	default:
		return Timing{Kind: Instant, Start: ts}
	}
}

// RouteChromeMarkerName applies the blink_user_timing keyword routing:
// when set, the marker is recorded under the "UserTiming" schema
// regardless of its nominal name, matching the Chrome provider's own
// keyword convention.
func RouteChromeMarkerName(keyword uint64, markerName string) (name string, isUserTiming bool) {
	if keyword&KeywordBlinkUserTiming != 0 {
		return "UserTiming", true
	}
	return markerName, false
}
