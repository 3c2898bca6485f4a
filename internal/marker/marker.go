// Package marker assembles the four ETW marker flavors spec.md §4.9
// describes into a single Timing + text representation the sink can
// record (spec component C9): plain instants, single-provider
// begin/end pairs, and the two application-tagged flavors (Firefox
// and Chrome), whose own phase/timestamp conventions are handled in
// firefox.go and chrome.go.
package marker

// Kind is the reconstructed marker timing shape.
type Kind int

const (
	Instant Kind = iota
	Interval
	IntervalStart
	IntervalEnd
)

// Timing carries the nanosecond timestamps appropriate to Kind: only
// Start for Instant/IntervalStart, only End for IntervalEnd, both for
// Interval.
type Timing struct {
	Kind  Kind
	Start uint64
	End   uint64
}

// Marker is a fully assembled marker ready for the sink.
type Marker struct {
	ThreadID int
	Name     string
	Category string
	Text     string
	Timing   Timing
}

type beginEndKey struct {
	ThreadID  int
	EventName string
}

type pendingBegin struct {
	Text    string
	StartNS uint64
}

// Assembler reconstructs begin/end interval markers from a per-thread,
// per-event-name open-interval table; all other marker flavors need no
// state and are built by the package-level helpers below plus
// firefox.go/chrome.go.
type Assembler struct {
	open map[beginEndKey]pendingBegin
}

// New returns an empty Assembler.
func New() *Assembler {
	return &Assembler{open: make(map[beginEndKey]pendingBegin)}
}

// Begin records the start of a single-provider begin/end pair, keyed
// by the fully-qualified event name (e.g.
// "Microsoft-Windows-Direct3D11/ID3D11VideoContext_SubmitDecoderBuffers/win:Start").
func (a *Assembler) Begin(threadID int, eventName, text string, startNS uint64) {
	a.open[beginEndKey{threadID, eventName}] = pendingBegin{Text: text, StartNS: startNS}
}

// End closes a begin/end pair for beginEventName (the Start event's
// own fully-qualified name — ETW pairs Start/Stop events under
// distinct names, so the caller supplies the Start name to look up).
// If no matching Begin was ever recorded, it emits a degenerate
// IntervalEnd marker per spec.md §4.9, rather than dropping the event.
func (a *Assembler) End(threadID int, beginEventName string, displayName, category, endText string, endNS uint64) Marker {
	key := beginEndKey{threadID, beginEventName}
	pending, ok := a.open[key]
	delete(a.open, key)

	if !ok {
		return Marker{
			ThreadID: threadID,
			Name:     displayName,
			Category: category,
			Text:     endText,
			Timing:   Timing{Kind: IntervalEnd, End: endNS},
		}
	}
	return Marker{
		ThreadID: threadID,
		Name:     displayName,
		Category: category,
		Text:     pending.Text + endText,
		Timing:   Timing{Kind: Interval, Start: pending.StartNS, End: endNS},
	}
}

// InstantMarker builds a plain instant marker; the dispatcher uses it
// as the fallback for any unrecognized provider (spec.md §4.9's "unrecognized providers
// emit an instant text marker under a provider-named category").
func InstantMarker(threadID int, name, category, text string, ts uint64) Marker {
	return Marker{
		ThreadID: threadID,
		Name:     name,
		Category: category,
		Text:     text,
		Timing:   Timing{Kind: Instant, Start: ts},
	}
}
