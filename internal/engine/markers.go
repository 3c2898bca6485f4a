package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jrmuizel/etw-profiler/internal/etwtrace"
	"github.com/jrmuizel/etw-profiler/internal/marker"
	"github.com/jrmuizel/etw-profiler/internal/markerfile"
	"github.com/jrmuizel/etw-profiler/internal/profile"
	"github.com/jrmuizel/etw-profiler/pkg/geckoformat"
)

const (
	firefoxProviderPrefix = "Mozilla.FirefoxTraceLogger/"
	chromeProviderPrefix  = "Google.Chrome/"
)

// dispatchMarker handles every event name not otherwise recognized by
// Dispatch: the generic begin/end pair flavor (any Start/Stop-suffixed
// event), the two application-tagged flavors, and the provider-named
// instant fallback (spec.md §4.9, §4.10's "fully unknown events
// degrade to instant text markers").
func (d *Dispatcher) dispatchMarker(ev etwtrace.Event) {
	name := ev.Header.Name
	switch {
	case strings.HasSuffix(name, "/win:Start"):
		d.markerBegin(ev)
	case strings.HasSuffix(name, "/win:Stop"):
		d.markerEnd(ev)
	default:
		if mn, ok := stripProviderWrap(name, firefoxProviderPrefix); ok {
			d.firefoxMarker(ev, mn)
			return
		}
		if mn, ok := stripProviderWrap(name, chromeProviderPrefix); ok {
			d.chromeMarker(ev, mn)
			return
		}
		d.fallbackMarker(ev)
	}
}

func stripProviderWrap(name, prefix string) (string, bool) {
	rest, ok := strings.CutPrefix(name, prefix)
	if !ok {
		return "", false
	}
	return strings.CutSuffix(rest, "/")
}

func (d *Dispatcher) markerBegin(ev etwtrace.Event) {
	thr := d.reg.Thread(int(ev.Header.ThreadID))
	if thr == nil {
		return
	}
	text := fieldsToText(ev, nil)
	d.markers.Begin(thr.ID, ev.Header.Name, text, ev.Header.TimeStamp)
}

func (d *Dispatcher) markerEnd(ev etwtrace.Event) {
	thr := d.reg.Thread(int(ev.Header.ThreadID))
	if thr == nil {
		return
	}
	h, ok := d.sinkThreadFor(thr.ID)
	if !ok {
		return
	}
	beginName := strings.TrimSuffix(ev.Header.Name, "win:Stop") + "win:Start"
	displayName, _ := strings.CutPrefix(ev.Header.Name, providerOf(ev.Header.Name)+"/")
	endText := fieldsToText(ev, nil)
	endNS := d.conv.ConvertRaw(ev.Header.TimeStamp)
	m := d.markers.End(thr.ID, beginName, displayName, providerOf(ev.Header.Name), endText, endNS)
	d.emitMarker(h, m)
}

func providerOf(name string) string {
	if i := strings.IndexByte(name, '/'); i >= 0 {
		return name[:i]
	}
	return name
}

func (d *Dispatcher) categoryForProvider(provider string) profile.CategoryHandle {
	if h, ok := d.categoryByProv[provider]; ok {
		return h
	}
	h := d.sink.AddCategory(provider, "transparent")
	d.categoryByProv[provider] = h
	return h
}

func (d *Dispatcher) fallbackMarker(ev etwtrace.Event) {
	thr := d.reg.Thread(int(ev.Header.ThreadID))
	if thr == nil {
		d.stats.DroppedSampleCount++
		return
	}
	h, ok := d.sinkThreadFor(thr.ID)
	if !ok {
		return
	}
	provider := providerOf(ev.Header.Name)
	name := ev.Header.Name
	if i := strings.IndexByte(ev.Header.Name, '/'); i >= 0 {
		name = ev.Header.Name[i+1:]
	}
	text := fieldsToText(ev, nil)
	ts := d.conv.ConvertRaw(ev.Header.TimeStamp)
	m := marker.InstantMarker(thr.ID, name, provider, text, ts)
	d.emitMarker(h, m)
}

func (d *Dispatcher) firefoxMarker(ev etwtrace.Event, markerName string) {
	thr := d.reg.Thread(int(ev.Header.ThreadID))
	if thr == nil {
		d.stats.DroppedSampleCount++
		return
	}
	h, ok := d.sinkThreadFor(thr.ID)
	if !ok {
		return
	}
	if !d.qpcTimestamps {
		d.log.Error().Str("marker", markerName).Msg("firefox marker seen but trace timestamps are not QPC; app and ETW times are incomparable")
		return
	}
	startQPC, _ := etwtrace.FieldUint64(ev, "StartTime")
	endQPC, _ := etwtrace.FieldUint64(ev, "EndTime")
	var phase int
	var instantQPC uint64
	if p, ok := etwtrace.FieldUint64(ev, "Phase"); ok {
		phase = int(p)
		instantQPC = startQPC
	} else {
		phase, instantQPC = marker.InferFirefoxPhase(startQPC, endQPC)
	}
	timing, err := marker.FirefoxTiming(d.conv, phase, startQPC, endQPC, instantQPC)
	if err != nil {
		d.log.Warn().Err(err).Str("marker", markerName).Msg("dropping firefox marker with unexpected phase")
		return
	}

	skip := map[string]bool{"MarkerName": true, "StartTime": true, "EndTime": true, "Phase": true, "InnerWindowId": true, "CategoryPair": true}
	text := fieldsToText(ev, skip)

	name := markerName
	switch markerName {
	case "UserTiming":
		userName, _ := etwtrace.FieldString(ev, "name")
		data := geckoformat.MarkerData{Type: "UserTiming", Name: userName}
		d.emitTimed(h, d.defaultCategory, "UserTiming", data, timing)
		return
	case "SimpleMarker", "Text", "tracing":
		if mn, ok := etwtrace.FieldString(ev, "MarkerName"); ok {
			name = mn
		}
	}
	data := geckoformat.MarkerData{Type: "Text", Text: text}
	d.emitTimed(h, d.defaultCategory, name, data, timing)
}

func (d *Dispatcher) chromeMarker(ev etwtrace.Event, markerName string) {
	thr := d.reg.Thread(int(ev.Header.ThreadID))
	if thr == nil {
		d.stats.DroppedSampleCount++
		return
	}
	h, ok := d.sinkThreadFor(thr.ID)
	if !ok {
		return
	}
	phase, _ := etwtrace.FieldString(ev, "Phase")
	tsUS, _ := etwtrace.FieldUint64(ev, "Timestamp")
	timing := marker.ChromeTiming(d.conv, phase, tsUS)

	name, isUserTiming := marker.RouteChromeMarkerName(ev.Header.Keyword, markerName)
	if isUserTiming {
		data := geckoformat.MarkerData{Type: "UserTiming", Name: markerName}
		d.emitTimed(h, d.defaultCategory, name, data, timing)
		return
	}

	skip := map[string]bool{"Timestamp": true, "Phase": true, "Duration": true}
	text := fieldsToText(ev, skip)
	data := geckoformat.MarkerData{Type: "Text", Text: text}
	d.emitTimed(h, d.defaultCategory, name, data, timing)
}

// emitMarker converts an already-assembled marker.Marker (used by the
// generic begin/end and fallback flavors, which carry their own
// category) into a sink call.
func (d *Dispatcher) emitMarker(h profile.ThreadHandle, m marker.Marker) {
	cat := d.categoryForProvider(m.Category)
	d.emitTimed(h, cat, m.Name, geckoformat.MarkerData{Type: "Text", Text: m.Text}, m.Timing)
}

// emitTimed converts a marker.Timing into the sink's (startMS, *endMS,
// phase) triple.
func (d *Dispatcher) emitTimed(h profile.ThreadHandle, cat profile.CategoryHandle, name string, data geckoformat.MarkerData, t marker.Timing) {
	startMS := float64(t.Start) / 1e6
	var endMS *float64
	if t.Kind == marker.Interval || t.Kind == marker.IntervalEnd {
		e := float64(t.End) / 1e6
		endMS = &e
	}
	if t.Kind == marker.IntervalEnd {
		startMS = 0
	}
	d.sink.AddMarker(h, cat, name, data, startMS, endMS, int(t.Kind))
}

// fieldsToText renders an event's remaining fields as a deterministic
// "key: value, " sequence for a generic text marker's body, skipping
// any key in skip.
func fieldsToText(ev etwtrace.Event, skip map[string]bool) string {
	keys := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		if skip != nil && skip[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v, ", k, ev.Fields[k])
	}
	return b.String()
}

// emitMarkerFile splices the optional --marker-file sidecar's markers
// into the profile, and restricts buffered samples to markers' time
// ranges when --filter-by-marker-prefix named a non-empty prefix that
// matched at least one entry.
func (d *Dispatcher) emitMarkerFile() {
	if len(d.markerEntries) == 0 {
		return
	}
	markers, ranges := markerfile.Markers(d.markerEntries, d.opts.MarkerFilePrefix, d.conv)
	d.markerRanges = ranges
	for _, m := range markers {
		h, ok := d.sinkThreadFor(m.ThreadID)
		if !ok {
			continue
		}
		cat := d.categoryForProvider(m.Category)
		data := geckoformat.MarkerData{Type: "Text", Text: m.Text}
		d.emitTimed(h, cat, m.Name, data, m.Timing)
	}
}
