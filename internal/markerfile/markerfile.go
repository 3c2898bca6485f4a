// Package markerfile loads the optional --marker-file sidecar: a
// newline-delimited JSON file of externally computed marker spans
// (e.g. GC pauses or compile phases recorded by an out-of-band tool)
// to splice into the profile alongside the markers the trace itself
// produces, plus the derived time ranges those spans cover so the
// dispatcher can apply --filter-by-marker-prefix (samples outside any
// matching marker's range are dropped).
package markerfile

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jrmuizel/etw-profiler/internal/marker"
	"github.com/jrmuizel/etw-profiler/internal/timeconv"
)

// Entry is one line of the marker file, timestamps given in the same
// raw tick units as the trace being annotated.
type Entry struct {
	Name       string `json:"name"`
	Category   string `json:"category"`
	Text       string `json:"text"`
	ThreadID   int    `json:"threadId"`
	StartTicks uint64 `json:"start"`
	EndTicks   uint64 `json:"end"`
}

// Load parses a newline-delimited JSON marker file. Blank lines are
// skipped.
func Load(r io.Reader) ([]Entry, error) {
	var entries []Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			return nil, fmt.Errorf("markerfile: line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("markerfile: %w", err)
	}
	return entries, nil
}

// Markers converts entries to assembled markers, keeping only those
// whose Name has prefix (when prefix is non-empty), and returns the
// time ranges (in ns, profile-relative) the kept entries cover so a
// caller can restrict sample emission to within them.
func Markers(entries []Entry, prefix string, conv timeconv.Converter) ([]marker.Marker, *Ranges[Entry]) {
	var out []marker.Marker
	ranges := new(Ranges[Entry])
	for _, e := range entries {
		if prefix != "" && !strings.HasPrefix(e.Name, prefix) {
			continue
		}
		startNS := conv.ConvertRaw(e.StartTicks)
		endNS := conv.ConvertRaw(e.EndTicks)
		out = append(out, marker.Marker{
			ThreadID: e.ThreadID,
			Name:     e.Name,
			Category: e.Category,
			Text:     e.Text,
			Timing: marker.Timing{
				Kind:  marker.Interval,
				Start: startNS,
				End:   endNS,
			},
		})
		if endNS > startNS {
			ranges.Add(startNS, endNS, e)
		}
	}
	return out, ranges
}
