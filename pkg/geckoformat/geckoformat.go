// Package geckoformat defines the wire types for the "processed
// profile" JSON document the Firefox Profiler viewer loads
// (gecko.json, spec.md §6.4). The tables are columnar (parallel
// slices indexed by position), matching the viewer's own format and
// the teacher's preference for explicit typed structs marshaled via
// encoding/json rather than a generic map.
//
// Fidelity to every optional field of the real upstream schema is out
// of scope; only the fields the sink's operations (spec.md §6.2)
// actually populate are represented here.
package geckoformat

// Profile is the top-level document written to gecko.json.
type Profile struct {
	Meta     Meta      `json:"meta"`
	Libs     []Lib     `json:"libs"`
	Threads  []Thread  `json:"threads"`
	Counters []Counter `json:"counters,omitempty"`
}

// Meta carries document-wide metadata.
type Meta struct {
	Version      int            `json:"version"`
	Interval     float64        `json:"interval"`  // sampling interval, in ms
	StartTime    float64        `json:"startTime"` // ms since Unix epoch
	Product      string         `json:"product"`
	Categories   []Category     `json:"categories"`
	MarkerSchema []MarkerSchema `json:"markerSchema"`
}

// Category is one flame-graph coloring bucket.
type Category struct {
	Name          string   `json:"name"`
	Color         string   `json:"color"`
	Subcategories []string `json:"subcategories"`
}

// MarkerSchema declares a marker type's display shape: a chart/table
// label template using "{marker.data.field}" interpolation and its
// dynamic field list (spec.md §6.2).
type MarkerSchema struct {
	Name       string              `json:"name"`
	TableLabel string              `json:"tableLabel"`
	ChartLabel string              `json:"chartLabel,omitempty"`
	Fields     []MarkerSchemaField `json:"data"`
}

// MarkerSchemaField is one dynamic field a marker type carries.
type MarkerSchemaField struct {
	Key    string `json:"key"`
	Label  string `json:"label"`
	Format string `json:"format"`
}

// Lib is one loaded module (native or synthetic JIT/kernel) with an
// optional symbol table.
type Lib struct {
	Name        string   `json:"name"`
	DebugName   string   `json:"debugName"`
	Path        string   `json:"path"`
	DebugPath   string   `json:"debugPath"`
	CodeID      string   `json:"codeId"`
	DebugID     string   `json:"debugId"`
	Arch        string   `json:"arch"`
	SymbolTable []Symbol `json:"symbolTable,omitempty"`
}

// Symbol is one entry of a library's symbol table, addressed relative
// to the library's base.
type Symbol struct {
	Address uint32 `json:"address"`
	Size    uint32 `json:"size"`
	Name    string `json:"name"`
}

// Thread is one profiled thread (real or, in merge-threads mode, the
// single synthetic global thread).
type Thread struct {
	Name           string       `json:"name"`
	ProcessName    string       `json:"processName"`
	PID            int          `json:"pid"`
	TID            int          `json:"tid"`
	IsMainThread   bool         `json:"isMainThread"`
	RegisterTime   float64      `json:"registerTime"`
	UnregisterTime *float64     `json:"unregisterTime"`
	StringTable    []string     `json:"stringTable"`
	FuncTable      FuncTable    `json:"funcTable"`
	FrameTable     FrameTable   `json:"frameTable"`
	StackTable     StackTable   `json:"stackTable"`
	Samples        SamplesTable `json:"samples"`
	Markers        MarkersTable `json:"markers"`
}

// FuncTable is the columnar table of distinct functions referenced by
// any frame.
type FuncTable struct {
	Name     []int  `json:"name"`     // string table index
	Resource []int  `json:"resource"` // lib index, or -1
	IsJS     []bool `json:"isJS"`
	Length   int    `json:"length"`
}

// FrameTable is the columnar table of distinct (func, relative
// address, category) triples.
type FrameTable struct {
	Func            []int   `json:"func"`
	RelativeAddress []int64 `json:"relativeAddress"` // -1 when not applicable (e.g. a label frame)
	Category        []int   `json:"category"`
	Length          int     `json:"length"`
}

// StackTable is the columnar prefix trie over frames: Prefix[i] is the
// index of the stack one level up, or -1 at the root, directly
// mirroring the stack interner's own trie (spec.md §4.4) one level
// further down the pipeline, after frames have been symbol-resolved.
type StackTable struct {
	Prefix   []int `json:"prefix"`
	Frame    []int `json:"frame"`
	Category []int `json:"category"`
	Length   int   `json:"length"`
}

// SamplesTable is the columnar list of resolved samples.
type SamplesTable struct {
	Stack          []int     `json:"stack"` // -1 for a stackless sample
	Time           []float64 `json:"time"`  // ms since profile start
	Weight         []int     `json:"weight"`
	ThreadCPUDelta []uint64  `json:"threadCPUDelta"` // ns
	Length         int       `json:"length"`
}

// MarkersTable is the columnar list of markers.
type MarkersTable struct {
	Name      []int        `json:"name"`
	StartTime []float64    `json:"startTime"`
	EndTime   []*float64   `json:"endTime"`
	Phase     []int        `json:"phase"`
	Category  []int        `json:"category"`
	Data      []MarkerData `json:"data"`
	Length    int          `json:"length"`
}

// MarkerData is the dynamic payload of one marker; Text is the
// minimum single dynamic field spec.md §6.2 requires.
type MarkerData struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"` // for UserTiming markers
}

// Counter is one process-scoped counter track (e.g. memory usage).
type Counter struct {
	Name     string         `json:"name"`
	Category string         `json:"category"`
	PID      int            `json:"pid"`
	Samples  CounterSamples `json:"samples"`
}

// CounterSamples is the columnar list of counter samples.
type CounterSamples struct {
	Time   []float64 `json:"time"`
	Count  []float64 `json:"count"`
	Length int       `json:"length"`
}
