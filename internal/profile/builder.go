// Package profile implements the one concrete sink (spec.md §6.2) used
// by this engine: profile.Builder accumulates processes, threads,
// libraries, categories, counters and markers, and serializes the
// result to gecko.json (spec.md §6.4) via pkg/geckoformat's wire
// types.
//
// By the time a sample reaches AddSample its frames are already
// symbol-resolved (library + relative address, or a synthetic label)
// by the engine's own C3/C4/C8 components; Builder's job is purely to
// intern that information into the columnar tables the viewer expects
// — it does not itself replay any lib-mapping queue. AddKernelLibMapping
// is kept as a named operation to match spec.md §6.2's sink surface,
// recording the mapping for completeness even though resolution has
// already happened upstream.
package profile

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/jrmuizel/etw-profiler/pkg/geckoformat"
)

type (
	ProcessHandle  int
	ThreadHandle   int
	LibHandle      int
	CategoryHandle int
	CounterHandle  int
	// StackHandle is a profile-level (post-resolution) stack index,
	// local to one thread's stack table — distinct from
	// stackintern.Handle, which indexes raw, unresolved frame chains.
	StackHandle int
)

// NoStack is the sentinel for a stackless sample.
const NoStack StackHandle = -1

// Frame is one already-resolved stack frame, ready to intern into the
// profile's func/frame/stack tables. AddSample takes frames root-first
// (outermost caller first, leaf last), the reverse of the leaf-first
// order stackintern.Convert takes.
type Frame struct {
	FuncName        string
	RelativeAddress int64 // -1 for a synthetic label frame (no address)
	Category        CategoryHandle
	IsJS            bool
	Resource        LibHandle // -1 if none (e.g. a label frame)
}

type funcKey struct {
	name     string
	resource LibHandle
	isJS     bool
}

type frameKey struct {
	fn       int
	relAddr  int64
	category CategoryHandle
}

type stackKey struct {
	prefix StackHandle
	frame  int
}

type threadState struct {
	name           string
	processName    string
	pid, tid       int
	isMain         bool
	registerTime   float64
	unregisterTime *float64

	strings   []string
	stringIdx map[string]int
	funcTab   geckoformat.FuncTable
	funcIdx   map[funcKey]int
	frameTab  geckoformat.FrameTable
	frameIdx  map[frameKey]int
	stackTab  geckoformat.StackTable
	stackIdx  map[stackKey]StackHandle
	samples   geckoformat.SamplesTable
	markers   geckoformat.MarkersTable
}

type processState struct {
	name    string
	pid     int
	threads []*threadState
}

// Builder accumulates one complete profile.
type Builder struct {
	meta          geckoformat.Meta
	libs          []geckoformat.Lib
	categoryIndex map[string]CategoryHandle
	processes     []*processState
	threadByID    map[ThreadHandle]*threadState
	counters      []geckoformat.Counter
	nextThreadID  int
}

// New returns an empty Builder.
func New(product string) *Builder {
	b := &Builder{
		meta:          geckoformat.Meta{Version: 29, Product: product},
		categoryIndex: make(map[string]CategoryHandle),
		threadByID:    make(map[ThreadHandle]*threadState),
	}
	b.AddCategory("Other", "grey")
	return b
}

// SetInterval records the sampling interval, in milliseconds.
func (b *Builder) SetInterval(ms float64) { b.meta.Interval = ms }

// SetStartTime records the profile's reference wall-clock time, in
// milliseconds since the Unix epoch.
func (b *Builder) SetStartTime(ms float64) { b.meta.StartTime = ms }

// AddCategory registers a flame-graph color category, returning its
// existing handle if name was already registered (categories are
// created lazily — e.g. once per unrecognized marker provider, per
// spec.md §4.9).
func (b *Builder) AddCategory(name, color string) CategoryHandle {
	if h, ok := b.categoryIndex[name]; ok {
		return h
	}
	h := CategoryHandle(len(b.meta.Categories))
	b.meta.Categories = append(b.meta.Categories, geckoformat.Category{Name: name, Color: color})
	b.categoryIndex[name] = h
	return h
}

// AddMarkerSchema registers a marker type's display schema.
func (b *Builder) AddMarkerSchema(schema geckoformat.MarkerSchema) {
	b.meta.MarkerSchema = append(b.meta.MarkerSchema, schema)
}

// AddProcess registers a new process.
func (b *Builder) AddProcess(name string, pid int) ProcessHandle {
	h := ProcessHandle(len(b.processes))
	b.processes = append(b.processes, &processState{name: name, pid: pid})
	return h
}

// AddThread registers a new thread under proc.
func (b *Builder) AddThread(proc ProcessHandle, tid int, registerTimeMS float64) ThreadHandle {
	p := b.processes[proc]
	ts := &threadState{
		pid:          p.pid,
		tid:          tid,
		processName:  p.name,
		registerTime: registerTimeMS,
		stringIdx:    make(map[string]int),
		funcIdx:      make(map[funcKey]int),
		frameIdx:     make(map[frameKey]int),
		stackIdx:     make(map[stackKey]StackHandle),
	}
	p.threads = append(p.threads, ts)
	h := ThreadHandle(b.nextThreadID)
	b.nextThreadID++
	b.threadByID[h] = ts
	return h
}

// SetThreadName sets or renames a thread (Thread/SetName, or the
// initial name at Thread/Start).
func (b *Builder) SetThreadName(th ThreadHandle, name string) {
	b.threadByID[th].name = name
}

// SetMainThread marks th as its process's main thread.
func (b *Builder) SetMainThread(th ThreadHandle) {
	b.threadByID[th].isMain = true
}

// SetThreadEndTime records when a thread ended, in ms.
func (b *Builder) SetThreadEndTime(th ThreadHandle, endTimeMS float64) {
	t := endTimeMS
	b.threadByID[th].unregisterTime = &t
}

// AddLib registers a library (native, kernel, or synthetic JIT) and
// returns its handle.
func (b *Builder) AddLib(lib geckoformat.Lib) LibHandle {
	h := LibHandle(len(b.libs))
	b.libs = append(b.libs, lib)
	return h
}

// AddKernelLibMapping records that lib covers [startAVMA, endAVMA) in
// the kernel address space. See the package doc for why this is a
// bookkeeping-only operation in this implementation.
func (b *Builder) AddKernelLibMapping(lib LibHandle, startAVMA, endAVMA uint64, relativeAddressAtStart uint32) {
	_ = lib
	_ = startAVMA
	_ = endAVMA
	_ = relativeAddressAtStart
}

// SetLibSymbolTable attaches a symbol table to a previously added
// library. Must be called before any sample referencing lib is
// flushed via AddSample (spec.md §4.8's flush rule).
func (b *Builder) SetLibSymbolTable(lib LibHandle, symbols []geckoformat.Symbol) {
	b.libs[lib].SymbolTable = symbols
}

// AddCounter registers a process-scoped counter track.
func (b *Builder) AddCounter(proc ProcessHandle, name, category string) CounterHandle {
	h := CounterHandle(len(b.counters))
	b.counters = append(b.counters, geckoformat.Counter{
		Name:     name,
		Category: category,
		PID:      b.processes[proc].pid,
	})
	return h
}

// AddCounterSample appends one counter observation.
func (b *Builder) AddCounterSample(c CounterHandle, timeMS, count float64) {
	s := &b.counters[c].Samples
	s.Time = append(s.Time, timeMS)
	s.Count = append(s.Count, count)
	s.Length++
}

// AddMarker appends a fully assembled marker to th's marker table.
func (b *Builder) AddMarker(th ThreadHandle, category CategoryHandle, name string, data geckoformat.MarkerData, startMS float64, endMS *float64, phase int) {
	t := b.threadByID[th]
	m := &t.markers
	m.Name = append(m.Name, t.internString(name))
	m.StartTime = append(m.StartTime, startMS)
	m.EndTime = append(m.EndTime, endMS)
	m.Phase = append(m.Phase, phase)
	m.Category = append(m.Category, int(category))
	m.Data = append(m.Data, data)
	m.Length++
}

// AddSample appends one resolved sample. frames is root-first (the
// reverse of the order stackintern.Resolve returns): frames[0] becomes
// the stack table root and the last frame the sample's own stack entry;
// frames may be nil for a stackless (lost) sample.
func (b *Builder) AddSample(th ThreadHandle, timeMS float64, frames []Frame, cpuDeltaNS uint64, weight uint64) {
	t := b.threadByID[th]
	stack := t.internStack(frames)
	s := &t.samples
	s.Stack = append(s.Stack, int(stack))
	s.Time = append(s.Time, timeMS)
	s.Weight = append(s.Weight, int(weight))
	s.ThreadCPUDelta = append(s.ThreadCPUDelta, cpuDeltaNS)
	s.Length++
}

// InternString returns the given thread's string-table index for s,
// inserting it if new. Exposed mainly for markers whose dynamic text
// field must itself be interned.
func (b *Builder) InternString(th ThreadHandle, s string) int {
	return b.threadByID[th].internString(s)
}

func (t *threadState) internString(s string) int {
	if i, ok := t.stringIdx[s]; ok {
		return i
	}
	i := len(t.strings)
	t.strings = append(t.strings, s)
	t.stringIdx[s] = i
	return i
}

// internFrame and internStack build the per-thread columnar
// frame/stack tables, sharing prefixes exactly like stackintern's trie
// (spec.md §4.4) does one level earlier for raw, unresolved chains.
func (t *threadState) internFrame(f Frame) int {
	fn := t.internFuncRow(f)
	key := frameKey{fn: fn, relAddr: f.RelativeAddress, category: f.Category}
	if i, ok := t.frameIdx[key]; ok {
		return i
	}
	i := t.frameTab.Length
	t.frameTab.Func = append(t.frameTab.Func, fn)
	t.frameTab.RelativeAddress = append(t.frameTab.RelativeAddress, f.RelativeAddress)
	t.frameTab.Category = append(t.frameTab.Category, int(f.Category))
	t.frameTab.Length++
	t.frameIdx[key] = i
	return i
}

func (t *threadState) internFuncRow(f Frame) int {
	key := funcKey{name: f.FuncName, resource: f.Resource, isJS: f.IsJS}
	if i, ok := t.funcIdx[key]; ok {
		return i
	}
	nameIdx := t.internString(f.FuncName)
	resource := -1
	if f.Resource >= 0 {
		resource = int(f.Resource)
	}
	idx := t.funcTab.Length
	t.funcTab.Name = append(t.funcTab.Name, nameIdx)
	t.funcTab.Resource = append(t.funcTab.Resource, resource)
	t.funcTab.IsJS = append(t.funcTab.IsJS, f.IsJS)
	t.funcTab.Length++
	t.funcIdx[key] = idx
	return idx
}

func (t *threadState) internStack(frames []Frame) StackHandle {
	cur := StackHandle(-1)
	for _, f := range frames {
		frameIdx := t.internFrame(f)
		key := stackKey{prefix: cur, frame: frameIdx}
		next, ok := t.stackIdx[key]
		if !ok {
			next = StackHandle(t.stackTab.Length)
			prefix := -1
			if cur >= 0 {
				prefix = int(cur)
			}
			t.stackTab.Prefix = append(t.stackTab.Prefix, prefix)
			t.stackTab.Frame = append(t.stackTab.Frame, frameIdx)
			t.stackTab.Category = append(t.stackTab.Category, t.frameTab.Category[frameIdx])
			t.stackTab.Length++
			t.stackIdx[key] = next
		}
		cur = next
	}
	return cur
}

// Marshal serializes the accumulated state to the gecko.json document
// shape and writes it to w.
func (b *Builder) Marshal(w io.Writer) error {
	doc := geckoformat.Profile{
		Meta:     b.meta,
		Libs:     b.libs,
		Counters: b.counters,
	}
	for _, p := range b.processes {
		for _, t := range p.threads {
			doc.Threads = append(doc.Threads, geckoformat.Thread{
				Name:           t.name,
				ProcessName:    t.processName,
				PID:            t.pid,
				TID:            t.tid,
				IsMainThread:   t.isMain,
				RegisterTime:   t.registerTime,
				UnregisterTime: t.unregisterTime,
				StringTable:    t.strings,
				FuncTable:      t.funcTab,
				FrameTable:     t.frameTab,
				StackTable:     t.stackTab,
				Samples:        t.samples,
				Markers:        t.markers,
			})
		}
	}
	enc := json.NewEncoder(w)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("profile: marshal: %w", err)
	}
	return nil
}
