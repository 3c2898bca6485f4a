package engine

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jrmuizel/etw-profiler/internal/etwtrace"
	"github.com/jrmuizel/etw-profiler/internal/profile"
	"github.com/jrmuizel/etw-profiler/internal/registry"
	"github.com/jrmuizel/etw-profiler/pkg/geckoformat"
)

// sliceSource replays a fixed event list, the same closed-trace model
// etwtrace.FileSource implements against a real file.
type sliceSource struct {
	events []etwtrace.Event
	pos    int
}

func (s *sliceSource) Next() (etwtrace.Event, error) {
	if s.pos >= len(s.events) {
		return etwtrace.Event{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func ev(ts uint64, pid, tid uint32, name string, fields map[string]any) etwtrace.Event {
	return etwtrace.Event{
		Header: etwtrace.EventHeader{TimeStamp: ts, ProcessID: pid, ThreadID: tid, Name: name},
		Fields: fields,
	}
}

func addrs(a ...uint64) []any {
	out := make([]any, len(a))
	for i, v := range a {
		out[i] = float64(v)
	}
	return out
}

func headerEvent() etwtrace.Event {
	return ev(0, 0, 0, "MSNT_SystemTrace/EventTrace/Header", map[string]any{
		"PerfFreq": float64(1_000_000_000),
	})
}

func newTestDispatcher(target registry.Target) (*Dispatcher, *profile.Builder) {
	b := profile.New("test")
	d := New(Options{Target: target}, b, zerolog.Nop())
	return d, b
}

func marshalProfile(t *testing.T, b *profile.Builder) geckoformat.Profile {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, b.Marshal(&buf))
	var doc geckoformat.Profile
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	return doc
}

// 1. Header + one on-CPU sample: a SampleProf trigger immediately
// followed by its user-mode stack walk yields exactly one sample.
func TestScenarioSingleOnCPUSample(t *testing.T) {
	d, b := newTestDispatcher(registry.Target{PID: 100})
	src := &sliceSource{events: []etwtrace.Event{
		headerEvent(),
		ev(1000, 100, 0, "MSNT_SystemTrace/Process/Start", map[string]any{"ProcessId": float64(100), "ImageFileName": "app.exe"}),
		ev(1000, 100, 1, "MSNT_SystemTrace/Thread/Start", map[string]any{"ProcessId": float64(100), "TThreadId": float64(1)}),
		ev(2000, 100, 1, "MSNT_SystemTrace/PerfInfo/SampleProf", map[string]any{"ThreadId": float64(1)}),
		ev(2000, 100, 1, "MSNT_SystemTrace/StackWalk/Stack", map[string]any{
			"StackProcess": float64(100), "StackThread": float64(1), "EventTimeStamp": float64(2000),
			"Stack": addrs(0x1000, 0x2000),
		}),
	}}
	require.NoError(t, d.Run(src))

	doc := marshalProfile(t, b)
	require.Len(t, doc.Threads, 1)
	th := doc.Threads[0]
	require.Equal(t, 1, th.Samples.Length)
	require.Equal(t, float64(2000)/1e6, th.Samples.Time[0])
}

// 2. Kernel + user stack halves combine leaf-first (kernel frames
// first) into one sample's stack chain.
func TestScenarioKernelAndUserStackHalves(t *testing.T) {
	d, b := newTestDispatcher(registry.Target{PID: 100})
	src := &sliceSource{events: []etwtrace.Event{
		headerEvent(),
		ev(1000, 100, 0, "MSNT_SystemTrace/Process/Start", map[string]any{"ProcessId": float64(100), "ImageFileName": "app.exe"}),
		ev(1000, 100, 1, "MSNT_SystemTrace/Thread/Start", map[string]any{"ProcessId": float64(100), "TThreadId": float64(1)}),
		ev(2000, 100, 1, "MSNT_SystemTrace/PerfInfo/SampleProf", map[string]any{"ThreadId": float64(1)}),
		ev(2000, 100, 1, "MSNT_SystemTrace/StackWalk/Stack", map[string]any{
			"StackProcess": float64(100), "StackThread": float64(1), "EventTimeStamp": float64(2000),
			"Stack": addrs(0xFFFF800000001000, 0xFFFF800000002000),
		}),
		ev(2000, 100, 1, "MSNT_SystemTrace/StackWalk/Stack", map[string]any{
			"StackProcess": float64(100), "StackThread": float64(1), "EventTimeStamp": float64(2000),
			"Stack": addrs(0x1000, 0x2000),
		}),
	}}
	require.NoError(t, d.Run(src))

	doc := marshalProfile(t, b)
	th := doc.Threads[0]
	require.Equal(t, 1, th.Samples.Length)
	stackIdx := th.Samples.Stack[0]
	require.NotEqual(t, -1, stackIdx)
	// The sample's stack entry is the leaf, i.e. the kernel
	// instruction pointer, interned last since frames reach the sink
	// root-first.
	frameIdx := th.StackTable.Frame[stackIdx]
	relAddr := th.FrameTable.RelativeAddress[frameIdx]
	require.NotEqual(t, int64(-1), relAddr)
	require.Equal(t, 4, th.StackTable.Length) // one chain of four frames, no sharing with any other stack in this test
}

// 3. An off-CPU interval spanning six missed sampling intervals
// produces three samples once its terminating user stack arrives: one
// at the interval's start, one at its end aggregating the remaining
// missed intervals, and the trigger's own on-CPU sample.
func TestScenarioOffCPUMissedIntervals(t *testing.T) {
	d, b := newTestDispatcher(registry.Target{PID: 100})
	src := &sliceSource{events: []etwtrace.Event{
		headerEvent(),
		ev(0, 0, 0, "MSNT_SystemTrace/PerfInfo/CollectionStart", map[string]any{"NewInterval": float64(1000)}),
		ev(1000, 100, 0, "MSNT_SystemTrace/Process/Start", map[string]any{"ProcessId": float64(100), "ImageFileName": "app.exe"}),
		ev(1000, 100, 1, "MSNT_SystemTrace/Thread/Start", map[string]any{"ProcessId": float64(100), "TThreadId": float64(1)}),
		ev(1000, 100, 1, "MSNT_SystemTrace/Thread/CSwitch", map[string]any{"OldThreadId": float64(1), "NewThreadId": float64(999)}),
		ev(7000, 100, 1, "MSNT_SystemTrace/Thread/CSwitch", map[string]any{"OldThreadId": float64(999), "NewThreadId": float64(1)}),
		ev(7000, 100, 1, "MSNT_SystemTrace/PerfInfo/SampleProf", map[string]any{"ThreadId": float64(1)}),
		ev(7000, 100, 1, "MSNT_SystemTrace/StackWalk/Stack", map[string]any{
			"StackProcess": float64(100), "StackThread": float64(1), "EventTimeStamp": float64(7000),
			"Stack": addrs(0x1000),
		}),
	}}
	require.NoError(t, d.Run(src))

	doc := marshalProfile(t, b)
	th := doc.Threads[0]
	// The trigger at ts=7000 carries both the off-CPU group synthesized
	// by the switch-in (begin + rest) and its own on-CPU sample: three
	// samples total, not two.
	require.Equal(t, 3, th.Samples.Length)
	require.Equal(t, 1, th.Samples.Weight[0])
	require.Equal(t, 5, th.Samples.Weight[1])
	require.Equal(t, 1, th.Samples.Weight[2])
	require.Equal(t, float64(1000)/1e6, th.Samples.Time[0])
	require.Equal(t, float64(7000)/1e6, th.Samples.Time[1])
	require.Equal(t, float64(7000)/1e6, th.Samples.Time[2])
}

// 4. A thread id reused by a later Thread/Start after the original
// thread ended starts with a clean pending-stack FIFO: a trigger left
// unmatched on the first incarnation must not bleed into the second.
func TestScenarioThreadIDReuse(t *testing.T) {
	d, b := newTestDispatcher(registry.Target{PID: 100})
	src := &sliceSource{events: []etwtrace.Event{
		headerEvent(),
		ev(1000, 100, 0, "MSNT_SystemTrace/Process/Start", map[string]any{"ProcessId": float64(100), "ImageFileName": "app.exe"}),
		ev(1000, 100, 1, "MSNT_SystemTrace/Thread/Start", map[string]any{"ProcessId": float64(100), "TThreadId": float64(1)}),
		// Trigger with no matching stack walk ever arrives for this
		// incarnation of tid 1.
		ev(2000, 100, 1, "MSNT_SystemTrace/PerfInfo/SampleProf", map[string]any{"ThreadId": float64(1)}),
		ev(3000, 100, 1, "MSNT_SystemTrace/Thread/End", map[string]any{"TThreadId": float64(1)}),
		// tid 1 reused by a new thread in the same process.
		ev(4000, 100, 1, "MSNT_SystemTrace/Thread/Start", map[string]any{"ProcessId": float64(100), "TThreadId": float64(1)}),
		ev(5000, 100, 1, "MSNT_SystemTrace/PerfInfo/SampleProf", map[string]any{"ThreadId": float64(1)}),
		ev(5000, 100, 1, "MSNT_SystemTrace/StackWalk/Stack", map[string]any{
			"StackProcess": float64(100), "StackThread": float64(1), "EventTimeStamp": float64(5000),
			"Stack": addrs(0x1000),
		}),
	}}
	require.NoError(t, d.Run(src))

	doc := marshalProfile(t, b)
	// Two sink threads were registered (one per Thread/Start), but only
	// the second incarnation's stack walk ever resolved into a sample.
	require.Len(t, doc.Threads, 2)
	total := 0
	for _, th := range doc.Threads {
		total += th.Samples.Length
	}
	require.Equal(t, 1, total)
}

// 5. Image-load two-phase binding: ImageID + DbgID_RSDS accumulate a
// partial module record that Image/Load then materializes into
// exactly one library, with path/debug id/arch populated from the
// three events combined.
func TestScenarioImageLoadTwoPhase(t *testing.T) {
	d, b := newTestDispatcher(registry.Target{PID: 100})
	src := &sliceSource{events: []etwtrace.Event{
		headerEvent(),
		ev(1000, 100, 0, "MSNT_SystemTrace/Process/Start", map[string]any{"ProcessId": float64(100), "ImageFileName": "app.exe"}),
		ev(1000, 100, 1, "MSNT_SystemTrace/Thread/Start", map[string]any{"ProcessId": float64(100), "TThreadId": float64(1)}),
		ev(1500, 100, 0, "KernelTraceControl/ImageID/", map[string]any{
			"ProcessId": float64(100), "ImageBase": float64(0x10000),
			"ImageSize": float64(0x1000), "TimeDateStamp": float64(0xABCDEF01),
			"OriginalFileName": `C:\app\lib.dll`,
		}),
		ev(1500, 100, 0, "KernelTraceControl/ImageID/DbgID_RSDS", map[string]any{
			"ProcessId": float64(100), "ImageBase": float64(0x10000), "Age": float64(1),
			"PdbFileName": `C:\app\lib.pdb`,
			"GuidSig": map[string]any{
				"Data1": float64(1), "Data2": float64(2), "Data3": float64(3),
				"Data4": []any{float64(0), float64(1), float64(2), float64(3), float64(4), float64(5), float64(6), float64(7)},
			},
		}),
		ev(1600, 100, 0, "MSNT_SystemTrace/Image/Load", map[string]any{
			"ProcessId": float64(100), "ImageBase": float64(0x10000),
			"ImageSize": float64(0x1000), "FileName": `\Device\HarddiskVolume1\app\lib.dll`,
		}),
		ev(2000, 100, 1, "MSNT_SystemTrace/PerfInfo/SampleProf", map[string]any{"ThreadId": float64(1)}),
		ev(2000, 100, 1, "MSNT_SystemTrace/StackWalk/Stack", map[string]any{
			"StackProcess": float64(100), "StackThread": float64(1), "EventTimeStamp": float64(2000),
			"Stack": addrs(0x10100),
		}),
	}}
	require.NoError(t, d.Run(src))

	doc := marshalProfile(t, b)
	require.Len(t, doc.Libs, 1)
	lib := doc.Libs[0]
	require.Equal(t, "lib.dll", lib.Name)
	require.Equal(t, "lib.pdb", lib.DebugName)
	require.Contains(t, lib.Path, `app\lib.dll`)
	require.NotEmpty(t, lib.DebugID)

	th := doc.Threads[0]
	require.Equal(t, 1, th.Samples.Length)
	stackIdx := th.Samples.Stack[0]
	frameIdx := th.StackTable.Frame[stackIdx]
	funcIdx := th.FrameTable.Func[frameIdx]
	require.Contains(t, th.StringTable[th.FuncTable.Name[funcIdx]], "lib.dll")
}

// 6. An event from a provider this engine never special-cases falls
// through to the generic instant-marker flavor, recorded under a
// category named for the provider.
func TestScenarioUnknownProviderFallbackMarker(t *testing.T) {
	d, b := newTestDispatcher(registry.Target{PID: 100})
	src := &sliceSource{events: []etwtrace.Event{
		headerEvent(),
		ev(1000, 100, 0, "MSNT_SystemTrace/Process/Start", map[string]any{"ProcessId": float64(100), "ImageFileName": "app.exe"}),
		ev(1000, 100, 1, "MSNT_SystemTrace/Thread/Start", map[string]any{"ProcessId": float64(100), "TThreadId": float64(1)}),
		ev(1200, 100, 1, "Some.Unrecognized.Provider/CustomEvent", map[string]any{"Detail": "hello"}),
	}}
	require.NoError(t, d.Run(src))

	doc := marshalProfile(t, b)
	th := doc.Threads[0]
	require.Equal(t, 1, th.Markers.Length)
	name := th.StringTable[th.Markers.Name[0]]
	require.Equal(t, "CustomEvent", name)

	catIdx := th.Markers.Category[0]
	require.Equal(t, "Some.Unrecognized.Provider", doc.Meta.Categories[catIdx].Name)
}
