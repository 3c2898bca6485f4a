package profile

import "github.com/jrmuizel/etw-profiler/pkg/geckoformat"

// Sink is the operation set spec.md §6.2 requires of the profile
// builder, extracted as an interface so internal/engine can be tested
// against a fake without constructing a real gecko.json document.
type Sink interface {
	SetInterval(ms float64)
	SetStartTime(ms float64)
	AddCategory(name, color string) CategoryHandle
	AddMarkerSchema(schema geckoformat.MarkerSchema)
	AddProcess(name string, pid int) ProcessHandle
	AddThread(proc ProcessHandle, tid int, registerTimeMS float64) ThreadHandle
	SetThreadName(th ThreadHandle, name string)
	SetMainThread(th ThreadHandle)
	SetThreadEndTime(th ThreadHandle, endTimeMS float64)
	AddLib(lib geckoformat.Lib) LibHandle
	AddKernelLibMapping(lib LibHandle, startAVMA, endAVMA uint64, relativeAddressAtStart uint32)
	SetLibSymbolTable(lib LibHandle, symbols []geckoformat.Symbol)
	AddCounter(proc ProcessHandle, name, category string) CounterHandle
	AddCounterSample(c CounterHandle, timeMS, count float64)
	AddMarker(th ThreadHandle, category CategoryHandle, name string, data geckoformat.MarkerData, startMS float64, endMS *float64, phase int)
	AddSample(th ThreadHandle, timeMS float64, frames []Frame, cpuDeltaNS uint64, weight uint64)
	InternString(th ThreadHandle, s string) int
}

var _ Sink = (*Builder)(nil)
