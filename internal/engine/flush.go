package engine

import (
	"fmt"

	"github.com/jrmuizel/etw-profiler/internal/jit"
	"github.com/jrmuizel/etw-profiler/internal/libmap"
	"github.com/jrmuizel/etw-profiler/internal/profile"
	"github.com/jrmuizel/etw-profiler/internal/reconcile"
	"github.com/jrmuizel/etw-profiler/internal/registry"
	"github.com/jrmuizel/etw-profiler/internal/stackintern"
	"github.com/jrmuizel/etw-profiler/pkg/geckoformat"
)

// Flush resolves every buffered sample against its process's
// lib-mapping and JIT queues and hands the result to the sink. It is
// the only point at which addresses actually get resolved, per
// spec.md §4.8's "buffer until trace end" flush rule, generalized
// here from JIT libraries to every library so resolution always sees
// a fully replayed queue.
func (d *Dispatcher) Flush() {
	for _, proc := range d.reg.Processes() {
		d.flushProcess(proc)
	}
	for tid, thr := range d.reg.Threads() {
		n := reconcile.DiscardStale(thr.Pending)
		if n > 0 {
			d.stats.DroppedSampleCount += n
			d.log.Debug().Int("tid", tid).Int("discarded", n).Msg("discarded unmatched pending-stack entries at trace end")
		}
	}
}

func (d *Dispatcher) flushProcess(proc *registry.Process) {
	samples := d.unresolved[proc.ID]
	if len(samples) == 0 {
		return
	}
	if lib, ok := d.jitLibHandle[proc.ID]; ok {
		d.sink.SetLibSymbolTable(lib, toGeckoSymbols(d.jitReg.SymbolTable(proc.ID)))
	}

	nativeR := libmap.NewResolver(proc.Libs)
	jitR := libmap.NewResolver(proc.JITLibs)
	kernelR := libmap.NewResolver(d.kernelLibs)

	// --filter-by-marker-prefix restricts samples to the marker-file
	// spans it selected, matching main.rs's sample_ranges argument to
	// its flush; it only applies once a prefix was given and it
	// actually matched at least one marker-file entry.
	filterSamples := d.opts.MarkerFilePrefix != "" && d.markerRanges.Len() > 0

	for _, us := range samples {
		// markerRanges stores ns (profile-relative) bounds, matching
		// markerfile.Markers's own conversion; compare against the
		// sample's ns timestamp, not its raw one.
		if filterSamples && !d.markerRanges.Contains(us.sample.NSTimestamp) {
			continue
		}
		nativeR.Advance(us.sample.RawTimestamp)
		jitR.Advance(us.sample.RawTimestamp)
		kernelR.Advance(us.sample.RawTimestamp)

		// raw is leaf-first; the sink takes frames root-first, so walk
		// it backwards. The merge-mode label then goes in front, as the
		// root.
		raw := d.interner.Resolve(us.sample.Stack)
		frames := make([]profile.Frame, 0, len(raw)+1)
		for i := len(raw) - 1; i >= 0; i-- {
			frames = append(frames, d.resolveFrame(raw[i], nativeR, jitR, kernelR))
		}
		if us.hasExtraLabel {
			label := profile.Frame{FuncName: us.extraLabel, RelativeAddress: -1, Category: d.defaultCategory, Resource: -1}
			frames = append([]profile.Frame{label}, frames...)
		}

		cpuDeltaNS := us.sample.CPUDeltaRaw * d.conv.RawToNSFactor
		timeMS := float64(us.sample.NSTimestamp) / 1e6
		d.sink.AddSample(us.sinkThread, timeMS, frames, cpuDeltaNS, us.sample.Weight)
	}
}

func (d *Dispatcher) resolveFrame(f stackintern.Frame, nativeR, jitR, kernelR *libmap.Resolver) profile.Frame {
	if f.Mode == stackintern.ModeKernel {
		if rel, info, ok := kernelR.Lookup(f.Address); ok {
			lib, _ := info.Extra.(profile.LibHandle)
			return profile.Frame{
				FuncName:        fmt.Sprintf("%s+0x%x", info.LibraryName, rel),
				RelativeAddress: int64(rel),
				Category:        d.kernelCategory,
				Resource:        lib,
			}
		}
		return d.unknownFrame(f.Address, d.kernelCategory)
	}

	if rel, info, ok := jitR.Lookup(f.Address); ok {
		je, _ := info.Extra.(jitExtra)
		return profile.Frame{
			FuncName:        je.name,
			RelativeAddress: int64(rel),
			Category:        d.categoryForJIT(je.category),
			IsJS:            je.isJS,
			Resource:        je.lib,
		}
	}

	if rel, info, ok := nativeR.Lookup(f.Address); ok {
		lib, _ := info.Extra.(profile.LibHandle)
		return profile.Frame{
			FuncName:        fmt.Sprintf("%s+0x%x", info.LibraryName, rel),
			RelativeAddress: int64(rel),
			Category:        d.defaultCategory,
			Resource:        lib,
		}
	}

	return d.unknownFrame(f.Address, d.defaultCategory)
}

// unknownFrame is the fallback for an address that falls outside
// every library range this engine ever saw: native-code symbolication
// is out of scope (spec.md Non-goals), so the best this engine can do
// is label the frame with its raw address.
func (d *Dispatcher) unknownFrame(addr uint64, cat profile.CategoryHandle) profile.Frame {
	return profile.Frame{FuncName: fmt.Sprintf("0x%x", addr), RelativeAddress: int64(addr), Category: cat, Resource: -1}
}

func (d *Dispatcher) categoryForJIT(c jit.Category) profile.CategoryHandle {
	if h, ok := d.categoryByJIT[c]; ok {
		return h
	}
	h := d.sink.AddCategory(c.String(), "yellow")
	d.categoryByJIT[c] = h
	return h
}

func toGeckoSymbols(symbols []jit.Symbol) []geckoformat.Symbol {
	out := make([]geckoformat.Symbol, len(symbols))
	for i, s := range symbols {
		out[i] = geckoformat.Symbol{Address: s.Address, Size: s.Size, Name: s.Name}
	}
	return out
}
