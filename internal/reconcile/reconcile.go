// Package reconcile implements the pending-stack state machine (spec
// component C5): the central correlation point that pairs a sample
// trigger (sample-prof interrupt, page fault, or context-switch-in)
// with the stack-walk event that arrives for it later, carrying the
// trigger's own timestamp instead of its own.
package reconcile

import (
	"container/list"

	"github.com/jrmuizel/etw-profiler/internal/ctxswitch"
	"github.com/jrmuizel/etw-profiler/internal/stackintern"
	"github.com/jrmuizel/etw-profiler/internal/timeconv"
)

// Sample is a fully resolved, but not yet library-resolved, profile
// sample: its raw timestamp and nanosecond timestamp are both kept,
// because library resolution (C3) replays its op-queue in raw-
// timestamp order while the sink wants nanoseconds.
type Sample struct {
	RawTimestamp uint64
	NSTimestamp  uint64
	Stack        stackintern.Handle
	CPUDeltaRaw  uint64
	Weight       uint64
}

// pendingEntry is one queued trigger awaiting its user-stack half. A
// single entry may carry both an off-CPU group and an on-CPU delta at
// once (a sample-prof interrupt that also drains a pending off-CPU
// group synthesized by the preceding switch-in): the two are
// independent and both are emitted when present.
type pendingEntry struct {
	triggerTS     uint64
	kernel        []stackintern.Frame
	haveKernel    bool
	offCPU        ctxswitch.OffCPUGroup
	haveOffCPU    bool
	offBeginDelta uint64
	onCPUDelta    uint64
	haveOnCPU     bool
}

// Reconciler is stateless; all mutable state lives on the per-thread
// FIFO the caller supplies (registry.Thread.Pending), matching
// spec.md's "the FIFO lives on the thread record" data model.
type Reconciler struct {
	interner *stackintern.Interner
	conv     *timeconv.Converter
	warn     func(format string, args ...any)
}

// New returns a Reconciler that interns stacks with interner and
// converts trigger timestamps to nanoseconds with conv. warn, if
// non-nil, receives a formatted message for tolerated anomalies
// (duplicate kernel stacks for one trigger); it may be nil to discard
// them.
func New(interner *stackintern.Interner, conv *timeconv.Converter, warn func(string, ...any)) *Reconciler {
	if warn == nil {
		warn = func(string, ...any) {}
	}
	return &Reconciler{interner: interner, conv: conv, warn: warn}
}

// PushTrigger enqueues a new pending-stack entry for a sample-prof,
// page-fault, or context-switch-in event at raw timestamp ts. offCPU
// and onCPUDelta are independent: a sample-prof that also drains a
// pending off-CPU group carries both, and both are emitted when the
// entry is consumed. offBeginDelta is the CPU delta attributed to the
// off-CPU group's begin sample (a separate consume_cpu_delta draw
// from onCPUDelta's, per the original's two independent triggers at
// main.rs:499 and main.rs:516); it is ignored when haveOffCPU is false.
func (r *Reconciler) PushTrigger(pending *list.List, ts uint64, offCPU ctxswitch.OffCPUGroup, haveOffCPU bool, offBeginDelta uint64, onCPUDelta uint64, haveOnCPU bool) {
	pending.PushBack(&pendingEntry{
		triggerTS:     ts,
		offCPU:        offCPU,
		haveOffCPU:    haveOffCPU,
		offBeginDelta: offBeginDelta,
		onCPUDelta:    onCPUDelta,
		haveOnCPU:     haveOnCPU,
	})
}

// AttachKernelStack handles a stack-walk event whose first frame is in
// kernel mode: the kernel half of a two-part stack. It searches
// pending from newest to oldest for the entry whose trigger timestamp
// equals eventTS and attaches frames as that entry's kernel stack.
// Duplicate kernel stacks for the same trigger are concatenated, with
// a warning, rather than dropped, since neither half is more
// authoritative. A stack-walk that matches no pending trigger (one
// arriving before any trigger was pushed) is silently discarded, per
// spec.md's documented failure mode.
func (r *Reconciler) AttachKernelStack(pending *list.List, eventTS uint64, frames []stackintern.Frame) {
	for e := pending.Back(); e != nil; e = e.Prev() {
		pe := e.Value.(*pendingEntry)
		if pe.triggerTS != eventTS {
			continue
		}
		if pe.haveKernel {
			r.warn("duplicate kernel stack for trigger ts=%d, concatenating", eventTS)
			pe.kernel = append(pe.kernel, frames...)
		} else {
			pe.kernel = frames
			pe.haveKernel = true
		}
		return
	}
}

// ConsumeWithUserStack handles a stack-walk event whose first frame is
// in user mode: the terminating half. Every pending entry with
// trigger timestamp <= eventTS is consumed in FIFO (insertion) order;
// "<=" rather than "==" is intentional, since a single user stack can
// terminate multiple triggers that fired nearly simultaneously on the
// same thread (e.g. a sample-prof and a context-switch). Consumed
// entries are removed from pending. haveOffCPU and haveOnCPU are
// independent (main.rs:499 and main.rs:516 are two separate `if let`
// blocks, not a mutually exclusive match): an entry carrying both
// yields its off-CPU begin/rest samples *and* its on-CPU sample at the
// trigger timestamp, for up to three resolved samples per spec.md
// §4.5 step 3.
func (r *Reconciler) ConsumeWithUserStack(pending *list.List, eventTS uint64, userFrames []stackintern.Frame) []Sample {
	var out []Sample
	for e := pending.Front(); e != nil; {
		pe := e.Value.(*pendingEntry)
		if pe.triggerTS > eventTS {
			break
		}
		next := e.Next()
		pending.Remove(e)
		e = next

		if pe.haveOffCPU {
			out = append(out, r.emitOffCPU(pe, userFrames)...)
		}
		if pe.haveOnCPU {
			out = append(out, r.emitOnCPU(pe, userFrames))
		}
	}
	return out
}

func (r *Reconciler) emitOffCPU(pe *pendingEntry, userFrames []stackintern.Frame) []Sample {
	chain := r.combine(pe, userFrames)
	handle := r.interner.Convert(chain)

	first := Sample{
		RawTimestamp: pe.offCPU.Begin,
		NSTimestamp:  r.conv.ConvertRaw(pe.offCPU.Begin),
		Stack:        handle,
		CPUDeltaRaw:  pe.offBeginDelta,
		Weight:       1,
	}
	if pe.offCPU.SampleCount <= 1 {
		return []Sample{first}
	}
	rest := Sample{
		RawTimestamp: pe.offCPU.End,
		NSTimestamp:  r.conv.ConvertRaw(pe.offCPU.End),
		Stack:        handle,
		CPUDeltaRaw:  0,
		Weight:       pe.offCPU.SampleCount - 1,
	}
	return []Sample{first, rest}
}

func (r *Reconciler) emitOnCPU(pe *pendingEntry, userFrames []stackintern.Frame) Sample {
	chain := r.combine(pe, userFrames)
	handle := r.interner.Convert(chain)
	return Sample{
		RawTimestamp: pe.triggerTS,
		NSTimestamp:  r.conv.ConvertRaw(pe.triggerTS),
		Stack:        handle,
		CPUDeltaRaw:  pe.onCPUDelta,
		Weight:       1,
	}
}

// combine concatenates kernel frames above user frames (leaf-first
// order: kernel frames, being closer to the interrupt, come first) so
// the interner sees one continuous leaf-first chain.
func (r *Reconciler) combine(pe *pendingEntry, userFrames []stackintern.Frame) []stackintern.Frame {
	if !pe.haveKernel {
		return userFrames
	}
	chain := make([]stackintern.Frame, 0, len(pe.kernel)+len(userFrames))
	chain = append(chain, pe.kernel...)
	chain = append(chain, userFrames...)
	return chain
}

// DiscardStale removes every pending entry from the list; called at
// trace end for threads whose triggers were never matched by a user
// stack (spec.md §4.5 step 4: "entries not matched... are discarded").
// Returns the count discarded, for the dropped_sample_count counter.
func DiscardStale(pending *list.List) int {
	n := pending.Len()
	pending.Init()
	return n
}
