// Package ctxswitch derives per-thread on-CPU/off-CPU state from
// context-switch events and synthesizes off-CPU sample groups so the
// profile's time axis stays continuous across periods a thread spent
// off-CPU (sample-prof interrupts only fire for on-CPU threads).
package ctxswitch

// OffCPUGroup is a synthetic span of missed sampling intervals while a
// thread was off-CPU.
type OffCPUGroup struct {
	Begin       uint64
	End         uint64
	SampleCount uint64
}

// State is the per-thread context-switch bookkeeping. The zero value is
// a thread that has never been seen on- or off-CPU.
type State struct {
	offCPUSince         uint64
	offCPU              bool
	onCPUSince          uint64
	onCPU               bool
	accumulatedOnCPURaw uint64
	lastSampleRaw       uint64
	havePendingGroup    bool
	pendingGroup        OffCPUGroup
}

// Handler computes off-CPU groups against a fixed sampling interval (in
// raw ticks), configured once from the trace's collection-start event.
type Handler struct {
	intervalRaw uint64
}

// New returns a Handler configured with the sampling interval in raw
// ticks, as reported by MSNT_SystemTrace/PerfInfo/CollectionStart.
func New(intervalRaw uint64) Handler {
	return Handler{intervalRaw: intervalRaw}
}

// OnSwitchIn records that the thread started running at raw time t. If
// the thread was off-CPU across one or more sampling-interval
// boundaries, it prepares an off-CPU sample group covering the gap,
// returns it, and also caches it on s so that the next OnSample hands
// it out. The dispatcher ignores the return value and pushes the group
// from the cached copy via OnSample.
func (h Handler) OnSwitchIn(t uint64, s *State) (OffCPUGroup, bool) {
	var group OffCPUGroup
	var ok bool
	if s.offCPU && h.intervalRaw > 0 {
		elapsed := t - s.offCPUSince
		missed := elapsed / h.intervalRaw
		if missed >= 1 {
			group = OffCPUGroup{Begin: s.offCPUSince, End: t, SampleCount: missed}
			ok = true
			s.havePendingGroup = true
			s.pendingGroup = group
		}
	}
	s.onCPUSince = t
	s.onCPU = true
	s.offCPU = false
	return group, ok
}

// OnSwitchOut accumulates the on-CPU time since the last switch-in and
// marks the thread off-CPU starting at t.
func (h Handler) OnSwitchOut(t uint64, s *State) {
	if s.onCPU {
		s.accumulatedOnCPURaw += t - s.onCPUSince
	}
	s.offCPUSince = t
	s.offCPU = true
	s.onCPU = false
}

// OnSample returns any off-CPU group synthesized by a prior switch-in
// that has not yet been attached to a pending-stack entry.
func (h Handler) OnSample(s *State) (OffCPUGroup, bool) {
	if !s.havePendingGroup {
		return OffCPUGroup{}, false
	}
	s.havePendingGroup = false
	return s.pendingGroup, true
}

// ConsumeCPUDelta returns the accumulated on-CPU time (in raw ticks)
// since the last call and zeros the accumulator. The caller converts
// this to nanoseconds via the trace's timeconv.Converter.
func (h Handler) ConsumeCPUDelta(s *State) uint64 {
	d := s.accumulatedOnCPURaw
	s.accumulatedOnCPURaw = 0
	return d
}
