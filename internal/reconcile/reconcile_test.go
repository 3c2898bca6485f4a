package reconcile

import (
	"container/list"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrmuizel/etw-profiler/internal/ctxswitch"
	"github.com/jrmuizel/etw-profiler/internal/stackintern"
	"github.com/jrmuizel/etw-profiler/internal/timeconv"
)

func userFrames(addrs ...uint64) []stackintern.Frame {
	out := make([]stackintern.Frame, len(addrs))
	for i, a := range addrs {
		out[i] = stackintern.Frame{Address: a, Mode: stackintern.ModeUser}
	}
	return out
}

func TestOnCPUSample_SingleTriggerMatchedByUserStack(t *testing.T) {
	conv := timeconv.New(1000, 10_000_000) // factor 100ns/tick
	r := New(stackintern.New(), &conv, nil)
	pending := list.New()

	r.PushTrigger(pending, 1200, ctxswitch.OffCPUGroup{}, false, 0, 0, true)
	samples := r.ConsumeWithUserStack(pending, 1200, userFrames(1, 2, 3))

	require.Len(t, samples, 1)
	assert.Equal(t, uint64(20_000), samples[0].NSTimestamp)
	assert.Equal(t, uint64(1), samples[0].Weight)
	assert.Equal(t, 0, pending.Len())
}

func TestKernelAndUserHalves_AreConcatenatedKernelFirst(t *testing.T) {
	conv := timeconv.New(1000, 10_000_000)
	interner := stackintern.New()
	r := New(interner, &conv, nil)
	pending := list.New()

	r.PushTrigger(pending, 1200, ctxswitch.OffCPUGroup{}, false, 0, 0, true)

	kernel := []stackintern.Frame{{Address: 0xFFFFF80100000000, Mode: stackintern.ModeKernel}}
	r.AttachKernelStack(pending, 1200, kernel)

	user := userFrames(10, 20)
	samples := r.ConsumeWithUserStack(pending, 1200, user)
	require.Len(t, samples, 1)

	got := interner.Resolve(samples[0].Stack)
	want := append(append([]stackintern.Frame{}, kernel...), user...)
	assert.Equal(t, want, got)
}

func TestOffCPUGroup_EmitsBeginAndRestSamples(t *testing.T) {
	conv := timeconv.New(1000, 10_000_000)
	r := New(stackintern.New(), &conv, nil)
	pending := list.New()

	group := ctxswitch.OffCPUGroup{Begin: 1300, End: 1900, SampleCount: 6}
	r.PushTrigger(pending, 1900, group, true, 0, 0, false)

	samples := r.ConsumeWithUserStack(pending, 1900, userFrames(1))
	require.Len(t, samples, 2)

	assert.Equal(t, uint64(30_000), samples[0].NSTimestamp)
	assert.Equal(t, uint64(1), samples[0].Weight)

	assert.Equal(t, uint64(90_000), samples[1].NSTimestamp)
	assert.Equal(t, uint64(5), samples[1].Weight)
	assert.Equal(t, uint64(0), samples[1].CPUDeltaRaw)
}

func TestOffCPUGroup_SingleMissedIntervalEmitsOnlyBeginSample(t *testing.T) {
	conv := timeconv.New(0, 1_000_000_000)
	r := New(stackintern.New(), &conv, nil)
	pending := list.New()

	group := ctxswitch.OffCPUGroup{Begin: 100, End: 200, SampleCount: 1}
	r.PushTrigger(pending, 200, group, true, 0, 0, false)

	samples := r.ConsumeWithUserStack(pending, 200, userFrames(1))
	require.Len(t, samples, 1)
	assert.Equal(t, uint64(100), samples[0].NSTimestamp)
}

func TestConsumeWithUserStack_ConsumesMultipleOlderTriggersFIFO(t *testing.T) {
	conv := timeconv.New(0, 1_000_000_000)
	r := New(stackintern.New(), &conv, nil)
	pending := list.New()

	r.PushTrigger(pending, 100, ctxswitch.OffCPUGroup{}, false, 0, 0, true)
	r.PushTrigger(pending, 105, ctxswitch.OffCPUGroup{}, false, 0, 0, true)

	samples := r.ConsumeWithUserStack(pending, 110, userFrames(1))
	require.Len(t, samples, 2)
	assert.Equal(t, uint64(100), samples[0].RawTimestamp)
	assert.Equal(t, uint64(105), samples[1].RawTimestamp)
	assert.Equal(t, 0, pending.Len())
}

func TestConsumeWithUserStack_LeavesNewerTriggersPending(t *testing.T) {
	conv := timeconv.New(0, 1_000_000_000)
	r := New(stackintern.New(), &conv, nil)
	pending := list.New()

	r.PushTrigger(pending, 100, ctxswitch.OffCPUGroup{}, false, 0, 0, true)
	r.PushTrigger(pending, 500, ctxswitch.OffCPUGroup{}, false, 0, 0, true)

	samples := r.ConsumeWithUserStack(pending, 200, userFrames(1))
	require.Len(t, samples, 1)
	assert.Equal(t, 1, pending.Len())
}

func TestAttachKernelStack_NoPendingTriggerIsSilentlyDropped(t *testing.T) {
	conv := timeconv.New(0, 1_000_000_000)
	r := New(stackintern.New(), &conv, nil)
	pending := list.New()

	assert.NotPanics(t, func() {
		r.AttachKernelStack(pending, 999, []stackintern.Frame{{Address: 1}})
	})
	assert.Equal(t, 0, pending.Len())
}

func TestDuplicateKernelStack_IsConcatenatedWithWarning(t *testing.T) {
	conv := timeconv.New(0, 1_000_000_000)
	interner := stackintern.New()
	var warned []string
	r := New(interner, &conv, func(format string, args ...any) {
		warned = append(warned, format)
	})
	pending := list.New()

	r.PushTrigger(pending, 100, ctxswitch.OffCPUGroup{}, false, 0, 0, true)
	r.AttachKernelStack(pending, 100, []stackintern.Frame{{Address: 1, Mode: stackintern.ModeKernel}})
	r.AttachKernelStack(pending, 100, []stackintern.Frame{{Address: 2, Mode: stackintern.ModeKernel}})

	samples := r.ConsumeWithUserStack(pending, 100, userFrames(99))
	require.Len(t, samples, 1)
	assert.Len(t, interner.Resolve(samples[0].Stack), 3) // 2 kernel + 1 user
	assert.NotEmpty(t, warned)
}

func TestDiscardStale_ClearsPendingAndReportsCount(t *testing.T) {
	conv := timeconv.New(0, 1_000_000_000)
	r := New(stackintern.New(), &conv, nil)
	pending := list.New()

	r.PushTrigger(pending, 100, ctxswitch.OffCPUGroup{}, false, 0, 0, true)
	r.PushTrigger(pending, 200, ctxswitch.OffCPUGroup{}, false, 0, 0, true)

	n := DiscardStale(pending)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, pending.Len())
}
