package stackintern

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leafFirst(frames ...Frame) []Frame { return frames }

func TestConvert_EqualChainsGetEqualHandles(t *testing.T) {
	in := New()
	chain := leafFirst(
		Frame{Address: 1, Mode: ModeKernel, Kind: ReturnAddress},
		Frame{Address: 2, Mode: ModeUser, Kind: InstructionPointer},
	)
	h1 := in.Convert(chain)
	h2 := in.Convert(chain)
	assert.Equal(t, h1, h2)
}

func TestConvert_DifferentChainsGetDifferentHandles(t *testing.T) {
	in := New()
	a := leafFirst(Frame{Address: 1}, Frame{Address: 2})
	b := leafFirst(Frame{Address: 1}, Frame{Address: 3})
	require.NotEqual(t, in.Convert(a), in.Convert(b))
}

func TestConvert_SharedSuffixSharesPrefix(t *testing.T) {
	in := New()
	common := []Frame{{Address: 100}, {Address: 200}}
	a := append(append([]Frame{}, common...), Frame{Address: 1})
	b := append(append([]Frame{}, common...), Frame{Address: 2})

	ha := in.Convert(a)
	hb := in.Convert(b)
	assert.NotEqual(t, ha, hb)

	// The common prefix must resolve to the same number of trie nodes
	// regardless of which full chain triggered its creation: adding a
	// third chain with only the common part must not grow the trie at
	// all, since every edge it needs already exists.
	before := len(in.frames)
	in.Convert(common)
	after := len(in.frames)
	assert.LessOrEqual(t, after-before, 0)
}

func TestResolve_RoundTrips(t *testing.T) {
	in := New()
	chain := leafFirst(
		Frame{Address: 0xAAAA, Mode: ModeKernel, Kind: ReturnAddress},
		Frame{Address: 0xBBBB, Mode: ModeUser, Kind: InstructionPointer},
	)
	h := in.Convert(chain)
	assert.Equal(t, chain, in.Resolve(h))
}

func TestConvert_EmptyChainIsNoStack(t *testing.T) {
	in := New()
	assert.Equal(t, NoStack, in.Convert(nil))
}
