package heap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocWritesWithinBounds(t *testing.T) {
	h := New(1024)
	b, err := h.Alloc(64)
	require.NoError(t, err)
	require.Len(t, b.Data, 64)
	for i := range b.Data {
		b.Data[i] = byte(i)
	}
	for i := range b.Data {
		assert.Equal(t, byte(i), b.Data[i])
	}
}

func TestFreeThenReallocReusesSpace(t *testing.T) {
	h := New(256)
	a, err := h.Alloc(32)
	require.NoError(t, err)
	require.NoError(t, h.Free(a))

	b, err := h.Alloc(32)
	require.NoError(t, err)
	require.NotNil(t, b.Data)
}

func TestDoubleFreeIsRejected(t *testing.T) {
	h := New(256)
	a, err := h.Alloc(16)
	require.NoError(t, err)
	require.NoError(t, h.Free(a))

	// a.off was cleared to -1 by Free, so a second Free call must be
	// rejected as a pointer-invalid, not a double-free, handle: this
	// exercises the Go-side provenance guard rather than the byte-level
	// double-free detector.
	err = h.Free(a)
	assert.ErrorIs(t, err, ErrPointerInvalid)
}

func TestDoubleFreeOnRawOffsetIsDetected(t *testing.T) {
	h := New(256)
	a, err := h.Alloc(16)
	require.NoError(t, err)
	off := a.off

	require.NoError(t, h.Free(a))

	// Simulate a second live handle aliasing the same, now-freed, block -
	// this is the byte-level double-free path (P2 in the heap invariants).
	alias := &Block{heap: h, off: off}
	err = h.Free(alias)
	assert.ErrorIs(t, err, ErrDoubleFree)
}

func TestOversizeAllocFailsWithoutCorrupting(t *testing.T) {
	h := New(128)
	_, err := h.Alloc(1 << 20)
	assert.ErrorIs(t, err, ErrSizeInvalid)

	// heap must still be usable afterward
	b, err := h.Alloc(8)
	require.NoError(t, err)
	assert.NotNil(t, b)
}

func TestTemporaryAllocRespectsCeiling(t *testing.T) {
	h := New(1024)
	require.NoError(t, h.SetTemporaryAllocThreshold(40, 0)) // ceiling at 60% of heap

	var blocks []*Block
	for i := 0; i < 100; i++ {
		b, err := h.TemporaryAlloc(16)
		if err != nil {
			assert.ErrorIs(t, err, ErrOutOfMemory)
			break
		}
		blocks = append(blocks, b)
	}

	assert.Less(t, h.Stats().AllocatedBytes, h.heapSize)
	assert.NotEmpty(t, blocks)
}

func TestPersistentAndTemporaryScanOppositeDirections(t *testing.T) {
	h := New(512)

	persistent, err := h.Alloc(16)
	require.NoError(t, err)
	temporary, err := h.TemporaryAlloc(16)
	require.NoError(t, err)

	// Persistent allocations are carved from the high-address (descending
	// scan) end of the single initial hole, temporary from the
	// low-address (ascending scan) end, so they must never overlap and
	// persistent's offset should land after temporary's.
	assert.Greater(t, persistent.off, temporary.off)
}

func TestFragmentationCycleReclaimsFullHeap(t *testing.T) {
	// Grounded on the spec's heap-fragmentation scenario: allocate many
	// small blocks interleaved with persistent/temporary direction, free
	// them all in a scrambled order, and confirm the heap coalesces back
	// down to a single allocatable block spanning (close to) the original
	// capacity.
	h := New(4096)

	var blocks []*Block
	for i := 0; i < 20; i++ {
		var b *Block
		var err error
		if i%2 == 0 {
			b, err = h.Alloc(32)
		} else {
			b, err = h.TemporaryAlloc(32)
		}
		require.NoError(t, err)
		blocks = append(blocks, b)
	}

	// free in a scrambled order: odd indices first, then even, to force
	// both leading and trailing coalescing.
	for i := 1; i < len(blocks); i += 2 {
		require.NoError(t, h.Free(blocks[i]))
	}
	for i := 0; i < len(blocks); i += 2 {
		require.NoError(t, h.Free(blocks[i]))
	}

	assert.Equal(t, 0, h.Stats().AllocCount)
	assert.Equal(t, 0, h.Stats().AllocatedBytes)

	big, err := h.Alloc(4096 - 2*wordBytes - 64)
	require.NoError(t, err)
	assert.NotNil(t, big)
}

func TestRegionAddParticipatesInAllocation(t *testing.T) {
	h := New(128)
	require.NoError(t, h.AddRegion(128))

	var blocks []*Block
	for i := 0; i < 10; i++ {
		b, err := h.Alloc(16)
		if err != nil {
			break
		}
		blocks = append(blocks, b)
	}
	assert.Greater(t, len(blocks), 2, "second region should provide extra capacity")
}

func TestAllocOnUninitializedHeapFails(t *testing.T) {
	var h Heap
	_, err := h.Alloc(8)
	assert.ErrorIs(t, err, ErrUninitialized)
}

func TestFreeNilIsNoop(t *testing.T) {
	h := New(128)
	assert.NoError(t, h.Free(nil))
}

func TestForeignBlockIsRejected(t *testing.T) {
	h1 := New(128)
	h2 := New(128)
	b, err := h1.Alloc(16)
	require.NoError(t, err)

	err = h2.Free(b)
	assert.ErrorIs(t, err, ErrPointerInvalid)
}

func TestSetTemporaryAllocThresholdValidation(t *testing.T) {
	h := New(1000)

	assert.NoError(t, h.SetTemporaryAllocThreshold(0, 0)) // disables ceiling
	assert.NoError(t, h.SetTemporaryAllocThreshold(10, 0))
	assert.NoError(t, h.SetTemporaryAllocThreshold(0, 100))

	// percent >= 50 alone, with no byte override, yields a zero limit and
	// must be rejected.
	assert.Error(t, h.SetTemporaryAllocThreshold(60, 0))
}

func TestFailureCallbackInvokedOnSizeInvalid(t *testing.T) {
	var got Reason
	h := New(128, WithFailureCallback(func(r Reason) { got = r }))
	_, _ = h.Alloc(0)
	assert.Equal(t, ReasonSizeInvalid, got)
}
