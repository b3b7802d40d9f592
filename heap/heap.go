// Package heap implements the dynamic heap allocator (C2): a word-granular
// first-fit allocator with hole coalescing, serving both "persistent"
// (descending-scan) and "temporary" (ascending-scan, ceiling-limited)
// allocations.
//
// It is grounded directly on nsdynmemLIB.c's ns_mem_internal_alloc /
// ns_mem_free_and_merge_with_adjacent_blocks, translating the C's raw
// pointer arithmetic and intrusive free-list-inside-free-memory trick into
// an index-based arena, per the spec's own design note recommending an
// "arena with index-based links" as the idiomatic systems-language
// replacement for that pattern. The holes list itself is still genuinely
// intrusive — its prev/next links live inside the free block's own payload
// words, exactly as in the original — just addressed by slice offset
// instead of raw pointer.
package heap

import (
	"errors"

	"github.com/nanomesh/core/critsec"
	"github.com/nanomesh/core/logx"
)

// word is the allocator's internal unit of account. Block lengths,
// headers and tails are all measured in words.
type word = int32

const wordBytes = 4

// holeLinkWords is the number of payload words a free block must have to
// carry the embedded prev/next list node. A free block narrower than this
// is never linked into the holes list: it becomes permanently unusable
// until it is coalesced with a neighbor, exactly as in the source this is
// grounded on (there, a free block must be at least sizeof(hole_t) wide).
const holeLinkWords = 2

const noHole = -1

// Reason is the heap-failure taxonomy surfaced to the failure callback
// (spec §7, §4.2) rather than returned, except where Go's own error
// convention additionally warrants a returned error (see the Err*
// sentinels below).
type Reason int

const (
	ReasonUninitialized Reason = iota
	ReasonSizeInvalid
	ReasonSectorCorrupted
	ReasonPointerInvalid
	ReasonDoubleFree
)

func (r Reason) String() string {
	switch r {
	case ReasonUninitialized:
		return "uninitialized"
	case ReasonSizeInvalid:
		return "size-invalid"
	case ReasonSectorCorrupted:
		return "sector-corrupted"
	case ReasonPointerInvalid:
		return "pointer-invalid"
	case ReasonDoubleFree:
		return "double-free"
	default:
		return "unknown"
	}
}

// FailFunc is invoked at most once per detected failure. The allocator
// never aborts; the callback is the policy point.
type FailFunc func(Reason)

var (
	ErrOutOfMemory      = errors.New("heap: out of memory")
	ErrUninitialized     = errors.New("heap: uninitialized")
	ErrSizeInvalid       = errors.New("heap: size invalid")
	ErrSectorCorrupted   = errors.New("heap: sector corrupted")
	ErrPointerInvalid    = errors.New("heap: pointer not valid")
	ErrDoubleFree        = errors.New("heap: double free")
	ErrInvalidThreshold  = errors.New("heap: invalid temporary-alloc threshold")
)

// Stats mirrors the statistics block the original keeps, updated under
// the critical section on every allocation and free.
type Stats struct {
	AllocCount         int
	AllocatedBytes     int
	AllocatedBytesMax  int
	AllocTotalBytes    int
	AllocFailCount     int
	SectorSizeBytes    int
}

type region struct {
	start, end int // word offsets; both hold the matching length header/tail
}

// Block is a handle to a live allocation. It is the Go-idiomatic
// replacement for the raw pointer returned by the source's ns_mem_alloc:
// it carries its own provenance (which Heap produced it, and where), so
// Free can detect a foreign or corrupted handle without needing true
// pointer arithmetic.
type Block struct {
	heap *Heap
	off  int // word offset of this block's length header
	Data []byte
}

// Option configures a Heap at construction.
type Option func(*Heap)

// WithFailureCallback sets the callback invoked on detected corruption or
// misuse. Unset, failures are silently swallowed beyond the Stats counters
// and returned error, matching the original's "callback is optional."
func WithFailureCallback(fn FailFunc) Option {
	return func(h *Heap) { h.failCB = fn }
}

// WithLogger attaches structured logging for allocator failures.
func WithLogger(l logx.Logger) Option {
	return func(h *Heap) { h.logger = l }
}

// Heap is a single heap book: one or more regions, a holes list, and a
// temporary-allocation ceiling.
type Heap struct {
	mu critsec.Section

	mem  []word // bookkeeping: length headers/tails/embedded hole links
	data []byte // backing storage for live payloads, 1:1 with mem by offset*wordBytes

	regions []region

	holesHead, holesTail int

	heapSize       int // total bytes across all regions, including header/tail overhead
	tempAllocLimit int // byte ceiling on AllocatedBytes for TemporaryAlloc

	failCB FailFunc
	logger logx.Logger
	log    *logx.Scoped
	stats  Stats
}

// New initializes a heap book over a single region of sizeBytes. Matches
// ns_mem_init: truncates to a whole number of words, seeds the holes list
// with one hole spanning the entire region, and sets the default
// temporary-allocation ceiling (95% of the heap).
func New(sizeBytes int, opts ...Option) *Heap {
	h := &Heap{holesHead: noHole, holesTail: noHole}
	for _, o := range opts {
		o(h)
	}
	h.log = logx.With(h.logger, "heap")
	h.initRegion(sizeBytes)
	return h
}

func (h *Heap) initRegion(sizeBytes int) {
	totalWords := sizeBytes / wordBytes
	payloadWords := totalWords - 2

	h.mem = make([]word, totalWords)
	h.data = make([]byte, totalWords*wordBytes)
	h.mem[0] = -word(payloadWords)
	h.mem[totalWords-1] = -word(payloadWords)

	h.regions = []region{{start: 0, end: totalWords - 1}}
	h.holesInsertHead(0)

	h.heapSize = totalWords * wordBytes
	h.stats.SectorSizeBytes = h.heapSize
	h.resetDefaultTempLimit()
}

func (h *Heap) resetDefaultTempLimit() {
	const defaultFreePercent = 5 // temporary allocations must leave 5% of the heap free
	h.tempAllocLimit = h.heapSize / 100 * (100 - defaultFreePercent)
}

// AddRegion adds a second or third non-contiguous region (spec's
// region_add), inserting its initial hole into the holes list at the
// correct position and growing the size accounting. Mirrors
// ns_mem_region_add, including its (preserved, not "fixed") quirk of
// resetting the temporary-allocation ceiling back to the hardcoded
// default percentage rather than honoring a prior custom threshold.
func (h *Heap) AddRegion(sizeBytes int) error {
	h.mu.Enter()
	defer h.mu.Exit()

	if sizeBytes < 3*wordBytes {
		return ErrSizeInvalid
	}

	totalWords := sizeBytes / wordBytes
	payloadWords := totalWords - 2
	newStart := len(h.mem)
	newTail := newStart + payloadWords + 1

	h.mem = append(h.mem, make([]word, totalWords)...)
	h.data = append(h.data, make([]byte, totalWords*wordBytes)...)
	h.mem[newStart] = -word(payloadWords)
	h.mem[newTail] = -word(payloadWords)
	h.regions = append(h.regions, region{start: newStart, end: newTail})

	previous := noHole
	for cur := h.holesHead; cur != noHole; cur = h.holeNext(cur) {
		if cur < newStart {
			previous = cur
		}
	}
	if previous != noHole {
		h.holesInsertAfter(previous, newStart)
	} else {
		h.holesInsertHead(newStart)
	}

	h.heapSize += totalWords * wordBytes
	h.stats.SectorSizeBytes = h.heapSize
	h.resetDefaultTempLimit()
	return nil
}

// SetTemporaryAllocThreshold sets the byte watermark above which
// TemporaryAlloc refuses new allocations. Exactly one of percent or bytes
// may be nonzero; both zero disables the ceiling entirely. Mirrors
// ns_mem_set_temporary_alloc_free_heap_threshold's exact (three
// independent, non-else-chained) validation.
func (h *Heap) SetTemporaryAllocThreshold(percent uint8, bytesAmount int) error {
	h.mu.Enter()
	defer h.mu.Exit()

	limit := 0
	if bytesAmount != 0 && bytesAmount < h.heapSize/2 {
		limit = h.heapSize - bytesAmount
	}
	if bytesAmount == 0 && percent != 0 && percent < 50 {
		limit = h.heapSize / 100 * (100 - int(percent))
	}
	if bytesAmount == 0 && percent == 0 {
		limit = h.heapSize
	}
	if limit == 0 {
		return ErrInvalidThreshold
	}
	h.tempAllocLimit = limit
	return nil
}

// Stats returns a snapshot of the allocator's statistics block.
func (h *Heap) Stats() Stats {
	h.mu.Enter()
	defer h.mu.Exit()
	return h.stats
}

func (h *Heap) fail(reason Reason) {
	if h.failCB != nil {
		h.failCB(reason)
	}
	if h.log != nil {
		h.log.Warn("heap failure", map[string]any{"reason": reason.String()})
	}
}

// Alloc is the persistent allocation path: it scans the holes list
// address-descending, so long-lived allocations gather at the top of the
// heap. Mirrors ns_mem_alloc (direction -1).
func (h *Heap) Alloc(sizeBytes int) (*Block, error) {
	return h.internalAlloc(sizeBytes, false)
}

// TemporaryAlloc is the short-lived allocation path: it scans the holes
// list address-ascending and refuses to proceed once AllocatedBytes
// exceeds the configured ceiling. Mirrors ns_mem_temporary_alloc
// (direction +1). The directional split statistically segregates
// long-lived objects from short-lived ones, reducing fragmentation.
func (h *Heap) TemporaryAlloc(sizeBytes int) (*Block, error) {
	return h.internalAlloc(sizeBytes, true)
}

func (h *Heap) internalAlloc(sizeBytes int, ascending bool) (*Block, error) {
	h.mu.Enter()
	defer h.mu.Exit()

	if ascending && h.stats.AllocatedBytes > h.tempAllocLimit {
		h.stats.AllocFailCount++
		return nil, ErrOutOfMemory
	}

	dataSize, err := h.convertAllocationSize(sizeBytes)
	if err != nil {
		return nil, err
	}

	chosen := noHole
	if ascending {
		for cur := h.holesHead; cur != noHole; cur = h.holeNext(cur) {
			if !h.validateBlock(cur) || h.mem[cur] >= 0 {
				h.fail(ReasonSectorCorrupted)
				break
			}
			if -h.mem[cur] >= word(dataSize) {
				chosen = cur
				break
			}
		}
	} else {
		for cur := h.holesTail; cur != noHole; cur = h.holePrev(cur) {
			if !h.validateBlock(cur) || h.mem[cur] >= 0 {
				h.fail(ReasonSectorCorrupted)
				break
			}
			if -h.mem[cur] >= word(dataSize) {
				chosen = cur
				break
			}
		}
	}

	if chosen == noHole {
		h.stats.AllocFailCount++
		return nil, ErrOutOfMemory
	}

	blockDataSize := int(-h.mem[chosen])
	finalSize := dataSize
	var blockOff int

	if blockDataSize >= dataSize+2+holeLinkWords {
		holeSize := blockDataSize - dataSize - 2
		if ascending {
			newHoleOff := chosen + 1 + dataSize + 1
			before := h.holePrev(chosen)
			h.holesRemove(chosen)
			h.holesInsertAfter(before, newHoleOff)
			h.mem[newHoleOff] = -word(holeSize)
			h.mem[newHoleOff+1+holeSize] = -word(holeSize)
			blockOff = chosen
		} else {
			h.mem[chosen] = -word(holeSize)
			h.mem[chosen+1+holeSize] = -word(holeSize)
			blockOff = chosen + 1 + holeSize + 1
		}
	} else {
		finalSize = blockDataSize
		h.holesRemove(chosen)
		blockOff = chosen
	}

	h.mem[blockOff] = word(finalSize)
	h.mem[blockOff+1+finalSize] = word(finalSize)

	bytes := (finalSize + 2) * wordBytes
	h.stats.AllocCount++
	h.stats.AllocatedBytes += bytes
	if h.stats.AllocatedBytes > h.stats.AllocatedBytesMax {
		h.stats.AllocatedBytesMax = h.stats.AllocatedBytes
	}
	h.stats.AllocTotalBytes += bytes

	payloadStart := (blockOff + 1) * wordBytes
	payloadEnd := payloadStart + finalSize*wordBytes
	return &Block{heap: h, off: blockOff, Data: h.data[payloadStart:payloadEnd:payloadEnd]}, nil
}

func (h *Heap) convertAllocationSize(requestedBytes int) (int, error) {
	if len(h.mem) == 0 {
		h.fail(ReasonUninitialized)
		return 0, ErrUninitialized
	}
	if requestedBytes < 1 {
		h.fail(ReasonSizeInvalid)
		return 0, ErrSizeInvalid
	}
	if requestedBytes > h.heapSize-2*wordBytes {
		h.fail(ReasonSizeInvalid)
		return 0, ErrSizeInvalid
	}
	return (requestedBytes + wordBytes - 1) / wordBytes, nil
}

// Free validates the block's head/tail markers and its provenance, then
// coalesces it with any free neighbor within the same region. Mirrors
// ns_mem_free + ns_mem_free_and_merge_with_adjacent_blocks. Free(nil) is a
// silent no-op, matching the original's `if (!block) return;`.
func (h *Heap) Free(b *Block) error {
	if b == nil {
		return nil
	}

	h.mu.Enter()
	defer h.mu.Exit()

	if b.heap != h || b.off < 0 {
		h.fail(ReasonPointerInvalid)
		return ErrPointerInvalid
	}

	off := b.off
	size := h.mem[off]

	if h.regionFind(off, int(abs(size))) < 0 {
		h.fail(ReasonPointerInvalid)
		return ErrPointerInvalid
	}
	if size < 0 {
		h.fail(ReasonDoubleFree)
		return ErrDoubleFree
	}
	if !h.validateBlock(off) {
		h.fail(ReasonSectorCorrupted)
		return ErrSectorCorrupted
	}

	h.freeAndMerge(off, int(size))

	bytes := (int(size) + 2) * wordBytes
	h.stats.AllocCount--
	h.stats.AllocatedBytes -= bytes

	b.off = -1
	b.Data = nil
	return nil
}

func (h *Heap) freeAndMerge(off, dataSize int) {
	regionIdx := h.regionFind(off, dataSize)
	if regionIdx < 0 {
		h.fail(ReasonSectorCorrupted)
		return
	}
	r := h.regions[regionIdx]

	start := off
	end := off + dataSize + 1
	h.mem[start] = -word(dataSize)
	h.mem[end] = -word(dataSize)
	merged := dataSize

	existingStart, existingEnd := noHole, noHole

	if start != r.start && h.mem[start-1] < 0 {
		blockEnd := start - 1
		blockSize := 1 + int(-h.mem[blockEnd]) + 1
		merged += blockSize
		start -= blockSize
		if h.mem[start] != h.mem[blockEnd] {
			h.fail(ReasonSectorCorrupted)
		}
		if blockSize >= 1+holeLinkWords+1 {
			existingStart = start
		}
	}

	if end != r.end && h.mem[end+1] < 0 {
		blockStart := end + 1
		blockSize := 1 + int(-h.mem[blockStart]) + 1
		merged += blockSize
		end += blockSize
		if h.mem[end] != h.mem[blockStart] {
			h.fail(ReasonSectorCorrupted)
		}
		if blockSize >= 1+holeLinkWords+1 {
			existingEnd = blockStart
		}
	}

	toAdd := start
	before := noHole
	if existingEnd != noHole {
		before = h.holeNext(existingEnd)
		h.holesRemove(existingEnd)
	}
	if existingStart == noHole {
		if merged >= holeLinkWords {
			if existingEnd == noHole {
				for cur := h.holesHead; cur != noHole; cur = h.holeNext(cur) {
					if cur > toAdd {
						before = cur
						break
					}
				}
			}
			if before != noHole {
				h.holesInsertBefore(before, toAdd)
			} else {
				h.holesInsertTail(toAdd)
			}
		}
	}

	h.mem[start] = -word(merged)
	h.mem[end] = -word(merged)
}

func (h *Heap) regionFind(off, size int) int {
	for i, r := range h.regions {
		if off >= r.start && off < r.end && off+size < r.end {
			return i
		}
	}
	return -1
}

// validateBlock checks that the head and tail length words of the block
// starting at off agree. Works for both allocated (positive) and free
// (negative) blocks.
func (h *Heap) validateBlock(off int) bool {
	size := h.mem[off]
	if size == 0 {
		return false
	}
	end := off + 1 + int(abs(size))
	if end >= len(h.mem) {
		return false
	}
	return h.mem[end] == size
}

func abs(w word) word {
	if w < 0 {
		return -w
	}
	return w
}

func (h *Heap) holeNext(off int) int     { return int(h.mem[off+1]) }
func (h *Heap) holePrev(off int) int     { return int(h.mem[off+2]) }
func (h *Heap) holeSetNext(off, v int)   { h.mem[off+1] = word(v) }
func (h *Heap) holeSetPrev(off, v int)   { h.mem[off+2] = word(v) }

func (h *Heap) holesInsertHead(off int) {
	h.holeSetPrev(off, noHole)
	h.holeSetNext(off, h.holesHead)
	if h.holesHead != noHole {
		h.holeSetPrev(h.holesHead, off)
	} else {
		h.holesTail = off
	}
	h.holesHead = off
}

func (h *Heap) holesInsertTail(off int) {
	h.holeSetNext(off, noHole)
	h.holeSetPrev(off, h.holesTail)
	if h.holesTail != noHole {
		h.holeSetNext(h.holesTail, off)
	} else {
		h.holesHead = off
	}
	h.holesTail = off
}

func (h *Heap) holesInsertAfter(after, off int) {
	if after == noHole {
		h.holesInsertHead(off)
		return
	}
	next := h.holeNext(after)
	h.holeSetPrev(off, after)
	h.holeSetNext(off, next)
	h.holeSetNext(after, off)
	if next != noHole {
		h.holeSetPrev(next, off)
	} else {
		h.holesTail = off
	}
}

func (h *Heap) holesInsertBefore(before, off int) {
	if before == noHole {
		h.holesInsertTail(off)
		return
	}
	prev := h.holePrev(before)
	h.holeSetNext(off, before)
	h.holeSetPrev(off, prev)
	h.holeSetPrev(before, off)
	if prev != noHole {
		h.holeSetNext(prev, off)
	} else {
		h.holesHead = off
	}
}

func (h *Heap) holesRemove(off int) {
	prev := h.holePrev(off)
	next := h.holeNext(off)
	if prev != noHole {
		h.holeSetNext(prev, next)
	} else {
		h.holesHead = next
	}
	if next != noHole {
		h.holeSetPrev(next, prev)
	} else {
		h.holesTail = prev
	}
}
