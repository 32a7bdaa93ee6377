package postcopy

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// MaxBlockIDLen is the wire limit on a block id (spec §3: "id (string
// <=255 bytes)"), plus the 1-byte length prefix makes the id field at most
// 256 bytes on the wire (spec §4.1).
const MaxBlockIDLen = 255

var errBlockIDTooLong = errors.New("postcopy: block id exceeds 255 bytes")

// Block is a contiguous region of guest physical memory tracked by the
// post-copy engine (spec §3). Source-side blocks carry only identity and
// geometry; destination-side blocks additionally own the four bitmaps.
type Block struct {
	ID             string
	Offset         uint64
	Length         uint64
	TargetPageSize uint64
	HostPageSize   uint64 // 0 on source-only blocks

	// Shmem is the destination's mapped shared-memory region backing
	// this block. Nil on the source side.
	Shmem []byte

	PhysRequested      *Bitmap // indexed by target-page offset
	PhysReceived       *Bitmap // indexed by target-page offset
	CleanBitmap        *Bitmap // indexed by target-page offset
	PendingCleanBitmap *Bitmap // indexed by host-page offset

	nrPendingClean atomic.Int64
}

// NewSourceBlock builds a block descriptor carrying only the geometry the
// source engine needs to validate offsets and drive prefault clipping.
func NewSourceBlock(id string, offset, length, targetPageSize uint64) (*Block, error) {
	if len(id) > MaxBlockIDLen {
		return nil, fmt.Errorf("%w: %q (%d bytes)", errBlockIDTooLong, id, len(id))
	}

	return &Block{ID: id, Offset: offset, Length: length, TargetPageSize: targetPageSize}, nil
}

// NewDestBlock builds a fully-tracked destination-side block with all four
// bitmaps allocated to the right length.
func NewDestBlock(id string, offset, length, targetPageSize, hostPageSize uint64, shmem []byte) (*Block, error) {
	b, err := NewSourceBlock(id, offset, length, targetPageSize)
	if err != nil {
		return nil, err
	}

	b.HostPageSize = hostPageSize
	b.Shmem = shmem

	nTarget := int(length / targetPageSize)
	nHost := int(length / hostPageSize)

	b.PhysRequested = NewBitmap(nTarget)
	b.PhysReceived = NewBitmap(nTarget)
	b.CleanBitmap = NewBitmap(nTarget)
	b.PendingCleanBitmap = NewBitmap(nHost)

	return b, nil
}

// TargetPageCount returns the number of target pages in the block.
func (b *Block) TargetPageCount() uint64 { return b.Length / b.TargetPageSize }

// HostOffsetsForTarget expands a single target-page index into the host-page
// byte offsets it covers, for the target>=host case (spec §4.4.1/§4.4.2).
// Returns nil if TargetPageSize < HostPageSize.
func (b *Block) HostOffsetsForTarget(tpIdx int) []uint64 {
	if b.TargetPageSize < b.HostPageSize {
		return nil
	}

	ratio := b.TargetPageSize / b.HostPageSize
	base := uint64(tpIdx) * ratio

	out := make([]uint64, ratio)
	for i := uint64(0); i < ratio; i++ {
		out[i] = (base + i) * b.HostPageSize
	}

	return out
}

// TargetRangeForHost returns the [first, first+count) target-page index
// range a single host page spans, for the target<host case.
func (b *Block) TargetRangeForHost(hostIdx int) (first, count int) {
	ratio := int(b.HostPageSize / b.TargetPageSize)
	first = hostIdx * ratio

	return first, ratio
}

// NrPendingClean returns the population count of PendingCleanBitmap,
// maintained incrementally rather than recomputed (spec §3).
func (b *Block) NrPendingClean() int64 { return b.nrPendingClean.Load() }

// AddPendingClean adjusts the pending-clean counter by delta (positive when
// the fault-write pipe was full and a bit was set in PendingCleanBitmap,
// negative when the pending-clean thread drains it).
func (b *Block) AddPendingClean(delta int64) int64 { return b.nrPendingClean.Add(delta) }

// BlockSet is the shared, concurrency-safe registry of blocks keyed by id,
// used by both the source engine (to resolve PAGE ids) and the daemon
// threads (to resolve host-page offsets back to the owning block).
type BlockSet struct {
	mu   sync.RWMutex
	byID map[string]*Block
}

// NewBlockSet returns an empty registry.
func NewBlockSet() *BlockSet {
	return &BlockSet{byID: make(map[string]*Block)}
}

// Add registers a block, overwriting any previous block with the same id.
func (s *BlockSet) Add(b *Block) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID[b.ID] = b
}

// Lookup returns the block with the given id, if any.
func (s *BlockSet) Lookup(id string) (*Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.byID[id]

	return b, ok
}

// Containing returns the block whose [Offset, Offset+Length) range covers
// globalOffset, along with the block-local offset, for dispatching
// fault-pipe notifications that carry no block id (spec §4.4.5: the fault
// thread "dispatches each [offset] to the containing block").
func (s *BlockSet) Containing(globalOffset uint64) (*Block, uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, b := range s.byID {
		if globalOffset >= b.Offset && globalOffset < b.Offset+b.Length {
			return b, globalOffset - b.Offset, true
		}
	}

	return nil, 0, false
}

// All returns a snapshot slice of every registered block.
func (s *BlockSet) All() []*Block {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Block, 0, len(s.byID))
	for _, b := range s.byID {
		out = append(out, b)
	}

	return out
}

// SessionState is the source-side migration phase (spec §3,
// PostcopyOutgoingState.state).
type SessionState int

const (
	StateActive SessionState = iota
	StateAllPagesSent
	StateEOCReceived
	StateCompleted
	StateErrorReceive
)

func (s SessionState) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateAllPagesSent:
		return "ALL_PAGES_SENT"
	case StateEOCReceived:
		return "EOC_RECEIVED"
	case StateCompleted:
		return "COMPLETED"
	case StateErrorReceive:
		return "ERROR_RECEIVE"
	default:
		return "UNKNOWN"
	}
}

// OutgoingState is the source-side session state (spec §3,
// PostcopyOutgoingState): the current phase plus the last block referenced
// by a PAGE request, onto which PAGE_CONT fragments piggyback.
type OutgoingState struct {
	mu            sync.Mutex
	state         SessionState
	lastBlockRead *Block
}

// NewOutgoingState returns a session state initialized to ACTIVE.
func NewOutgoingState() *OutgoingState {
	return &OutgoingState{state: StateActive}
}

// State returns the current phase.
func (o *OutgoingState) State() SessionState {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.state
}

// SetState overwrites the current phase.
func (o *OutgoingState) SetState(s SessionState) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.state = s
}

// LastBlockRead returns the block the last PAGE request named.
func (o *OutgoingState) LastBlockRead() *Block {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.lastBlockRead
}

// SetLastBlockRead remembers the block referenced by the most recent PAGE
// request, for subsequent PAGE_CONT fragments to reuse.
func (o *OutgoingState) SetLastBlockRead(b *Block) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.lastBlockRead = b
}
