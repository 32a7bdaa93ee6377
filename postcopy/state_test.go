package postcopy_test

import (
	"testing"

	"github.com/vmpostcopy/postcopyd/postcopy"
)

func TestNewDestBlockAllocatesBitmaps(t *testing.T) {
	t.Parallel()

	const (
		length   = 16 * 4096
		tpSize   = 4096
		hostSize = 4096
	)

	b, err := postcopy.NewDestBlock("ram", 0, length, tpSize, hostSize, make([]byte, length))
	if err != nil {
		t.Fatalf("NewDestBlock: %v", err)
	}

	if got := b.TargetPageCount(); got != 16 {
		t.Fatalf("got TargetPageCount %d, want 16", got)
	}

	if b.PhysRequested.Len() != 16 || b.PhysReceived.Len() != 16 || b.CleanBitmap.Len() != 16 {
		t.Fatalf("target-indexed bitmaps should have 16 bits each")
	}

	if b.PendingCleanBitmap.Len() != 16 {
		t.Fatalf("host-indexed pending-clean bitmap should have 16 bits (host==target here)")
	}
}

func TestNewSourceBlockRejectsLongID(t *testing.T) {
	t.Parallel()

	longID := make([]byte, postcopy.MaxBlockIDLen+1)
	for i := range longID {
		longID[i] = 'x'
	}

	if _, err := postcopy.NewSourceBlock(string(longID), 0, 4096, 4096); err == nil {
		t.Fatalf("NewSourceBlock should reject an id longer than MaxBlockIDLen")
	}
}

// TestHostOffsetsForTargetExpand covers the target>=host ratio case (spec
// §4.4.1/§4.4.2): one target page expands to R host-page offsets.
func TestHostOffsetsForTargetExpand(t *testing.T) {
	t.Parallel()

	b, err := postcopy.NewDestBlock("ram", 0, 4*16384, 16384, 4096, make([]byte, 4*16384))
	if err != nil {
		t.Fatalf("NewDestBlock: %v", err)
	}

	offs := b.HostOffsetsForTarget(1)
	want := []uint64{16384, 20480, 24576, 28672}

	if len(offs) != len(want) {
		t.Fatalf("got %d host offsets, want %d", len(offs), len(want))
	}

	for i, o := range want {
		if offs[i] != o {
			t.Fatalf("offset %d: got %d, want %d", i, offs[i], o)
		}
	}
}

// TestTargetRangeForHostCollapse covers the target<host ratio case: one
// host page spans R target-page indices.
func TestTargetRangeForHostCollapse(t *testing.T) {
	t.Parallel()

	b, err := postcopy.NewDestBlock("ram", 0, 4*16384, 4096, 16384, make([]byte, 4*16384))
	if err != nil {
		t.Fatalf("NewDestBlock: %v", err)
	}

	first, count := b.TargetRangeForHost(1)

	if first != 4 || count != 4 {
		t.Fatalf("got (first=%d, count=%d), want (4, 4)", first, count)
	}
}

func TestBlockSetContaining(t *testing.T) {
	t.Parallel()

	set := postcopy.NewBlockSet()

	a, err := postcopy.NewSourceBlock("a", 0, 4096*4, 4096)
	if err != nil {
		t.Fatalf("NewSourceBlock a: %v", err)
	}

	b, err := postcopy.NewSourceBlock("b", 4096*4, 4096*4, 4096)
	if err != nil {
		t.Fatalf("NewSourceBlock b: %v", err)
	}

	set.Add(a)
	set.Add(b)

	block, local, ok := set.Containing(4096*5 + 100)
	if !ok {
		t.Fatalf("Containing should find a block for an in-range global offset")
	}

	if block.ID != "b" {
		t.Fatalf("got block %q, want %q", block.ID, "b")
	}

	if local != 4096+100 {
		t.Fatalf("got local offset %d, want %d", local, 4096+100)
	}

	if _, _, ok := set.Containing(4096 * 100); ok {
		t.Fatalf("Containing should report false for an offset past every block")
	}
}

func TestOutgoingStateTransitions(t *testing.T) {
	t.Parallel()

	s := postcopy.NewOutgoingState()

	if got := s.State(); got != postcopy.StateActive {
		t.Fatalf("got initial state %v, want ACTIVE", got)
	}

	s.SetState(postcopy.StateAllPagesSent)

	if got := s.State(); got != postcopy.StateAllPagesSent {
		t.Fatalf("got state %v after SetState, want ALL_PAGES_SENT", got)
	}

	block, err := postcopy.NewSourceBlock("ram", 0, 4096, 4096)
	if err != nil {
		t.Fatalf("NewSourceBlock: %v", err)
	}

	s.SetLastBlockRead(block)

	if got := s.LastBlockRead(); got != block {
		t.Fatalf("LastBlockRead should return the block passed to SetLastBlockRead")
	}
}

func TestPendingCleanCounter(t *testing.T) {
	t.Parallel()

	b, err := postcopy.NewDestBlock("ram", 0, 4096*4, 4096, 4096, make([]byte, 4096*4))
	if err != nil {
		t.Fatalf("NewDestBlock: %v", err)
	}

	if got := b.NrPendingClean(); got != 0 {
		t.Fatalf("got initial NrPendingClean %d, want 0", got)
	}

	b.AddPendingClean(3)
	b.AddPendingClean(-1)

	if got := b.NrPendingClean(); got != 2 {
		t.Fatalf("got NrPendingClean %d, want 2", got)
	}
}
