package umemd

import (
	"testing"

	"github.com/vmpostcopy/postcopyd/postcopy"
	"github.com/vmpostcopy/postcopyd/umem"
)

// TestRemoveShmemDispatchesToContainingBlock checks the fault thread's
// offset-to-block resolution (spec §4.4.5).
func TestRemoveShmemDispatchesToContainingBlock(t *testing.T) {
	t.Parallel()

	const pageSize = 4096

	shmem := make([]byte, 4*pageSize)

	block, err := postcopy.NewDestBlock("ram", 1000, 4*pageSize, pageSize, pageSize, shmem)
	if err != nil {
		t.Fatalf("NewDestBlock: %v", err)
	}

	blocks := postcopy.NewBlockSet()
	blocks.Add(block)

	sim := umem.NewSim(1)
	if err := sim.CreateBlock("ram", shmem, pageSize); err != nil {
		t.Fatalf("CreateBlock: %v", err)
	}
	defer sim.Close()

	d := New(Daemon{Blocks: blocks, Device: sim})

	if err := d.removeShmem(1000 + 2*pageSize); err != nil {
		t.Fatalf("removeShmem: %v", err)
	}
}

// TestRemoveShmemUnknownOffsetIsHarmless checks that an echoed offset
// matching no registered block is logged and ignored rather than erroring
// (spec §4.4.5 is silent on this edge case; a stale echo after a block is
// torn down should not fail the thread).
func TestRemoveShmemUnknownOffsetIsHarmless(t *testing.T) {
	t.Parallel()

	sim := umem.NewSim(1)
	defer sim.Close()

	d := New(Daemon{Blocks: postcopy.NewBlockSet(), Device: sim})

	if err := d.removeShmem(999999); err != nil {
		t.Fatalf("removeShmem should tolerate an offset matching no block, got %v", err)
	}
}

// TestBeginTerminationSetsQuitQueued checks the handoff from the fault
// thread to the pipe thread (spec §4.4.5): once every block is finished,
// EOC-send-req and QUIT_QUEUED are both raised.
func TestBeginTerminationSetsQuitQueued(t *testing.T) {
	t.Parallel()

	d := New(Daemon{Blocks: postcopy.NewBlockSet(), Device: umem.NewSim(1)})

	d.beginTermination()

	if !d.State.Has(FlagEOCSendReq | FlagQuitQueued) {
		t.Fatalf("beginTermination should raise FlagEOCSendReq and FlagQuitQueued")
	}
}

func TestAllFinishedRequiresEveryBlock(t *testing.T) {
	t.Parallel()

	const pageSize = 4096

	shmemA := make([]byte, pageSize)
	shmemB := make([]byte, pageSize)

	a, err := postcopy.NewDestBlock("a", 0, pageSize, pageSize, pageSize, shmemA)
	if err != nil {
		t.Fatalf("NewDestBlock a: %v", err)
	}

	b, err := postcopy.NewDestBlock("b", pageSize, pageSize, pageSize, pageSize, shmemB)
	if err != nil {
		t.Fatalf("NewDestBlock b: %v", err)
	}

	blocks := postcopy.NewBlockSet()
	blocks.Add(a)
	blocks.Add(b)

	sim := umem.NewSim(1)
	if err := sim.CreateBlock("a", shmemA, pageSize); err != nil {
		t.Fatalf("CreateBlock a: %v", err)
	}

	if err := sim.CreateBlock("b", shmemB, pageSize); err != nil {
		t.Fatalf("CreateBlock b: %v", err)
	}

	defer sim.Close()

	d := New(Daemon{Blocks: blocks, Device: sim})

	if d.allFinished() {
		t.Fatalf("allFinished should be false before any page is marked cached")
	}

	if err := sim.MarkCached("a", []uint64{0}); err != nil {
		t.Fatalf("MarkCached a: %v", err)
	}

	if d.allFinished() {
		t.Fatalf("allFinished should be false while block b has no resident pages")
	}

	if err := sim.MarkCached("b", []uint64{0}); err != nil {
		t.Fatalf("MarkCached b: %v", err)
	}

	if !d.allFinished() {
		t.Fatalf("allFinished should be true once every block is fully resident")
	}
}
