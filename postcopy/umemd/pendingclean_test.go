//go:build linux

package umemd

import (
	"testing"
	"time"

	"github.com/vmpostcopy/postcopyd/postcopy"
	"github.com/vmpostcopy/postcopyd/umem"
)

// TestDrainPendingCleanFlushesBacklog checks the pending-clean thread's
// drain (spec §4.4.4): offsets marked in pending_clean_bitmap are flushed
// to the fault-write pipe and the bitmap/counter are cleared.
func TestDrainPendingCleanFlushesBacklog(t *testing.T) {
	t.Parallel()

	const pageSize = 4096

	shmem := make([]byte, 4*pageSize)

	block, err := postcopy.NewDestBlock("ram", 0, 4*pageSize, pageSize, pageSize, shmem)
	if err != nil {
		t.Fatalf("NewDestBlock: %v", err)
	}

	blocks := postcopy.NewBlockSet()
	blocks.Add(block)

	fw, readEnd, err := NewFaultWritePipe()
	if err != nil {
		t.Fatalf("NewFaultWritePipe: %v", err)
	}
	defer fw.Close()
	defer readEnd.Close()

	d := New(Daemon{Blocks: blocks, Device: umem.NewSim(1), FaultWrite: fw})

	d.markPendingClean(block, []uint64{0, 2 * pageSize})

	if got := block.NrPendingClean(); got != 2 {
		t.Fatalf("got NrPendingClean %d after markPendingClean, want 2", got)
	}

	if err := d.drainPendingClean(); err != nil {
		t.Fatalf("drainPendingClean: %v", err)
	}

	if got := block.NrPendingClean(); got != 0 {
		t.Fatalf("got NrPendingClean %d after drain, want 0", got)
	}

	buf := make([]uint64, 2)

	n, err := ReadOffsets(readEnd, buf)
	if err != nil {
		t.Fatalf("ReadOffsets: %v", err)
	}

	got := map[uint64]bool{}
	for i := 0; i < n; i++ {
		got[buf[i]] = true
	}

	for _, want := range []uint64{0, 2 * pageSize} {
		if !got[want] {
			t.Fatalf("expected drained offset %d among %v", want, buf[:n])
		}
	}
}

// TestPendingCleanLoopWakesAndExits checks that the thread blocks until
// woken, drains the backlog once writable, and exits cleanly once EndMask
// is fully set and the backlog is empty (spec §4.4.4/§4.5).
func TestPendingCleanLoopWakesAndExits(t *testing.T) {
	t.Parallel()

	const pageSize = 4096

	shmem := make([]byte, pageSize)

	block, err := postcopy.NewDestBlock("ram", 0, pageSize, pageSize, pageSize, shmem)
	if err != nil {
		t.Fatalf("NewDestBlock: %v", err)
	}

	blocks := postcopy.NewBlockSet()
	blocks.Add(block)

	fw, readEnd, err := NewFaultWritePipe()
	if err != nil {
		t.Fatalf("NewFaultWritePipe: %v", err)
	}
	defer fw.Close()
	defer readEnd.Close()

	d := New(Daemon{Blocks: blocks, Device: umem.NewSim(1), FaultWrite: fw})

	done := make(chan error, 1)
	go func() { done <- d.pendingCleanLoop() }()

	d.markPendingClean(block, []uint64{0})

	buf := make([]uint64, 1)
	if _, err := ReadOffsets(readEnd, buf); err != nil {
		t.Fatalf("ReadOffsets: %v", err)
	}

	for _, f := range []Flag{
		FlagEOSReceived, FlagEOCSendReq, FlagEOCSending, FlagEOCSent,
		FlagQuitReceived, FlagQuitHandled, FlagQuitQueued, FlagQuitSending, FlagQuitSent,
	} {
		d.State.Set(f)
	}

	d.wakePendingClean()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("pendingCleanLoop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("pendingCleanLoop did not exit once EndMask was fully set")
	}
}
