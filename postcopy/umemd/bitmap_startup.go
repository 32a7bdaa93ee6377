package umemd

import (
	"fmt"

	"github.com/vmpostcopy/postcopyd/postcopy"
)

// RunCleanBitmapWalk is the dedicated startup bitmap thread (spec §4.6): for
// every block, walk clean_bitmap and issue the same "mark cached" two-step
// (UMEM mark_page_cached, then fault-write-pipe notify, falling back to
// pending_clean_bitmap on EAGAIN) that mig-read performs for freshly
// received pages. Must run to completion before the five post-copy threads
// begin normal operation, since it is the expected source of a pending-clean
// backlog at startup.
func (d *Daemon) RunCleanBitmapWalk() error {
	for _, block := range d.Blocks.All() {
		if err := d.walkBlockCleanBitmap(block); err != nil {
			return fmt.Errorf("clean-bitmap walk: %w", err)
		}
	}

	return nil
}

func (d *Daemon) walkBlockCleanBitmap(block *postcopy.Block) error {
	n := int(block.TargetPageCount())

	for tp := 0; tp < n; tp++ {
		if !block.CleanBitmap.Test(tp) {
			continue
		}

		hostOffsets := hostOffsetsForCleanTarget(block, tp)
		if len(hostOffsets) == 0 {
			continue
		}

		if err := d.markCached(block, hostOffsets); err != nil {
			return err
		}
	}

	return nil
}

// hostOffsetsForCleanTarget mirrors ramLoaded's target/host reconciliation,
// but driven by clean_bitmap instead of a freshly arrived response record:
// in the target<host case a host page is only reported once every target
// page it spans is already clean.
func hostOffsetsForCleanTarget(block *postcopy.Block, tpIdx int) []uint64 {
	if block.TargetPageSize >= block.HostPageSize {
		return block.HostOffsetsForTarget(tpIdx)
	}

	ratio := int(block.HostPageSize / block.TargetPageSize)
	hostPageIdx := tpIdx / ratio
	first, count := block.TargetRangeForHost(hostPageIdx)

	if first != tpIdx {
		// Only process once, on the first target page of the host page,
		// to avoid re-notifying the same host offset ratio-many times.
		return nil
	}

	if !block.CleanBitmap.TestRange(first, first+count) {
		return nil
	}

	return []uint64{uint64(hostPageIdx) * block.HostPageSize}
}
