package umemd

import (
	"fmt"
	"time"

	"github.com/vmpostcopy/postcopyd/postcopy"
)

// pendingCleanBatch is the PIPE_BUF/8 - 1 offsets-per-write cap the spec
// gives the pending-clean thread, leaving one slot of headroom below the
// pipe's atomic-write boundary (spec §4.4.4).
const pendingCleanBatch = pipeBuf/offsetSize - 1

// pendingCleanSleep batches arrivals before each drain pass (spec §4.4.4:
// "sleeps one second to batch arrivals").
var pendingCleanSleep = time.Second

// pendingCleanLoop is the pending-clean thread (spec §4.4.4): wakes when
// any block's pending-clean backlog is non-empty, waits for the
// fault-write pipe to be writable, briefly batches arrivals, then drains
// every block's pending_clean_bitmap in chunks, blocking as needed.
func (d *Daemon) pendingCleanLoop() error {
	for {
		d.pendingMu.Lock()
		for !d.anyPending() && !d.State.Any(FlagErrorReq) && !d.State.Has(EndMask) {
			d.pendingCond.Wait()
		}

		exiting := d.State.Has(EndMask) || d.State.Any(FlagErrorReq)
		empty := !d.anyPending()
		d.pendingMu.Unlock()

		if exiting && empty {
			return nil
		}

		if empty {
			continue
		}

		if err := waitWritable(d.FaultWrite.Fd()); err != nil {
			d.failThread()

			return fmt.Errorf("pending-clean: %w", err)
		}

		time.Sleep(pendingCleanSleep)

		if err := d.drainPendingClean(); err != nil {
			d.failThread()

			return fmt.Errorf("pending-clean: %w", err)
		}
	}
}

// drainPendingClean scans every block's pending_clean_bitmap, flushing
// batches of at most pendingCleanBatch offsets at a time.
func (d *Daemon) drainPendingClean() error {
	for _, block := range d.Blocks.All() {
		if block.NrPendingClean() == 0 {
			continue
		}

		var batch []int

		n := block.PendingCleanBitmap.Len()
		for i := 0; i < n; i++ {
			if !block.PendingCleanBitmap.Test(i) {
				continue
			}

			batch = append(batch, i)

			if len(batch) == pendingCleanBatch {
				if err := d.flushCleanBatch(block, batch); err != nil {
					return err
				}

				batch = batch[:0]
			}
		}

		if len(batch) > 0 {
			if err := d.flushCleanBatch(block, batch); err != nil {
				return err
			}
		}
	}

	return nil
}

func (d *Daemon) flushCleanBatch(block *postcopy.Block, idxs []int) error {
	offsets := make([]uint64, len(idxs))
	for i, idx := range idxs {
		offsets[i] = block.Offset + uint64(idx)*block.HostPageSize
	}

	if err := d.FaultWrite.WriteBlocking(offsets); err != nil {
		return err
	}

	for _, idx := range idxs {
		block.PendingCleanBitmap.Clear(idx)
	}

	block.AddPendingClean(-int64(len(idxs)))

	return nil
}
