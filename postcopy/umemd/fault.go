package umemd

import (
	"fmt"
)

// faultReadBatch bounds how many echoed offsets faultLoop reads per pass.
const faultReadBatch = 256

// faultLoop is the fault thread (spec §4.4.5): blocks on the fault-read
// pipe for host-page offsets echoed back by the VMM ingestor, dispatches
// each to its containing block, and calls UMEM remove_shmem to release any
// vCPU waiting on that page. After each batch it checks whether every
// block is now finished, and if so begins graceful termination.
func (d *Daemon) faultLoop() error {
	buf := make([]uint64, faultReadBatch)

	for {
		n, err := ReadOffsets(d.FaultReadR, buf)
		if err != nil {
			if d.State.Has(EndMask) {
				return nil
			}

			d.failThread()

			return fmt.Errorf("fault: %w", err)
		}

		for i := 0; i < n; i++ {
			if err := d.removeShmem(buf[i]); err != nil {
				d.failThread()

				return fmt.Errorf("fault: %w", err)
			}
		}

		if d.allFinished() {
			d.beginTermination()

			return nil
		}
	}
}

func (d *Daemon) removeShmem(globalOffset uint64) error {
	block, local, ok := d.Blocks.Containing(globalOffset)
	if !ok {
		d.Log.WithField("thread", "fault").Warnf("echoed offset %d matches no block", globalOffset)

		return nil
	}

	if err := d.Device.RemoveShmem(block.ID, local, block.HostPageSize); err != nil {
		return fmt.Errorf("umem remove shmem: %w", err)
	}

	return nil
}

// beginTermination marks EOC-send-req and QUIT_QUEUED once every block has
// reported umem_shmem_finished (spec §4.4.5), kicking off the shutdown
// handshake the other threads converge on via END_MASK. The UMEM device is
// fully drained at this point, so its fault channel is torn down here too;
// a close error is logged, not fatal, since termination is already underway.
func (d *Daemon) beginTermination() {
	d.State.Set(FlagEOCSendReq)
	d.State.Set(FlagQuitQueued)

	if err := d.Device.Close(); err != nil {
		d.Log.WithField("thread", "fault").Warnf("umem device close: %v", err)
	}

	d.wakePendingClean()
}
