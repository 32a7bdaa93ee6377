// Package ingestor implements the destination fault ingestor (spec §4.3):
// a small auxiliary loop owned by the VMM main process, not the post-copy
// daemon. It force-faults freshly cached pages into the VMM's own page
// tables and echoes the offsets back so the daemon can release the vCPU
// that was waiting on them.
package ingestor

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/vmpostcopy/postcopyd/postcopy/umemd"
)

// Ingestor reads host-page offsets from the daemon's fault-write pipe,
// force-faults the corresponding byte of shared memory, and echoes the
// offset back on the fault-read pipe.
type Ingestor struct {
	In  *os.File // daemon -> ingestor (inbound)
	Out *os.File // ingestor -> daemon (outbound, echo)

	// Shmem maps a block's shared-memory region by the same global byte
	// offset space RunCleanBitmapWalk and mig-read use (block.Offset +
	// local offset), so the ingestor can force-read without round-tripping
	// through the daemon's block registry.
	Shmem []byte
}

// Run reads offsets until EOF or error, closing both descriptors on either
// condition (spec §4.3: "on either pipe EOF or error, the thread closes
// both descriptors and exits"). SIGPIPE masking is the caller's
// responsibility at process start, since it is process-global state.
func (ig *Ingestor) Run() error {
	defer ig.In.Close()
	defer ig.Out.Close()

	buf := make([]uint64, 256)

	for {
		n, err := umemd.ReadOffsets(ig.In, buf)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}

			return fmt.Errorf("ingestor: read inbound: %w", err)
		}

		offsets := buf[:n]

		for _, off := range offsets {
			if err := ig.forceFault(off); err != nil {
				return fmt.Errorf("ingestor: %w", err)
			}
		}

		if err := umemd.WriteOffsetsChunked(ig.Out, offsets); err != nil {
			return fmt.Errorf("ingestor: write outbound: %w", err)
		}
	}
}

// forceFault performs the single-byte read that brings the page into the
// VMM's own page tables (spec §4.3).
func (ig *Ingestor) forceFault(offset uint64) error {
	if offset >= uint64(len(ig.Shmem)) {
		return fmt.Errorf("ingestor: offset %d out of range (shmem len %d)", offset, len(ig.Shmem))
	}

	_ = ig.Shmem[offset]

	return nil
}
