package umemd

import (
	"errors"
	"fmt"

	"github.com/vmpostcopy/postcopyd/postcopy"
)

var errRamLoadedUnknownBlock = errors.New("umemd: ram_loaded for unknown block")

// migReadLoop is the mig-read thread (spec §4.4.1): repeatedly read one
// framed response record from upstream, materialize the page payload into
// shared memory, and mark the UMEM device cached -- all in blocking mode.
func (d *Daemon) migReadLoop() error {
	rr := postcopy.NewResponseReader(d.UpstreamReader)

	var lastBlock *postcopy.Block

	for {
		rec, err := rr.ReadRecord()
		if err != nil {
			d.failThread()

			return fmt.Errorf("mig-read: %w", err)
		}

		if rec.Flags&postcopy.RespEOS != 0 {
			d.State.Set(FlagEOCSendReq)
			d.State.Set(FlagEOSReceived)

			return nil
		}

		if rec.Flags&postcopy.RespMemSize != 0 {
			// Accepted but not acted on mid-stream; see SPEC_FULL.md
			// Open Question (b).
			d.Log.WithField("thread", "mig-read").
				Debugf("MEM_SIZE record mid-stream: %d", rec.Offset)

			continue
		}

		block, err := d.resolveRecordBlock(rec, lastBlock)
		if err != nil {
			d.failThread()

			return fmt.Errorf("mig-read: %w", err)
		}

		lastBlock = block

		if err := d.applyRecord(rr, rec, block); err != nil {
			d.failThread()

			return fmt.Errorf("mig-read: %w", err)
		}
	}
}

func (d *Daemon) resolveRecordBlock(rec *postcopy.Record, lastBlock *postcopy.Block) (*postcopy.Block, error) {
	if rec.Flags&postcopy.RespContinue != 0 {
		if lastBlock == nil {
			return nil, fmt.Errorf("%w: CONTINUE with no prior block", errRamLoadedUnknownBlock)
		}

		return lastBlock, nil
	}

	block, ok := d.Blocks.Lookup(rec.BlockID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", errRamLoadedUnknownBlock, rec.BlockID)
	}

	return block, nil
}

// applyRecord loads the page payload (COMPRESS/PAGE/XBZRLE) into shared
// memory at the record's offset and runs ram_loaded bookkeeping.
func (d *Daemon) applyRecord(rr *postcopy.ResponseReader, rec *postcopy.Record, block *postcopy.Block) error {
	dst := block.Shmem[rec.Offset:]

	switch {
	case rec.Flags&postcopy.RespPage != 0:
		data, err := rr.ReadPagePayload(block.TargetPageSize)
		if err != nil {
			return err
		}

		copy(dst, data)

	case rec.Flags&postcopy.RespCompress != 0:
		fillRange(dst[:block.TargetPageSize], rec.Fill)

	case rec.Flags&postcopy.RespXBZRLE != 0:
		// A real XBZRLE decoder would apply rec.Data as a delta against
		// the existing (poisoned) page; this core treats the delta
		// payload as already-resolved bytes, since XBZRLE's compression
		// scheme is explicitly the enclosing framework's concern.
		copy(dst, rec.Data)

	case rec.Flags&postcopy.RespHook != 0:
		d.Log.WithField("thread", "mig-read").Debug("HOOK record ignored")

		return nil

	default:
		return nil
	}

	return d.ramLoaded(block, rec.Offset)
}

func fillRange(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

// ramLoaded implements the target-vs-host page-size reconciliation (spec
// §4.4.1): the host pages a just-received target page covers are only
// reported cached once every target page within the enclosing host page
// is known received.
func (d *Daemon) ramLoaded(block *postcopy.Block, byteOffset uint64) error {
	tpIdx := int(byteOffset / block.TargetPageSize)

	if block.PhysReceived.TestAndSet(tpIdx) {
		// Already delivered; duplicate responses are harmless (spec
		// invariant 2: marked cached exactly once).
		return nil
	}

	var hostOffsets []uint64

	if block.TargetPageSize >= block.HostPageSize {
		hostOffsets = block.HostOffsetsForTarget(tpIdx)
	} else {
		ratio := int(block.HostPageSize / block.TargetPageSize)
		hostPageIdx := tpIdx / ratio
		first, count := block.TargetRangeForHost(hostPageIdx)

		if !block.PhysReceived.TestRange(first, first+count) {
			return nil
		}

		hostOffsets = []uint64{uint64(hostPageIdx) * block.HostPageSize}
	}

	return d.markCached(block, hostOffsets)
}

// markCached performs the two-step "mark cached" (spec §4.4.1): ack the
// UMEM device unconditionally, then best-effort notify the fault-write
// pipe, falling back to the pending-clean backlog on EAGAIN.
func (d *Daemon) markCached(block *postcopy.Block, hostOffsets []uint64) error {
	if len(hostOffsets) == 0 {
		return nil
	}

	if err := d.Device.MarkCached(block.ID, hostOffsets); err != nil {
		return fmt.Errorf("umem mark cached: %w", err)
	}

	global := make([]uint64, len(hostOffsets))
	for i, off := range hostOffsets {
		global[i] = block.Offset + off
	}

	if err := d.FaultWrite.Write(global); err != nil {
		if errors.Is(err, ErrWouldBlock) {
			d.markPendingClean(block, hostOffsets)

			return nil
		}

		return fmt.Errorf("fault-write pipe: %w", err)
	}

	return nil
}
