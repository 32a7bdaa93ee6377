package umemd

import (
	"fmt"
	"time"

	"github.com/vmpostcopy/postcopyd/postcopy"
	"github.com/vmpostcopy/postcopyd/umem"
)

// maxRequests bounds how many raw fault offsets mig-write pulls from UMEM
// per iteration (spec §4.4.2: "MAX_REQUESTS = 512*65").
const maxRequests = 512 * 65

// migWritePollInterval bounds how long pullBatch can block with no faults
// pending before mig-write wakes to recheck ShouldExit/FlagErrorReq (spec
// §4.4.2: mig-write selects across UMEM descriptors with a 1-second
// timeout), matching pipe.go's pipePollInterval and pendingclean.go's
// condvar wake discipline.
const migWritePollInterval = time.Second

// migWriteLoop is the mig-write thread (spec §4.4.2): drain UMEM fault
// offsets, classify each against clean_bitmap/phys_received, and either ack
// already-known-present pages directly (no network round trip) or mark
// phys_requested and forward the offset upstream as a PAGE/PAGE_CONT
// request. Exits once the upstream EOS has been observed and the fault
// channel is drained and closed.
func (d *Daemon) migWriteLoop() error {
	faults := d.Device.Faults()

	for {
		batch, ok := d.pullBatch(faults, maxRequests)
		if len(batch) > 0 {
			if err := d.classifyAndDispatch(batch); err != nil {
				d.failThread()

				return fmt.Errorf("mig-write: %w", err)
			}
		}

		if !ok {
			if err := d.sendEOC(); err != nil {
				d.failThread()

				return err
			}

			return nil
		}

		if d.State.ShouldExit() || d.State.Any(FlagErrorReq) {
			return nil
		}
	}
}

// pullBatch blocks for at least one fault, up to migWritePollInterval, so
// the thread wakes periodically even when UMEM is idle (or returns ok=false
// on channel close). Once it has a fault in hand, it opportunistically
// drains up to max-total additional faults already queued, without
// blocking further.
func (d *Daemon) pullBatch(faults <-chan umem.Fault, max int) ([]umem.Fault, bool) {
	timer := time.NewTimer(migWritePollInterval)
	defer timer.Stop()

	select {
	case f, ok := <-faults:
		if !ok {
			return nil, false
		}

		batch := []umem.Fault{f}

		for len(batch) < max {
			select {
			case f, ok := <-faults:
				if !ok {
					return batch, false
				}

				batch = append(batch, f)
			default:
				return batch, true
			}
		}

		return batch, true
	case <-timer.C:
		return nil, true
	}
}

// classifyAndDispatch implements the per-offset decision in spec §4.4.2:
// host pages already known present are acked directly to UMEM and the
// fault-write pipe (no network round trip); everything else is marked
// phys_requested and forwarded upstream.
func (d *Daemon) classifyAndDispatch(batch []umem.Fault) error {
	outbound := map[string][]uint64{}

	for _, f := range batch {
		block, ok := d.Blocks.Lookup(f.BlockID)
		if !ok {
			continue
		}

		if block.TargetPageSize >= block.HostPageSize {
			if err := d.classifyHostGEQTarget(block, f.Offset, outbound); err != nil {
				return err
			}
		} else {
			d.classifyHostLTTarget(block, f.Offset, outbound)
		}
	}

	return d.sendBatch(outbound)
}

// classifyHostGEQTarget handles one raw UMEM offset (a target-page index)
// when target>=host: the offset IS the target index.
func (d *Daemon) classifyHostGEQTarget(block *postcopy.Block, tpOffset uint64, outbound map[string][]uint64) error {
	tpIdx := int(tpOffset)

	if block.CleanBitmap.Test(tpIdx) || block.PhysReceived.Test(tpIdx) {
		hostOffsets := block.HostOffsetsForTarget(tpIdx)

		return d.markCached(block, hostOffsets)
	}

	if !block.PhysRequested.TestAndSet(tpIdx) {
		outbound[block.ID] = append(outbound[block.ID], tpOffset)
	}

	return nil
}

// classifyHostLTTarget handles one raw UMEM offset (a host-page index) when
// target<host: ack only if every target page the host page spans is
// already known present; otherwise request every not-yet-requested target
// page within it.
func (d *Daemon) classifyHostLTTarget(block *postcopy.Block, hostOffset uint64, outbound map[string][]uint64) {
	hostIdx := int(hostOffset / block.HostPageSize)
	first, count := block.TargetRangeForHost(hostIdx)

	allPresent := true

	for tp := first; tp < first+count; tp++ {
		if !block.CleanBitmap.Test(tp) && !block.PhysReceived.Test(tp) {
			allPresent = false

			break
		}
	}

	if allPresent {
		// Fast UMEM ack, no network round trip (spec §4.4.2).
		_ = d.markCached(block, []uint64{uint64(hostIdx) * block.HostPageSize})

		return
	}

	for tp := first; tp < first+count; tp++ {
		if !block.PhysRequested.TestAndSet(tp) {
			outbound[block.ID] = append(outbound[block.ID], uint64(tp))
		}
	}
}

func (d *Daemon) sendBatch(outbound map[string][]uint64) error {
	for id, offsets := range outbound {
		if len(offsets) == 0 {
			continue
		}

		buf, err := postcopy.EncodeRequest(id, offsets)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}

		if _, err := d.UpstreamWriter.Write(buf); err != nil {
			return fmt.Errorf("write request: %w", err)
		}
	}

	return nil
}

// sendEOC transmits CMD_EOC once the UMEM fault channel has closed (spec
// §4.4.2: mig-write sends EOC once EOS has been observed and the fault
// source is drained).
func (d *Daemon) sendEOC() error {
	d.State.Set(FlagEOCSending)

	if _, err := d.UpstreamWriter.Write(postcopy.EncodeEOC()); err != nil {
		return fmt.Errorf("mig-write: write eoc: %w", err)
	}

	d.State.Set(FlagEOCSent)

	return nil
}
