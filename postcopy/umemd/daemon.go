package umemd

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vmpostcopy/postcopyd/postcopy"
	"github.com/vmpostcopy/postcopyd/umem"
)

// Control-channel single-byte commands exchanged with the VMM main
// process over to_qemu/from_qemu (spec §6).
const (
	DaemonQuit  byte = 1
	DaemonError byte = 2
	QemuQuit    byte = 1
)

// Daemon is the destination post-copy daemon (spec §4.4): an owned record
// shared by its five worker threads, with the shared state bitset and the
// pending-clean mutex/condvar as its only synchronization primitives
// beyond the per-page atomic bitmaps (spec §9: no package-level
// singleton).
type Daemon struct {
	State  *State
	Blocks *postcopy.BlockSet
	Device umem.Device

	UpstreamReader io.Reader // mig-read: response stream from source
	UpstreamWriter io.Writer // mig-write: request stream to source

	FaultWrite *FaultWritePipe // daemon -> VMM ingestor
	FaultReadR *os.File        // VMM ingestor -> daemon (echoed offsets)

	ToQemu   *os.File // daemon -> VMM main loop control byte
	FromQemu *os.File // VMM main loop -> daemon control byte

	TargetPageSize uint64
	HostPageSize   uint64

	Log *logrus.Logger

	pendingMu   sync.Mutex
	pendingCond *sync.Cond
}

// New builds a Daemon. Callers construct every collaborator (device,
// pipes, upstream connection) and hand them over, per spec §9's
// "explicitly passed to each thread at construction".
func New(d Daemon) *Daemon {
	daemon := d
	if daemon.Log == nil {
		daemon.Log = logrus.New()
	}

	if daemon.State == nil {
		daemon.State = &State{}
	}

	daemon.pendingCond = sync.NewCond(&daemon.pendingMu)

	return &daemon
}

// anyPending reports whether any block currently has a non-empty
// pending-clean backlog.
func (d *Daemon) anyPending() bool {
	for _, b := range d.Blocks.All() {
		if b.NrPendingClean() > 0 {
			return true
		}
	}

	return false
}

// markPendingClean records that hostOffsets within block could not be
// pushed to the fault-write pipe immediately, and wakes the pending-clean
// thread (spec §4.4.1).
func (d *Daemon) markPendingClean(block *postcopy.Block, hostOffsets []uint64) {
	added := int64(0)

	for _, off := range hostOffsets {
		idx := int(off / d.HostPageSize)
		if !block.PendingCleanBitmap.TestAndSet(idx) {
			added++
		}
	}

	if added > 0 {
		block.AddPendingClean(added)
	}

	d.wakePendingClean()
}

// wakePendingClean broadcasts the pending-clean condvar, used whenever a
// state-bit change might let the pending-clean thread's wait condition
// (backlog non-empty, or exit requested) become true.
func (d *Daemon) wakePendingClean() {
	d.pendingMu.Lock()
	d.pendingCond.Broadcast()
	d.pendingMu.Unlock()
}

// failThread raises ERROR_REQ and wakes every thread that can only notice
// state changes via the pending-clean condvar or a poll tick (spec §7: each
// thread reports its own failure so the others converge on END_MASK while
// it unwinds, rather than waiting on this thread to return first).
func (d *Daemon) failThread() {
	d.State.Set(FlagErrorReq)
	d.wakePendingClean()
}

// Run starts the five daemon threads and blocks until every one of them
// exits (spec §4.5: a worker exits once state & END_MASK == END_MASK).
// Each thread raises FlagErrorReq itself on its own error path via
// failThread; this is a backstop for any error that reaches here without
// having gone through one (e.g. a panic recovered by errgroup).
func (d *Daemon) Run() error {
	var g errgroup.Group

	g.Go(d.migReadLoop)
	g.Go(d.migWriteLoop)
	g.Go(d.pipeLoop)
	g.Go(d.faultLoop)
	g.Go(d.pendingCleanLoop)

	err := g.Wait()

	if err != nil {
		d.failThread()
	}

	return err
}

// allFinished reports whether every registered block is fully resident on
// the UMEM device (spec §4.4.5).
func (d *Daemon) allFinished() bool {
	for _, b := range d.Blocks.All() {
		if !d.Device.Finished(b.ID) {
			return false
		}
	}

	return true
}
