// Package umem abstracts the guest-memory userfault device (UMEM) that the
// post-copy destination daemon demand-pages against. The real device is a
// kernel object (on Linux, userfaultfd(2)) that gokvm's migration core does
// not own; this package only pins down the contract the daemon threads need,
// so that the core can be built and tested without a live kernel object.
package umem

import "context"

// Fault is a single guest page fault: the host-page offset within the
// memory block's shared-memory region that the guest touched.
type Fault struct {
	BlockID string
	Offset  uint64 // host-page aligned offset within the block
}

// Device is the capability surface required of a UMEM implementation
// (spec §6): create/destroy the object backing guest RAM, map/unmap the
// shared region, retrieve pending fault offsets in batches, mark pages
// cached in batches, remove backing for resident pages, expose a pollable
// descriptor, and report when a block is fully resident.
type Device interface {
	// CreateBlock registers length bytes of guest RAM (host-page
	// multiple) as block id, backed by shmem.
	CreateBlock(id string, shmem []byte, hostPageSize uint64) error

	// DestroyBlock unmaps the shared region and releases the block.
	DestroyBlock(id string) error

	// Faults returns the channel of pending guest-fault offsets for all
	// registered blocks. Reading from it is the moral equivalent of the
	// mig-write thread's "pull up to MAX_REQUESTS offsets from UMEM".
	Faults() <-chan Fault

	// MarkCached acks that the host pages at the given offsets within
	// block id are now resident, releasing any vCPU blocked on them.
	// Must be idempotent per offset: the caller (mig-read / mig-write)
	// guarantees at-most-once semantics, but a defensive implementation
	// should tolerate duplicates without doubly waking a vCPU.
	MarkCached(id string, hostPageOffsets []uint64) error

	// RemoveShmem releases the backing for a resident host page,
	// equivalent to UFFDIO_ZEROPAGE/UFFDIO_COPY completion teardown on
	// Linux. Called by the fault thread once the ingestor has echoed the
	// page back as force-faulted in the VMM's own page tables.
	RemoveShmem(id string, localOffset uint64, hostPageSize uint64) error

	// Finished reports whether every registered block has had all of its
	// host pages accounted for (all faults answered, all clean pages
	// marked cached). Once true for every block, shared memory can be
	// unmapped.
	Finished(id string) bool

	// Close tears the device down. Safe to call once all blocks are
	// destroyed.
	Close() error
}

// InjectFault is implemented by devices whose test doubles allow the test
// to simulate a guest vCPU touching an absent page.
type InjectFault interface {
	InjectFault(ctx context.Context, id string, hostPageOffset uint64) error
}
