package umem

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	errBlockExists   = errors.New("umem: block already registered")
	errBlockNotFound = errors.New("umem: block not registered")
)

// simBlock tracks per-block bookkeeping for Sim.
type simBlock struct {
	shmem        []byte
	hostPageSize uint64
	resident     map[uint64]bool // host-page offset -> cached
	total        uint64          // number of host pages in the block
}

// Sim is a software UMEM simulator driven entirely by channels. It is the
// only UMEM backend this core depends on: the real device is explicitly a
// collaborator out of scope for the migration engine (spec §6), but the
// daemon threads still need something concrete to fault against in tests
// and in any environment without a privileged userfaultfd registration.
type Sim struct {
	mu      sync.Mutex
	blocks  map[string]*simBlock
	faults  chan Fault
	closed  bool
	closeMu sync.Once
}

// NewSim returns a ready Sim with the given fault-channel buffer depth.
func NewSim(faultBuffer int) *Sim {
	return &Sim{
		blocks: make(map[string]*simBlock),
		faults: make(chan Fault, faultBuffer),
	}
}

func (s *Sim) CreateBlock(id string, shmem []byte, hostPageSize uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blocks[id]; ok {
		return fmt.Errorf("%w: %s", errBlockExists, id)
	}

	s.blocks[id] = &simBlock{
		shmem:        shmem,
		hostPageSize: hostPageSize,
		resident:     make(map[uint64]bool),
		total:        uint64(len(shmem)) / hostPageSize,
	}

	return nil
}

func (s *Sim) DestroyBlock(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blocks[id]; !ok {
		return fmt.Errorf("%w: %s", errBlockNotFound, id)
	}

	delete(s.blocks, id)

	return nil
}

func (s *Sim) Faults() <-chan Fault { return s.faults }

// InjectFault simulates a guest vCPU touching an absent page at
// hostPageOffset within block id.
func (s *Sim) InjectFault(ctx context.Context, id string, hostPageOffset uint64) error {
	select {
	case s.faults <- Fault{BlockID: id, Offset: hostPageOffset}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sim) MarkCached(id string, hostPageOffsets []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[id]
	if !ok {
		return fmt.Errorf("%w: %s", errBlockNotFound, id)
	}

	for _, off := range hostPageOffsets {
		b.resident[off] = true
	}

	return nil
}

func (s *Sim) RemoveShmem(id string, localOffset uint64, hostPageSize uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blocks[id]; !ok {
		return fmt.Errorf("%w: %s", errBlockNotFound, id)
	}

	// Removing backing is a teardown step on the real device; the
	// simulator only needs to record that the page was released, which
	// resident already captures via MarkCached.
	return nil
}

func (s *Sim) Finished(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[id]
	if !ok {
		return false
	}

	return uint64(len(b.resident)) >= b.total
}

func (s *Sim) Close() error {
	s.closeMu.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.faults)
	})

	return nil
}
