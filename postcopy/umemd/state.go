// Package umemd implements the destination post-copy daemon (spec §4.4):
// the five long-lived threads (mig-read, mig-write, pipe, fault,
// pending-clean) coordinated through a single shared state bitset (§4.5)
// plus a mutex/condvar pair guarding the pending-clean backlog (§5).
package umemd

import "sync"

// Flag is one bit of the daemon's shared coordination bitset (spec §4.5).
// Flags are set once and never cleared.
type Flag uint32

const (
	// Upstream (to source).
	FlagEOSReceived Flag = 1 << iota
	FlagEOCSendReq
	FlagEOCSending
	FlagEOCSent

	// VMM-facing (to parent).
	FlagQuitReceived
	FlagQuitHandled
	FlagQuitQueued
	FlagQuitSending
	FlagQuitSent

	// Error.
	FlagErrorReq
	FlagErrorSending
	FlagErrorSent
)

// QuitMask is the union of VMM-facing quit flags.
const QuitMask = FlagQuitReceived | FlagQuitHandled | FlagQuitQueued | FlagQuitSending | FlagQuitSent

// EndMask is the set of flags every worker thread waits on before exiting
// (spec §4.5): the upstream end-of-commands handshake plus the full quit
// handshake.
const EndMask = FlagEOSReceived | FlagEOCSendReq | FlagEOCSending | FlagEOCSent | QuitMask

// State is the daemon's shared, mutex-guarded coordination bitset. Per
// spec §9 ("reimplement as an owned record explicitly passed to each
// thread at construction"), this is never a package-level singleton: a
// Daemon owns one State and hands a reference to every thread it starts.
type State struct {
	mu   sync.Mutex
	bits Flag
}

// Set raises flag (idempotent: setting an already-set flag is a no-op)
// and reports whether it was newly set.
func (s *State) Set(flag Flag) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bits&flag != 0 {
		return false
	}

	s.bits |= flag

	return true
}

// Has reports whether every bit in mask is set.
func (s *State) Has(mask Flag) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.bits&mask == mask
}

// Any reports whether at least one bit in mask is set.
func (s *State) Any(mask Flag) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.bits&mask != 0
}

// Snapshot returns the current bits, for logging/diagnostics only.
func (s *State) Snapshot() Flag {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.bits
}

// ShouldExit reports whether a worker thread has seen the full end
// handshake and should terminate its loop (spec §4.5).
func (s *State) ShouldExit() bool { return s.Has(EndMask) }
