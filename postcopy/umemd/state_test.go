package umemd_test

import (
	"testing"

	"github.com/vmpostcopy/postcopyd/postcopy/umemd"
)

func TestStateSetIdempotent(t *testing.T) {
	t.Parallel()

	s := &umemd.State{}

	if !s.Set(umemd.FlagEOCSendReq) {
		t.Fatalf("first Set should report newly set")
	}

	if s.Set(umemd.FlagEOCSendReq) {
		t.Fatalf("second Set of the same flag should report already set")
	}

	if !s.Has(umemd.FlagEOCSendReq) {
		t.Fatalf("Has should report the flag set")
	}
}

func TestStateAnyVsHas(t *testing.T) {
	t.Parallel()

	s := &umemd.State{}
	s.Set(umemd.FlagQuitQueued)

	mask := umemd.FlagQuitQueued | umemd.FlagQuitSending

	if s.Has(mask) {
		t.Fatalf("Has should require every bit in the mask, only one is set")
	}

	if !s.Any(mask) {
		t.Fatalf("Any should report true since one bit in the mask is set")
	}
}

// TestStateShouldExitRequiresFullEndMask checks that a worker thread does
// not exit until the complete handshake (EOC + quit) has landed (spec
// §4.5/§8 scenario S6).
func TestStateShouldExitRequiresFullEndMask(t *testing.T) {
	t.Parallel()

	s := &umemd.State{}

	for _, f := range []umemd.Flag{
		umemd.FlagEOSReceived,
		umemd.FlagEOCSendReq,
		umemd.FlagEOCSending,
		umemd.FlagEOCSent,
		umemd.FlagQuitReceived,
		umemd.FlagQuitHandled,
		umemd.FlagQuitQueued,
		umemd.FlagQuitSending,
	} {
		if s.ShouldExit() {
			t.Fatalf("ShouldExit should be false before every EndMask flag is set")
		}

		s.Set(f)
	}

	if s.ShouldExit() {
		t.Fatalf("ShouldExit should still be false with FlagQuitSent missing")
	}

	s.Set(umemd.FlagQuitSent)

	if !s.ShouldExit() {
		t.Fatalf("ShouldExit should be true once the full EndMask handshake has landed")
	}
}
