//go:build linux

package postcopy_test

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/vmpostcopy/postcopyd/postcopy"
	"github.com/vmpostcopy/postcopyd/postcopy/ratelimit"
)

// fakePageSource serves fixed-size all-same-byte pages so tests can assert
// on content without modeling real guest memory.
type fakePageSource struct{ pageSize uint64 }

func (f fakePageSource) ReadPage(block *postcopy.Block, pageIndex uint64) ([]byte, error) {
	buf := make([]byte, f.pageSize)
	for i := range buf {
		buf[i] = byte(pageIndex)
	}

	return buf, nil
}

// doneFramework reports the background scan exhausted on its very first
// Next call, so a test can drive the scheduler to StateAllPagesSent
// deterministically without racing demand handling.
type doneFramework struct{}

func (doneFramework) SaveIterate(io.Writer, int) (bool, error) { return true, nil }
func (doneFramework) SaveComplete() error                      { return nil }
func (doneFramework) SavePending() int64                       { return 0 }
func (doneFramework) Next(io.Writer) (bool, int, error)        { return true, 0, nil }
func (doneFramework) Reposition(*postcopy.Block, uint64)       {}

// neverDoneFramework reports more background work forever, so a test that
// needs the session to stay ACTIVE while it exercises the demand path can
// rely on the background scan never reaching StateAllPagesSent on its own.
type neverDoneFramework struct {
	repositioned bool
}

func (f *neverDoneFramework) SaveIterate(io.Writer, int) (bool, error) { return true, nil }
func (f *neverDoneFramework) SaveComplete() error                      { return nil }
func (f *neverDoneFramework) SavePending() int64                       { return 0 }
func (f *neverDoneFramework) Next(io.Writer) (bool, int, error)        { return false, 0, nil }
func (f *neverDoneFramework) Reposition(*postcopy.Block, uint64)       { f.repositioned = true }

func newTestSource(t *testing.T, fw postcopy.Framework, cfg postcopy.Config) (*postcopy.Source, *os.File, *os.File) {
	t.Helper()

	reqR, reqW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe (request): %v", err)
	}

	t.Cleanup(func() { reqR.Close(); reqW.Close() })

	respR, respW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe (response): %v", err)
	}

	t.Cleanup(func() { respR.Close(); respW.Close() })

	blocks := postcopy.NewBlockSet()

	block, err := postcopy.NewSourceBlock("ram", 0, 16*4096, 4096)
	if err != nil {
		t.Fatalf("NewSourceBlock: %v", err)
	}

	blocks.Add(block)

	src, err := postcopy.NewSource(reqR, respW, blocks, fakePageSource{pageSize: 4096}, fw, ratelimit.New(0), cfg)
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}

	return src, reqW, respR
}

func waitForState(t *testing.T, src *postcopy.Source, want postcopy.SessionState, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if src.Session().State() == want {
			return
		}

		time.Sleep(time.Millisecond)
	}

	t.Fatalf("session did not reach state %v within %v (stuck at %v)", want, timeout, src.Session().State())
}

// TestSourceRunBackgroundThenEOC exercises the common completion path
// (spec §4.2, §8 "final state COMPLETED"): once the background scan
// exhausts guest RAM it transitions ACTIVE -> ALL_PAGES_SENT and emits a
// final EOS; a subsequent demand request is ignored (the background scan
// already delivered everything) and CmdEOC then drives ALL_PAGES_SENT ->
// COMPLETED.
func TestSourceRunBackgroundThenEOC(t *testing.T) {
	t.Parallel()

	src, reqW, respR := newTestSource(t, doneFramework{}, postcopy.Config{})

	if err := src.Begin(false, nil); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	done := make(chan error, 1)

	go func() { done <- src.Run() }()

	waitForState(t, src, postcopy.StateAllPagesSent, 5*time.Second)

	r := postcopy.NewResponseReader(respR)

	rec, err := r.ReadRecord()
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}

	if rec.Flags&postcopy.RespEOS == 0 {
		t.Fatalf("got record %+v, want the background scan's final EOS", rec)
	}

	req, err := postcopy.EncodeRequest("ram", []uint64{2})
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}

	if _, err := reqW.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	if _, err := reqW.Write(postcopy.EncodeEOC()); err != nil {
		t.Fatalf("write EOC: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not complete")
	}

	if got := src.Session().State(); got != postcopy.StateCompleted {
		t.Fatalf("got session state %v, want COMPLETED", got)
	}
}

// TestSourceOnErrorTransitionTable checks the ACTIVE -> ERROR_RECEIVE
// transition (spec §4.2 "On any decode or lookup error").
func TestSourceOnErrorTransitionTable(t *testing.T) {
	t.Parallel()

	src, reqW, _ := newTestSource(t, &neverDoneFramework{}, postcopy.Config{})

	if err := src.Begin(false, nil); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	reqW.Close()

	if err := src.Run(); err == nil {
		t.Fatalf("Run should report an error once the request stream closes while ACTIVE")
	}

	if got := src.Session().State(); got != postcopy.StateErrorReceive {
		t.Fatalf("got session state %v, want ERROR_RECEIVE", got)
	}
}

// TestSourceHandleOffsetsPrefault checks forward/backward prefault
// expansion sends the requested page plus its neighbors in order (spec §8
// scenario S2): a fault at offset 5 with forward=1/backward=1 sends pages
// [5, 6, 4]. Background never completes here (neverDoneFramework), so the
// scheduler stays ACTIVE and cannot race ahead to ALL_PAGES_SENT before
// the request is handled.
func TestSourceHandleOffsetsPrefault(t *testing.T) {
	t.Parallel()

	src, reqW, respR := newTestSource(t, &neverDoneFramework{}, postcopy.Config{PrefaultForward: 1, PrefaultBackward: 1})

	if err := src.Begin(false, nil); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	done := make(chan error, 1)

	go func() { done <- src.Run() }()

	t.Cleanup(func() {
		reqW.Close()
		<-done
	})

	req, err := postcopy.EncodeRequest("ram", []uint64{5})
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}

	if _, err := reqW.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	r := postcopy.NewResponseReader(respR)

	wantOffsets := []uint64{5, 6, 4}

	for _, want := range wantOffsets {
		rec, err := r.ReadRecord()
		if err != nil {
			t.Fatalf("ReadRecord: %v", err)
		}

		if rec.Offset != want*4096 {
			t.Fatalf("got offset %d, want %d", rec.Offset, want*4096)
		}

		if _, err := r.ReadPagePayload(4096); err != nil {
			t.Fatalf("ReadPagePayload: %v", err)
		}
	}
}
