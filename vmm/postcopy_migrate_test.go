package vmm

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/vmpostcopy/postcopyd/postcopy/umemd"
)

// TestWatchDaemonQuitOnDaemonError checks the control-byte dispatch (spec
// §4.4.3/§7): a DAEMON_ERROR byte surfaces as an error from the VMM's
// watcher goroutine.
func TestWatchDaemonQuitOnDaemonError(t *testing.T) {
	t.Parallel()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()

	if _, err := w.Write([]byte{umemd.DaemonError}); err != nil {
		t.Fatalf("write: %v", err)
	}

	w.Close()

	if err := watchDaemonQuit(r); err == nil {
		t.Fatalf("watchDaemonQuit should report an error for DAEMON_ERROR")
	}
}

// TestWatchDaemonQuitOnDaemonQuit checks the ordinary shutdown byte is not
// treated as an error.
func TestWatchDaemonQuitOnDaemonQuit(t *testing.T) {
	t.Parallel()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()

	if _, err := w.Write([]byte{umemd.DaemonQuit}); err != nil {
		t.Fatalf("write: %v", err)
	}

	w.Close()

	if err := watchDaemonQuit(r); err != nil {
		t.Fatalf("watchDaemonQuit: %v", err)
	}
}

// TestWatchDaemonQuitOnClosedPipe checks that a closed pipe (no control
// byte ever sent) is treated as an ordinary shutdown, not an error.
func TestWatchDaemonQuitOnClosedPipe(t *testing.T) {
	t.Parallel()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()

	w.Close()

	if err := watchDaemonQuit(r); err != nil {
		t.Fatalf("watchDaemonQuit: %v", err)
	}
}

func TestResumeGuestCountsInvocations(t *testing.T) {
	t.Parallel()

	before := resumedGuests.Load()

	if err := resumeGuest(nil); err != nil {
		t.Fatalf("resumeGuest: %v", err)
	}

	if got := resumedGuests.Load(); got != before+1 {
		t.Fatalf("got resumedGuests %d, want %d", got, before+1)
	}
}

// TestDupConnTCP checks the happy path: a *net.TCPConn exposes File(), so
// dupConn can hand the source/destination engines a raw descriptor (spec
// §6's "restartable over a raw descriptor" framing).
func TestDupConnTCP(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)

	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("net.DialTimeout: %v", err)
	}
	defer conn.Close()

	server := <-accepted
	defer server.Close()

	f, err := dupConn(conn)
	if err != nil {
		t.Fatalf("dupConn: %v", err)
	}
	defer f.Close()
}

// noFileConn is a net.Conn with no File() method, for exercising dupConn's
// error path.
type noFileConn struct{ net.Conn }

func TestDupConnRejectsConnWithoutFile(t *testing.T) {
	t.Parallel()

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	if _, err := dupConn(noFileConn{c1}); err == nil {
		t.Fatalf("dupConn should reject a connection with no File() method")
	}
}
