//go:build linux

package umemd

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/vmpostcopy/postcopyd/postcopy"
	"github.com/vmpostcopy/postcopyd/umem"
)

func newMigReadDaemon(t *testing.T, targetPageSize, hostPageSize uint64, pages int) (*Daemon, *postcopy.Block, *postcopy.ResponseWriter, io.WriteCloser, *os.File) {
	t.Helper()

	length := uint64(pages) * targetPageSize
	if hostPageSize > targetPageSize {
		length = uint64(pages) * hostPageSize
	}

	shmem := make([]byte, length)

	block, err := postcopy.NewDestBlock("ram", 0, length, targetPageSize, hostPageSize, shmem)
	if err != nil {
		t.Fatalf("NewDestBlock: %v", err)
	}

	blocks := postcopy.NewBlockSet()
	blocks.Add(block)

	sim := umem.NewSim(16)

	if err := sim.CreateBlock("ram", shmem, hostPageSize); err != nil {
		t.Fatalf("CreateBlock: %v", err)
	}

	t.Cleanup(func() { sim.Close() })

	fw, faultReadEnd, err := NewFaultWritePipe()
	if err != nil {
		t.Fatalf("NewFaultWritePipe: %v", err)
	}

	t.Cleanup(func() { fw.Close(); faultReadEnd.Close() })

	upR, upW := io.Pipe()
	t.Cleanup(func() { upR.Close(); upW.Close() })

	d := New(Daemon{
		Blocks:         blocks,
		Device:         sim,
		UpstreamReader: upR,
		FaultWrite:     fw,
		TargetPageSize: targetPageSize,
		HostPageSize:   hostPageSize,
	})

	return d, block, postcopy.NewResponseWriter(upW), upW, faultReadEnd
}

// TestMigReadLoopAppliesPageRecord checks the target>=host case (spec
// §4.4.1, §8 scenario S1): a PAGE record lands its bytes in shared memory,
// the UMEM device is told the covering host offsets are cached, and the
// same offsets appear on the fault-write pipe.
func TestMigReadLoopAppliesPageRecord(t *testing.T) {
	t.Parallel()

	const pageSize = 4096

	d, block, rw, upW, faultReadEnd := newMigReadDaemon(t, pageSize, pageSize, 4)

	done := make(chan error, 1)
	go func() { done <- d.migReadLoop() }()

	payload := make([]byte, pageSize)
	for i := range payload {
		payload[i] = 0xAB
	}

	if err := rw.WritePage("ram", pageSize, payload); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	buf := make([]uint64, 1)

	n, err := ReadOffsets(faultReadEnd, buf)
	if err != nil {
		t.Fatalf("ReadOffsets: %v", err)
	}

	if n != 1 || buf[0] != pageSize {
		t.Fatalf("got fault-write offsets %v, want [%d]", buf[:n], pageSize)
	}

	if err := rw.WriteEOS(); err != nil {
		t.Fatalf("WriteEOS: %v", err)
	}

	upW.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("migReadLoop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("migReadLoop did not return")
	}

	for i, b := range block.Shmem[pageSize : 2*pageSize] {
		if b != 0xAB {
			t.Fatalf("byte %d: got %x, want 0xab", i, b)
		}
	}

	if !block.PhysReceived.Test(1) {
		t.Fatalf("PhysReceived bit for target page 1 should be set")
	}

	if !d.State.Has(FlagEOCSendReq | FlagEOSReceived) {
		t.Fatalf("EOS record should raise FlagEOCSendReq and FlagEOSReceived")
	}
}

// TestMigReadLoopAppliesCompressRecord checks the single-byte fill path
// (spec §4.4.1 "COMPRESS").
func TestMigReadLoopAppliesCompressRecord(t *testing.T) {
	t.Parallel()

	const pageSize = 4096

	d, block, rw, upW, _ := newMigReadDaemon(t, pageSize, pageSize, 2)

	done := make(chan error, 1)
	go func() { done <- d.migReadLoop() }()

	if err := rw.WriteCompress("ram", 0, 0x7F); err != nil {
		t.Fatalf("WriteCompress: %v", err)
	}

	if err := rw.WriteEOS(); err != nil {
		t.Fatalf("WriteEOS: %v", err)
	}

	upW.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("migReadLoop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("migReadLoop did not return")
	}

	for i, b := range block.Shmem[:pageSize] {
		if b != 0x7F {
			t.Fatalf("byte %d: got %x, want 0x7f", i, b)
		}
	}
}

// TestMigReadLoopHostLargerThanTarget checks the target<host ratio case
// (spec §8 scenario S3): a host page is only reported cached once every
// target page it spans has been received.
func TestMigReadLoopHostLargerThanTarget(t *testing.T) {
	t.Parallel()

	const (
		targetPageSize = 4096
		hostPageSize   = 16384
	)

	d, block, rw, upW, faultReadEnd := newMigReadDaemon(t, targetPageSize, hostPageSize, 4)

	done := make(chan error, 1)
	go func() { done <- d.migReadLoop() }()

	payload := make([]byte, targetPageSize)

	for _, off := range []uint64{0, targetPageSize, 2 * targetPageSize} {
		if err := rw.WritePage("ram", off, payload); err != nil {
			t.Fatalf("WritePage: %v", err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for block.PhysReceived.PopCount() != 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if got := block.PhysReceived.PopCount(); got != 3 {
		t.Fatalf("got %d received target pages, want 3", got)
	}

	if err := rw.WritePage("ram", 3*targetPageSize, payload); err != nil {
		t.Fatalf("WritePage (final quarter): %v", err)
	}

	buf := make([]uint64, 1)

	n, err := ReadOffsets(faultReadEnd, buf)
	if err != nil {
		t.Fatalf("ReadOffsets: %v", err)
	}

	if n != 1 || buf[0] != 0 {
		t.Fatalf("got fault-write offsets %v, want [0] (the single host page)", buf[:n])
	}

	if err := rw.WriteEOS(); err != nil {
		t.Fatalf("WriteEOS: %v", err)
	}

	upW.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("migReadLoop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("migReadLoop did not return")
	}
}
