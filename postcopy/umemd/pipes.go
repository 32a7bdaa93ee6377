//go:build linux

package umemd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// offsetSize is the width of one host-page offset on the inner pipes
// (spec §6: "native-endian u64 host-page offsets").
const offsetSize = 8

// pipeBuf is the write-atomicity unit the spec requires chunked writes to
// respect (spec §6, §4.3: "Writes to the outbound pipe may be split into
// PIPE_BUF-aligned chunks"). PIPE_BUF is 4096 on Linux.
const pipeBuf = unix.PIPE_BUF

// ErrWouldBlock is returned by FaultWritePipe.Write when the pipe is full;
// callers must route the offsets to the pending-clean backlog instead of
// blocking (spec §4.4.1, §5, §9).
var ErrWouldBlock = errors.New("umemd: fault-write pipe full")

// FaultWritePipe is the daemon -> VMM-ingestor "page is now cached" pipe
// (spec §4.3). Writes are non-blocking; overflow must be handled by the
// caller, never retried here.
type FaultWritePipe struct {
	w *os.File
}

// NewFaultWritePipe creates the pipe pair backing the fault-write channel
// and puts the write end in non-blocking mode. The read end is returned
// for the VMM ingestor to consume (typically via os/exec ExtraFiles when
// the daemon is a separate process).
func NewFaultWritePipe() (w *FaultWritePipe, readEnd *os.File, err error) {
	r, wf, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("fault-write pipe: %w", err)
	}

	if err := unix.SetNonblock(int(wf.Fd()), true); err != nil {
		return nil, nil, fmt.Errorf("set fault-write nonblocking: %w", err)
	}

	return &FaultWritePipe{w: wf}, r, nil
}

// Write offsets host-page offsets to the pipe in PIPE_BUF-aligned chunks,
// returning ErrWouldBlock without having written a partial chunk if the
// pipe is currently full.
func (p *FaultWritePipe) Write(offsets []uint64) error {
	maxPerChunk := pipeBuf / offsetSize

	for len(offsets) > 0 {
		n := len(offsets)
		if n > maxPerChunk {
			n = maxPerChunk
		}

		chunk := offsets[:n]
		buf := make([]byte, offsetSize*len(chunk))

		for i, off := range chunk {
			binary.NativeEndian.PutUint64(buf[i*offsetSize:], off)
		}

		wn, err := unix.Write(int(p.w.Fd()), buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return ErrWouldBlock
			}

			return fmt.Errorf("write fault-write pipe: %w", err)
		}

		if wn != len(buf) {
			return fmt.Errorf("short write to fault-write pipe: %d of %d", wn, len(buf))
		}

		offsets = offsets[n:]
	}

	return nil
}

// Close closes the write end, signalling EOF to the ingestor.
func (p *FaultWritePipe) Close() error { return p.w.Close() }

// Fd returns the underlying write-end file descriptor, for callers (the
// pending-clean thread) that need to block on its writability directly
// rather than handling ErrWouldBlock from Write.
func (p *FaultWritePipe) Fd() int { return int(p.w.Fd()) }

// WriteBlocking writes offsets to the pipe, blocking on writability between
// chunks instead of returning ErrWouldBlock (spec §4.4.4: the pending-clean
// thread "writes them blocking to the fault-write pipe").
func (p *FaultWritePipe) WriteBlocking(offsets []uint64) error {
	for {
		err := p.Write(offsets)
		if err == nil {
			return nil
		}

		if !errors.Is(err, ErrWouldBlock) {
			return err
		}

		if err := waitWritable(p.Fd()); err != nil {
			return fmt.Errorf("wait fault-write writable: %w", err)
		}
	}
}

// ReadOffsets reads up to len(buf) host-page offsets from r, blocking
// until at least one is available. It is used by readers such as the
// ingestor and the daemon's fault thread.
func ReadOffsets(r *os.File, buf []uint64) (int, error) {
	raw := make([]byte, offsetSize*len(buf))

	n, err := r.Read(raw)
	if err != nil {
		return 0, err
	}

	count := n / offsetSize
	for i := 0; i < count; i++ {
		buf[i] = binary.NativeEndian.Uint64(raw[i*offsetSize:])
	}

	return count, nil
}

// WriteOffsetsChunked writes offsets to w (the fault-read pipe, ingestor
// -> daemon direction) in PIPE_BUF-aligned chunks (spec §4.3).
func WriteOffsetsChunked(w *os.File, offsets []uint64) error {
	maxPerChunk := pipeBuf / offsetSize

	for len(offsets) > 0 {
		n := len(offsets)
		if n > maxPerChunk {
			n = maxPerChunk
		}

		chunk := offsets[:n]
		buf := make([]byte, offsetSize*len(chunk))

		for i, off := range chunk {
			binary.NativeEndian.PutUint64(buf[i*offsetSize:], off)
		}

		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("write fault-read pipe: %w", err)
		}

		offsets = offsets[n:]
	}

	return nil
}
