//go:build linux

package umemd

import (
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sys/unix"
)

const pipePollInterval = time.Second

// pipeLoop is the pipe thread (spec §4.4.3): carries control messages
// to/from the VMM main loop over ToQemu/FromQemu. Polling once a second
// (so flags set by other threads are noticed promptly), it forwards
// DAEMON_ERROR once ERROR_REQ is set, forwards DAEMON_QUIT once
// QUIT_QUEUED is set (by the fault thread, once every block is finished),
// and reacts to QEMU_QUIT by marking the local receive-quit flags.
func (d *Daemon) pipeLoop() error {
	for {
		if d.State.Any(FlagErrorReq) && d.State.Set(FlagErrorSending) {
			if err := d.writeControl(DaemonError); err != nil {
				d.failThread()

				return fmt.Errorf("pipe: %w", err)
			}

			d.State.Set(FlagErrorSent)
			d.wakePendingClean()
		}

		if d.State.Has(FlagQuitQueued) && d.State.Set(FlagQuitSending) {
			if err := d.writeControl(DaemonQuit); err != nil {
				d.failThread()

				return fmt.Errorf("pipe: %w", err)
			}

			d.State.Set(FlagQuitSent)
			d.wakePendingClean()
		}

		if d.State.Has(EndMask) {
			d.wakePendingClean()

			return nil
		}

		ready, err := pollReadable(int(d.FromQemu.Fd()), pipePollInterval)
		if err != nil {
			d.failThread()

			return fmt.Errorf("pipe: %w", err)
		}

		if !ready {
			continue
		}

		cmd, err := d.readControl()
		if err != nil {
			if errors.Is(err, io.EOF) || d.State.Has(EndMask) {
				return nil
			}

			d.failThread()

			return fmt.Errorf("pipe: %w", err)
		}

		if cmd == QemuQuit {
			d.State.Set(FlagQuitReceived)
			d.State.Set(FlagQuitHandled)
			d.wakePendingClean()
		}
	}
}

func (d *Daemon) writeControl(b byte) error {
	_, err := d.ToQemu.Write([]byte{b})

	return err
}

func (d *Daemon) readControl() (byte, error) {
	buf := make([]byte, 1)

	if _, err := io.ReadFull(d.FromQemu, buf); err != nil {
		return 0, err
	}

	return buf[0], nil
}

// pollReadable waits up to timeout for fd to become readable. An EINTR
// is reported as not readable with a nil error, leaving the retry to the
// caller.
func pollReadable(fd int, timeout time.Duration) (bool, error) {
	var set unix.FdSet
	set.Bits[fd/64] |= 1 << uint(fd%64)

	tv := unix.NsecToTimeval(timeout.Nanoseconds())

	n, err := unix.Select(fd+1, &set, nil, nil, &tv)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}

		return false, err
	}

	return n > 0, nil
}
