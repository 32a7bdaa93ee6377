//go:build linux

package umemd

import (
	"errors"

	"golang.org/x/sys/unix"
)

// waitWritable blocks until fd is writable, retrying across EINTR, mirroring
// the pending-clean thread's "blocking select" wait (spec §4.4.4).
func waitWritable(fd int) error {
	for {
		var set unix.FdSet
		set.Bits[fd/64] |= 1 << uint(fd%64)

		n, err := unix.Select(fd+1, nil, &set, nil, nil)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			return err
		}

		if n > 0 {
			return nil
		}
	}
}
