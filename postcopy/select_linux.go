//go:build linux

package postcopy

import "golang.org/x/sys/unix"

// fdSet, fdIsSet and fdZero are small helpers around unix.FdSet, which
// golang.org/x/sys/unix exposes as a bare [16]int64 word array (FD_SETSIZE
// / 64) rather than with FD_SET-style accessors.

func fdZero(set *unix.FdSet) {
	for i := range set.Bits {
		set.Bits[i] = 0
	}
}

func fdSet(fd int, set *unix.FdSet) {
	set.Bits[fd/64] |= 1 << uint(fd%64)
}

func fdIsSet(fd int, set *unix.FdSet) bool {
	return set.Bits[fd/64]&(1<<uint(fd%64)) != 0
}
