//go:build linux

package ingestor

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// MaskSIGPIPE ignores SIGPIPE for the calling process (spec §4.3), since a
// write to an already-closed outbound pipe must surface as an ordinary
// EPIPE error return rather than terminate the process.
func MaskSIGPIPE() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, unix.SIGPIPE)

	go func() {
		for range c {
		}
	}()
}
