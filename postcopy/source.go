//go:build linux

package postcopy

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vmpostcopy/postcopyd/postcopy/ratelimit"
)

// backgroundYield bounds lock-hold time on the enclosing framework's dirty
// page list (spec §4.2: "after each 64 blocks ... if elapsed wall time ...
// exceeds 50ms, yield").
const (
	backgroundYield      = 50 * time.Millisecond
	backgroundYieldEvery = 64
)

var (
	errUnknownBlock         = errors.New("postcopy: PAGE request for unknown block")
	errPageContWithoutBlock = errors.New("postcopy: PAGE_CONT with no prior PAGE")
	errRequestStreamClosed  = errors.New("postcopy: request stream closed")
)

// PageSource supplies raw page bytes for the source engine to transmit,
// standing in for the enclosing framework's view of guest RAM.
type PageSource interface {
	// ReadPage returns target_page_size bytes for the page at index
	// pageIndex (0-based, block-relative) within block.
	ReadPage(block *Block, pageIndex uint64) ([]byte, error)
}

// Framework is the enclosing migration framework's collaborator surface
// that the source engine drives: the ordinary pre-copy dirty-page
// iterator (SaveIterate/SaveComplete/SavePending) and the post-copy
// background bulk scan (Next/Reposition), both explicitly out of scope
// for this core (spec §4.2) but required to exercise it end to end.
type Framework interface {
	// SaveIterate forwards to the pre-copy dirty-page iterator, bounded
	// by budget bytes; done is true once the budget is exhausted or no
	// bytes remain.
	SaveIterate(w io.Writer, budget int) (done bool, err error)
	// SaveComplete marks end of pre-copy bookkeeping and stops dirty
	// logging.
	SaveComplete() error
	// SavePending reports bytes still owed to the rate limiter.
	SavePending() int64

	// Next transmits the next dirty block's data as one background
	// slice, reporting the bytes written and whether no blocks remain.
	Next(w io.Writer) (done bool, n int, err error)
	// Reposition moves the background scan cursor near a byte offset
	// recently served on demand (move-background mode).
	Reposition(block *Block, byteOffset uint64)
}

// Source is the source-side (outgoing) post-copy engine (spec §4.2): a
// single select()-driven scheduler multiplexing demand requests from the
// destination with a rate-limited background scan over one duplex
// channel.
type Source struct {
	readFD  *os.File
	writeFD *os.File

	session *OutgoingState
	blocks  *BlockSet
	pages   PageSource
	fw      Framework
	rl      *ratelimit.Limiter
	respW   *ResponseWriter
	decoder RequestDecoder

	prefaultForward  int
	prefaultBackward int
	moveBackground   bool
}

// Config bundles Source's construction-time parameters.
type Config struct {
	PrefaultForward  int
	PrefaultBackward int
	MoveBackground   bool
}

// NewSource builds a source engine over a duplicated read descriptor and a
// send descriptor (spec §4.2: "a duplicated descriptor of the migration
// channel dedicated to receiving requests"). Both are put in non-blocking
// mode; the caller retains ownership and must Close them once Run returns.
func NewSource(readFD, writeFD *os.File, blocks *BlockSet, pages PageSource, fw Framework, rl *ratelimit.Limiter, cfg Config) (*Source, error) {
	if err := unix.SetNonblock(int(readFD.Fd()), true); err != nil {
		return nil, fmt.Errorf("set read_fd nonblocking: %w", err)
	}

	if err := unix.SetNonblock(int(writeFD.Fd()), true); err != nil {
		return nil, fmt.Errorf("set write_fd nonblocking: %w", err)
	}

	return &Source{
		readFD:           readFD,
		writeFD:          writeFD,
		session:          NewOutgoingState(),
		blocks:           blocks,
		pages:            pages,
		fw:               fw,
		rl:               rl,
		respW:            NewResponseWriter(writeFD),
		prefaultForward:  cfg.PrefaultForward,
		prefaultBackward: cfg.PrefaultBackward,
		moveBackground:   cfg.MoveBackground,
	}, nil
}

// Session exposes the session state for callers that want to observe
// phase transitions (e.g. tests, or a management surface).
func (s *Source) Session() *OutgoingState { return s.session }

// Begin transmits the clean bitmap over the control channel if pre-copy
// ran, resets the rate limiter, and sets the session ACTIVE (spec §4.2).
func (s *Source) Begin(precopyUsed bool, dirty []*Bitmap) error {
	if precopyUsed {
		if err := WriteCleanBitmap(s.writeFD, s.blocks.All(), dirty); err != nil {
			return fmt.Errorf("send clean bitmap: %w", err)
		}
	}

	s.rl.Reset()
	s.session.SetState(StateActive)

	return nil
}

// SaveIterate forwards to the pre-copy iterator (spec §4.2).
func (s *Source) SaveIterate(w io.Writer, budget int) (bool, error) {
	return s.fw.SaveIterate(w, budget)
}

// SaveComplete marks end of pre-copy, emitting EOS on the control stream
// and stopping dirty logging (spec §4.2).
func (s *Source) SaveComplete() error {
	if err := s.fw.SaveComplete(); err != nil {
		return err
	}

	return s.respW.WriteEOS()
}

// SavePending reports remaining bytes to the rate limiter (spec §4.2).
func (s *Source) SavePending() int64 { return s.fw.SavePending() }

// Run is the post-copy scheduler loop. It returns once the session reaches
// COMPLETED (nil error) or ERROR_RECEIVE (non-nil error).
func (s *Source) Run() error {
	for {
		switch s.session.State() {
		case StateCompleted:
			return nil
		case StateErrorReceive:
			return errRequestStreamClosed
		}

		if err := s.iterate(); err != nil {
			return err
		}
	}
}

// iterate runs one pass of the scheduler loop: arm the fds the current
// state calls for, select, and dispatch to whichever side is ready,
// demand strictly before background (spec §4.2 tie-break rationale).
func (s *Source) iterate() error {
	st := s.session.State()

	armRead := st == StateActive || st == StateAllPagesSent
	armWrite := (st == StateActive || st == StateEOCReceived) && !s.rl.Limited()

	var rset, wset unix.FdSet

	fdZero(&rset)
	fdZero(&wset)

	nfd := 0
	rfd := int(s.readFD.Fd())
	wfd := int(s.writeFD.Fd())

	if armRead {
		fdSet(rfd, &rset)

		if rfd+1 > nfd {
			nfd = rfd + 1
		}
	}

	if armWrite {
		fdSet(wfd, &wset)

		if wfd+1 > nfd {
			nfd = wfd + 1
		}
	}

	if !armRead && !armWrite {
		time.Sleep(s.rl.Residual())

		return nil
	}

	var timeout *unix.Timeval
	if !armWrite {
		tv := unix.NsecToTimeval(s.rl.Residual().Nanoseconds())
		timeout = &tv
	}

	n, err := unix.Select(nfd, &rset, &wset, nil, timeout)
	if err != nil {
		if err == unix.EINTR { //nolint:errorlint // unix errno sentinel
			return nil
		}

		return fmt.Errorf("select: %w", err)
	}

	if n == 0 {
		return nil
	}

	if armRead && fdIsSet(rfd, &rset) {
		return s.handleRequests()
	}

	if armWrite && fdIsSet(wfd, &wset) {
		return s.backgroundSlice()
	}

	return nil
}

// handleRequests drains the read side non-blocking, decoding requests
// until EAGAIN (spec §4.2 "Request handler").
func (s *Source) handleRequests() error {
	buf := make([]byte, 64*1024)

	for {
		n, err := unix.Read(rfdInt(s.readFD), buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return nil
			}

			s.onError()

			return fmt.Errorf("read request stream: %w", err)
		}

		if n == 0 {
			s.onError()

			return errRequestStreamClosed
		}

		s.decoder.Feed(buf[:n])

		for {
			req, err := s.decoder.Next()
			if errors.Is(err, ErrNeedMore) {
				break
			}

			if err != nil {
				s.onError()

				return err
			}

			exit, err := s.handleOneRequest(req)
			if err != nil {
				s.onError()

				return err
			}

			if exit {
				return nil
			}
		}
	}
}

func rfdInt(f *os.File) int { return int(f.Fd()) }

// onError applies the error-transition table from spec §4.2/§7: ACTIVE ->
// ERROR_RECEIVE; ALL_PAGES_SENT -> COMPLETED.
func (s *Source) onError() {
	switch s.session.State() {
	case StateActive:
		s.session.SetState(StateErrorReceive)
	case StateAllPagesSent:
		s.session.SetState(StateCompleted)
	}
}

func (s *Source) handleOneRequest(req *Request) (exit bool, err error) {
	switch req.Cmd {
	case CmdEOC:
		if s.session.State() == StateAllPagesSent {
			s.session.SetState(StateCompleted)
		} else {
			s.session.SetState(StateEOCReceived)
		}

		return true, nil

	case CmdPage:
		block, ok := s.blocks.Lookup(req.BlockID)
		if !ok {
			return false, fmt.Errorf("%w: %q", errUnknownBlock, req.BlockID)
		}

		s.session.SetLastBlockRead(block)

		return false, s.handleOffsets(block, req.Offsets)

	case CmdPageCont:
		block := s.session.LastBlockRead()
		if block == nil {
			return false, errPageContWithoutBlock
		}

		return false, s.handleOffsets(block, req.Offsets)

	default:
		return false, fmt.Errorf("%w: %v", errUnknownCommand, req.Cmd)
	}
}

// handleOffsets sends the requested pages plus forward/backward prefault
// expansion, in order (spec §4.2, §5 ordering guarantee).
func (s *Source) handleOffsets(block *Block, offsets []uint64) error {
	if s.session.State() == StateAllPagesSent {
		// The background scan has already delivered everything.
		return nil
	}

	var lastSent uint64

	for _, p := range offsets {
		if err := s.sendPage(block, p); err != nil {
			return err
		}

		lastSent = p

		for k := 1; k <= s.prefaultForward; k++ {
			fp := p + uint64(k)
			if fp < block.TargetPageCount() {
				if err := s.sendPage(block, fp); err != nil {
					return err
				}
			}
		}

		for k := 1; k <= s.prefaultBackward; k++ {
			if p >= uint64(k) {
				if err := s.sendPage(block, p-uint64(k)); err != nil {
					return err
				}
			}
		}
	}

	if s.moveBackground {
		target := (lastSent + uint64(s.prefaultForward)) * block.TargetPageSize
		if maxOff := block.Length - block.TargetPageSize; target > maxOff {
			target = maxOff
		}

		s.fw.Reposition(block, target)
	}

	return nil
}

func (s *Source) sendPage(block *Block, pageIndex uint64) error {
	data, err := s.pages.ReadPage(block, pageIndex)
	if err != nil {
		return fmt.Errorf("read page %d of block %q: %w", pageIndex, block.ID, err)
	}

	return s.respW.WritePage(block.ID, pageIndex*block.TargetPageSize, data)
}

// backgroundSlice runs one background transmission slice (spec §4.2
// "Background slice"): only while ACTIVE, bounded to 50ms of wall time
// per 64 blocks, and aborted early if the demand side becomes ready.
func (s *Source) backgroundSlice() error {
	if s.session.State() != StateActive {
		return nil
	}

	start := time.Now()
	count := 0

	for {
		done, n, err := s.fw.Next(s.respW.Writer())
		if err != nil {
			return fmt.Errorf("background slice: %w", err)
		}

		s.rl.Record(int64(n))

		if done {
			logf("postcopy: background scan exhausted, all pages sent")
			s.session.SetState(StateAllPagesSent)

			return s.respW.WriteEOS()
		}

		count++

		if count%backgroundYieldEvery == 0 && time.Since(start) > backgroundYield {
			return nil
		}

		abort, err := s.shouldDeferToDemand()
		if err != nil {
			return err
		}

		if abort {
			return nil
		}
	}
}

// shouldDeferToDemand peeks, with a zero timeout, whether the read side
// has data pending or the write side is no longer writable -- either
// signals "defer to the demand handler" (spec §4.2).
func (s *Source) shouldDeferToDemand() (bool, error) {
	var rset, wset unix.FdSet

	fdZero(&rset)
	fdZero(&wset)

	rfd := int(s.readFD.Fd())
	wfd := int(s.writeFD.Fd())
	fdSet(rfd, &rset)
	fdSet(wfd, &wset)

	nfd := rfd + 1
	if wfd+1 > nfd {
		nfd = wfd + 1
	}

	zero := unix.Timeval{}

	n, err := unix.Select(nfd, &rset, &wset, nil, &zero)
	if err != nil {
		if err == unix.EINTR { //nolint:errorlint
			return false, nil
		}

		return false, fmt.Errorf("select (poll): %w", err)
	}

	if n == 0 {
		return false, nil
	}

	if fdIsSet(rfd, &rset) {
		return true, nil
	}

	return !fdIsSet(wfd, &wset), nil
}

// logf is a thin wrapper kept for parity with the teacher's sparing use of
// stdlib log at single-threaded call sites (spec SPEC_FULL.md §2).
func logf(format string, args ...interface{}) { log.Printf(format, args...) }
