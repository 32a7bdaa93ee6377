package postcopy

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// RespFlag is the low-bits flag field of an 8-byte response-stream header
// (spec §6). The high bits of the same header carry the in-block byte
// offset, which is always target-page aligned.
type RespFlag uint8

const (
	RespMemSize  RespFlag = 1 << 0
	RespPage     RespFlag = 1 << 1
	RespCompress RespFlag = 1 << 2
	RespXBZRLE   RespFlag = 1 << 3
	RespContinue RespFlag = 1 << 4
	RespHook     RespFlag = 1 << 5
	RespEOS      RespFlag = 1 << 6
)

const flagBits = 8

var (
	errRecordIDTooLong  = errors.New("postcopy: response record id exceeds 255 bytes")
	errXBZRLETooLarge   = errors.New("postcopy: xbzrle payload exceeds 32-bit length")
	errShortResponseHdr = errors.New("postcopy: short response header")
)

// Record is one decoded response-stream entry.
type Record struct {
	Flags   RespFlag
	Offset  uint64 // in-block byte offset, target-page aligned
	BlockID string // empty when Flags has RespContinue set
	Fill    byte   // valid when Flags has RespCompress set
	Data    []byte // valid when Flags has RespPage or RespXBZRLE set
}

// ResponseWriter serializes response-stream records to w, tracking the
// last block referenced so that same-block records can be sent with
// RespContinue instead of repeating the id (mirrors the request stream's
// PAGE/PAGE_CONT economy, spec §4.1/§4.4.1).
type ResponseWriter struct {
	w         io.Writer
	lastBlock string
}

// NewResponseWriter wraps w.
func NewResponseWriter(w io.Writer) *ResponseWriter { return &ResponseWriter{w: w} }

// Writer returns the underlying writer, for callers (such as the
// background scan) that need to write raw bytes outside the record
// framing this type provides.
func (rw *ResponseWriter) Writer() io.Writer { return rw.w }

func (rw *ResponseWriter) header(flags RespFlag, offset uint64) uint64 {
	return (offset << flagBits) | uint64(flags)
}

func (rw *ResponseWriter) writeHeaderAndID(flags RespFlag, blockID string, offset uint64) error {
	if blockID == rw.lastBlock && rw.lastBlock != "" {
		flags |= RespContinue
	} else {
		if len(blockID) > MaxBlockIDLen {
			return fmt.Errorf("%w: %q", errRecordIDTooLong, blockID)
		}
	}

	hdr := make([]byte, 8)
	binary.BigEndian.PutUint64(hdr, rw.header(flags, offset))

	if _, err := rw.w.Write(hdr); err != nil {
		return fmt.Errorf("write response header: %w", err)
	}

	if flags&RespContinue == 0 {
		idHdr := []byte{byte(len(blockID))}
		if _, err := rw.w.Write(idHdr); err != nil {
			return fmt.Errorf("write response id len: %w", err)
		}

		if _, err := io.WriteString(rw.w, blockID); err != nil {
			return fmt.Errorf("write response id: %w", err)
		}
	}

	rw.lastBlock = blockID

	return nil
}

// WritePage emits a raw-page payload record.
func (rw *ResponseWriter) WritePage(blockID string, offset uint64, data []byte) error {
	if err := rw.writeHeaderAndID(RespPage, blockID, offset); err != nil {
		return err
	}

	if _, err := rw.w.Write(data); err != nil {
		return fmt.Errorf("write response page: %w", err)
	}

	return nil
}

// WriteCompress emits a single-byte-fill page record.
func (rw *ResponseWriter) WriteCompress(blockID string, offset uint64, fill byte) error {
	if err := rw.writeHeaderAndID(RespCompress, blockID, offset); err != nil {
		return err
	}

	if _, err := rw.w.Write([]byte{fill}); err != nil {
		return fmt.Errorf("write response fill: %w", err)
	}

	return nil
}

// WriteXBZRLE emits a delta-coded page record, length-prefixed so the
// receiver can frame it without decoding the delta itself.
func (rw *ResponseWriter) WriteXBZRLE(blockID string, offset uint64, delta []byte) error {
	if len(delta) > 1<<32-1 {
		return errXBZRLETooLarge
	}

	if err := rw.writeHeaderAndID(RespXBZRLE, blockID, offset); err != nil {
		return err
	}

	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(delta)))

	if _, err := rw.w.Write(lenBuf); err != nil {
		return fmt.Errorf("write xbzrle length: %w", err)
	}

	if _, err := rw.w.Write(delta); err != nil {
		return fmt.Errorf("write xbzrle delta: %w", err)
	}

	return nil
}

// WriteEOS emits the terminating EOS record (offset 0, no id, no payload).
func (rw *ResponseWriter) WriteEOS() error {
	hdr := make([]byte, 8)
	binary.BigEndian.PutUint64(hdr, rw.header(RespEOS, 0))

	if _, err := rw.w.Write(hdr); err != nil {
		return fmt.Errorf("write eos: %w", err)
	}

	return nil
}

// ResponseReader deserializes response-stream records from a blocking
// reader (spec §4.4.1: mig-read "blocks on upstream byte reads").
type ResponseReader struct {
	r         *bufio.Reader
	lastBlock string
}

// NewResponseReader wraps r.
func NewResponseReader(r io.Reader) *ResponseReader {
	return &ResponseReader{r: bufio.NewReader(r)}
}

// ReadRecord blocks until one full record is available, or returns an
// error (io.EOF included) on stream end or malformed input.
func (rr *ResponseReader) ReadRecord() (*Record, error) {
	hdr := make([]byte, 8)
	if _, err := io.ReadFull(rr.r, hdr); err != nil {
		return nil, fmt.Errorf("read response header: %w", err)
	}

	raw := binary.BigEndian.Uint64(hdr)
	flags := RespFlag(raw & 0xFF)
	offset := raw >> flagBits

	rec := &Record{Flags: flags, Offset: offset}

	if flags&RespEOS != 0 {
		return rec, nil
	}

	if flags&RespContinue != 0 {
		rec.BlockID = rr.lastBlock
	} else {
		idLenB, err := rr.r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("read response id len: %w", err)
		}

		idBuf := make([]byte, idLenB)
		if idLenB > 0 {
			if _, err := io.ReadFull(rr.r, idBuf); err != nil {
				return nil, fmt.Errorf("read response id: %w", err)
			}
		}

		rec.BlockID = string(idBuf)
		rr.lastBlock = rec.BlockID
	}

	switch {
	case flags&RespPage != 0:
		// Caller supplies page size via ReadPagePayload once it knows
		// the owning block's target page size; see below.
	case flags&RespCompress != 0:
		fill, err := rr.r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("read response fill: %w", err)
		}

		rec.Fill = fill
	case flags&RespXBZRLE != 0:
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(rr.r, lenBuf); err != nil {
			return nil, fmt.Errorf("read xbzrle length: %w", err)
		}

		n := binary.BigEndian.Uint32(lenBuf)
		data := make([]byte, n)

		if _, err := io.ReadFull(rr.r, data); err != nil {
			return nil, fmt.Errorf("read xbzrle delta: %w", err)
		}

		rec.Data = data
	}

	return rec, nil
}

// ReadPagePayload must be called immediately after ReadRecord returns a
// record with RespPage set, with the owning block's target page size, to
// read the raw page bytes that follow the header (the payload length is
// implied by geometry rather than self-described on the wire).
func (rr *ResponseReader) ReadPagePayload(targetPageSize uint64) ([]byte, error) {
	if targetPageSize == 0 {
		return nil, errShortResponseHdr
	}

	data := make([]byte, targetPageSize)
	if _, err := io.ReadFull(rr.r, data); err != nil {
		return nil, fmt.Errorf("read response page payload: %w", err)
	}

	return data, nil
}
