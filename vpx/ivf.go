package vpx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	ivfFileHeaderSize  = 32
	ivfFrameHeaderSize = 12
	ivfMaxFrameSize    = 64 << 20
)

var errBadIVF = errors.New("malformed ivf stream")

type ivfHeader struct {
	FourCC string
	Width  int
	Height int
	// Timebase of frame pts: Scale/Rate seconds.
	Rate  uint32
	Scale uint32
}

type ivfReader struct {
	r      io.Reader
	header ivfHeader
	buf    [ivfFrameHeaderSize]byte
}

func newIVFReader(r io.Reader) (*ivfReader, error) {
	var hdr [ivfFileHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("ivf header: %w", err)
	}
	if string(hdr[0:4]) != "DKIF" {
		return nil, fmt.Errorf("%w: signature %q", errBadIVF, hdr[0:4])
	}
	headerLen := int(binary.LittleEndian.Uint16(hdr[6:8]))
	h := ivfHeader{
		FourCC: string(hdr[8:12]),
		Width:  int(binary.LittleEndian.Uint16(hdr[12:14])),
		Height: int(binary.LittleEndian.Uint16(hdr[14:16])),
		Rate:   binary.LittleEndian.Uint32(hdr[16:20]),
		Scale:  binary.LittleEndian.Uint32(hdr[20:24]),
	}
	if h.Rate == 0 || h.Scale == 0 {
		return nil, fmt.Errorf("%w: zero timebase %d/%d", errBadIVF, h.Scale, h.Rate)
	}
	if headerLen > ivfFileHeaderSize {
		if _, err := io.CopyN(io.Discard, r, int64(headerLen-ivfFileHeaderSize)); err != nil {
			return nil, fmt.Errorf("ivf header: %w", err)
		}
	}
	return &ivfReader{r: r, header: h}, nil
}

// next returns the following frame. io.EOF is returned only on a clean frame
// boundary.
func (ir *ivfReader) next() (int64, []byte, error) {
	if _, err := io.ReadFull(ir.r, ir.buf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, fmt.Errorf("%w: truncated frame header", errBadIVF)
		}
		return 0, nil, err
	}
	size := binary.LittleEndian.Uint32(ir.buf[0:4])
	pts := int64(binary.LittleEndian.Uint64(ir.buf[4:12]))
	if size == 0 || size > ivfMaxFrameSize {
		return 0, nil, fmt.Errorf("%w: frame size %d", errBadIVF, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(ir.r, data); err != nil {
		return 0, nil, fmt.Errorf("%w: truncated frame: %v", errBadIVF, err)
	}
	return pts, data, nil
}

// frameIndex maps an ivf pts back to the input frame number for a stream fed
// at frameRate frames per second.
func (h ivfHeader) frameIndex(pts int64, frameRate int) int64 {
	num := pts * int64(h.Scale) * int64(frameRate)
	den := int64(h.Rate)
	return (num + den/2) / den
}
