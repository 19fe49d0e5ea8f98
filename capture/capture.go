package capture

import (
	"errors"
	"fmt"
)

// PixelFormat names the byte order of one interleaved 4-byte pixel.
type PixelFormat string

const (
	// PixelFormatBGRA is what desktop grabbers and raw pipes deliver.
	PixelFormatBGRA PixelFormat = "BGRA"
	// PixelFormatRGBA is the layout of image.RGBA.
	PixelFormatRGBA PixelFormat = "RGBA"
)

var (
	ErrWouldBlock      = errors.New("capture: no new frame available yet")
	ErrNotImplemented  = errors.New("screen capture backend is not implemented on this platform")
	ErrCancelled       = errors.New("screen capture request was cancelled")
	ErrClosed          = errors.New("capture source is closed")
	ErrInvalidOptions  = errors.New("invalid screen capture options")
	ErrGeometryChanged = errors.New("capture geometry changed mid-session")
)

// Frame is one raster capture. Pix is only valid until the next Poll on the
// source that returned it.
type Frame struct {
	Pix    []byte
	Width  int
	Height int
	Stride int
	Format PixelFormat
}

// Validate reports whether the frame buffer can hold Width x Height pixels at
// the declared stride.
func (f *Frame) Validate() error {
	if f == nil {
		return errors.New("capture: nil frame")
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("capture: invalid frame size %dx%d", f.Width, f.Height)
	}
	if f.Stride < f.Width*4 {
		return fmt.Errorf("capture: stride %d shorter than row %d", f.Stride, f.Width*4)
	}
	if need := f.Stride*(f.Height-1) + f.Width*4; len(f.Pix) < need {
		return fmt.Errorf("capture: buffer holds %d bytes, need %d", len(f.Pix), need)
	}
	return nil
}

// Source is a non-blocking screen image provider.
//
// Poll returns ErrWouldBlock when no new image is ready; the caller decides how
// long to wait before polling again. Any other error is unrecoverable.
type Source interface {
	Size() (width, height int)
	Poll() (*Frame, error)
	Close() error
}

// IsPending reports whether err only means "try again later".
func IsPending(err error) bool {
	return errors.Is(err, ErrWouldBlock)
}

func checkGeometry(f *Frame, width, height int) error {
	if f.Width != width || f.Height != height {
		return fmt.Errorf("%w: %dx%d -> %dx%d", ErrGeometryChanged, width, height, f.Width, f.Height)
	}
	return nil
}
