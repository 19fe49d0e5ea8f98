package capture

import (
	"bytes"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kbinani/screenshot"
)

// Display describes one active monitor.
type Display struct {
	Index   int
	Bounds  image.Rectangle
	Primary bool
}

func (d Display) String() string {
	return fmt.Sprintf("Display %d [%dx%d]", d.Index, d.Bounds.Dx(), d.Bounds.Dy())
}

// Displays lists the active displays in the order the OS reports them.
func Displays() []Display {
	total := screenshot.NumActiveDisplays()
	if total <= 0 {
		return nil
	}
	out := make([]Display, 0, total)
	for i := 0; i < total; i++ {
		out = append(out, Display{
			Index:   i,
			Bounds:  screenshot.GetDisplayBounds(i),
			Primary: i == 0,
		})
	}
	return out
}

// DisplayOptions configures a DisplaySource.
type DisplayOptions struct {
	// SkipUnchanged reports ErrWouldBlock when a grab is byte-identical to
	// the previous one.
	SkipUnchanged bool
}

type grabFunc func(image.Rectangle) (*image.RGBA, error)

// DisplaySource grabs a whole display on every poll.
type DisplaySource struct {
	index  int
	bounds image.Rectangle
	opts   DisplayOptions
	grab   grabFunc

	mu     sync.Mutex
	closed bool
	frame  Frame
	last   []byte
	hasRef bool

	grabs     atomic.Uint64
	unchanged atomic.Uint64
	lastSlow  atomic.Int64
}

// OpenDisplay prepares a source for the display at index.
func OpenDisplay(index int, options *DisplayOptions) (*DisplaySource, error) {
	opts := DisplayOptions{}
	if options != nil {
		opts = *options
	}
	total := screenshot.NumActiveDisplays()
	if total <= 0 {
		return nil, fmt.Errorf("%w: no active displays", ErrNotImplemented)
	}
	if index < 0 || index >= total {
		return nil, fmt.Errorf("%w: display %d out of range (displays=%d)", ErrInvalidOptions, index, total)
	}
	bounds := screenshot.GetDisplayBounds(index)
	if bounds.Empty() {
		return nil, fmt.Errorf("%w: display %d has empty bounds", ErrInvalidOptions, index)
	}
	captureDebugf("display=%d bounds=%v skip_unchanged=%t", index, bounds, opts.SkipUnchanged)
	return newDisplaySource(index, bounds, opts, screenshot.CaptureRect), nil
}

func newDisplaySource(index int, bounds image.Rectangle, opts DisplayOptions, grab grabFunc) *DisplaySource {
	return &DisplaySource{
		index:  index,
		bounds: bounds,
		opts:   opts,
		grab:   grab,
	}
}

func (s *DisplaySource) Size() (int, int) {
	return s.bounds.Dx(), s.bounds.Dy()
}

func (s *DisplaySource) Poll() (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	start := time.Now()
	img, err := s.grab(s.bounds)
	if err != nil {
		return nil, fmt.Errorf("capture display %d: %w", s.index, err)
	}
	if img == nil {
		return nil, ErrWouldBlock
	}
	if d := time.Since(start); d > 50*time.Millisecond && shouldLogEvery(&s.lastSlow, time.Second) {
		captureDebugf("display=%d slow_grab duration=%s", s.index, d)
	}
	s.grabs.Add(1)

	s.frame = Frame{
		Pix:    img.Pix,
		Width:  img.Rect.Dx(),
		Height: img.Rect.Dy(),
		Stride: img.Stride,
		Format: PixelFormatRGBA,
	}
	width, height := s.Size()
	if err := checkGeometry(&s.frame, width, height); err != nil {
		return nil, err
	}

	if s.opts.SkipUnchanged {
		if s.hasRef && bytes.Equal(s.last, img.Pix) {
			s.unchanged.Add(1)
			return nil, ErrWouldBlock
		}
		s.last = append(s.last[:0], img.Pix...)
		s.hasRef = true
	}

	return &s.frame, nil
}

// Unchanged reports how many grabs were skipped as identical.
func (s *DisplaySource) Unchanged() uint64 {
	return s.unchanged.Load()
}

func (s *DisplaySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		captureDebugf("display=%d closed grabs=%d unchanged=%d", s.index, s.grabs.Load(), s.unchanged.Load())
	}
	s.last = nil
	return nil
}
