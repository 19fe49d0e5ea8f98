package capture

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/png"
	"os"
	"sync"
	"time"

	"go2tv.app/recordscreen/internal/xdgportal"
)

const defaultFirstFrameTimeout = 8 * time.Second

// PortalOptions configures a PortalSource.
type PortalOptions struct {
	// FirstFrameTimeout bounds the initial screenshot used to learn the
	// geometry. Default 8s.
	FirstFrameTimeout time.Duration
	// KeepFiles leaves the portal's screenshot files on disk.
	KeepFiles bool
}

type pendingShot interface {
	Done() <-chan xdgportal.Response
	Close() error
}

// PortalSource grabs frames through the desktop portal Screenshot interface,
// which works on Wayland compositors where direct grabbing is not allowed.
// Each grab is an asynchronous portal request; Poll never waits for it.
type PortalSource struct {
	opts  PortalOptions
	start func() (pendingShot, error)

	width  int
	height int

	mu      sync.Mutex
	closed  bool
	pending pendingShot
	first   *image.RGBA
	img     *image.RGBA
	frame   Frame
}

// OpenPortal connects to the session bus and takes one screenshot to learn
// the display geometry.
func OpenPortal(options *PortalOptions) (*PortalSource, error) {
	portal, err := xdgportal.Connect()
	if err != nil {
		return nil, err
	}
	if _, err := portal.ScreenshotVersion(); err != nil {
		return nil, fmt.Errorf("%w: screenshot portal unavailable: %v", ErrNotImplemented, err)
	}
	start := func() (pendingShot, error) {
		return portal.Screenshot("", &xdgportal.ScreenshotOptions{Interactive: false})
	}
	return newPortalSource(options, start)
}

func newPortalSource(options *PortalOptions, start func() (pendingShot, error)) (*PortalSource, error) {
	opts := PortalOptions{}
	if options != nil {
		opts = *options
	}
	if opts.FirstFrameTimeout <= 0 {
		opts.FirstFrameTimeout = defaultFirstFrameTimeout
	}

	s := &PortalSource{opts: opts, start: start}

	shot, err := start()
	if err != nil {
		return nil, fmt.Errorf("portal screenshot: %w", err)
	}
	var resp xdgportal.Response
	select {
	case resp = <-shot.Done():
	case <-time.After(opts.FirstFrameTimeout):
		_ = shot.Close()
		return nil, fmt.Errorf("portal capture timed out waiting for first frame")
	}

	img, err := s.load(resp, nil)
	if err != nil {
		return nil, err
	}
	s.first = img
	s.width = img.Rect.Dx()
	s.height = img.Rect.Dy()
	captureDebugf("portal first_frame width=%d height=%d", s.width, s.height)
	return s, nil
}

func (s *PortalSource) Size() (int, int) {
	return s.width, s.height
}

func (s *PortalSource) Poll() (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	if s.first != nil {
		img := s.first
		s.first = nil
		return s.publish(img)
	}

	if s.pending == nil {
		if err := s.request(); err != nil {
			return nil, err
		}
		return nil, ErrWouldBlock
	}

	select {
	case resp := <-s.pending.Done():
		s.pending = nil
		img, err := s.load(resp, s.img)
		if err != nil {
			return nil, err
		}
		s.img = img
		// Overlap the next grab with the caller's processing.
		if err := s.request(); err != nil {
			return nil, err
		}
		return s.publish(img)
	default:
		return nil, ErrWouldBlock
	}
}

func (s *PortalSource) request() error {
	shot, err := s.start()
	if err != nil {
		return fmt.Errorf("portal screenshot: %w", err)
	}
	s.pending = shot
	return nil
}

func (s *PortalSource) publish(img *image.RGBA) (*Frame, error) {
	s.frame = Frame{
		Pix:    img.Pix,
		Width:  img.Rect.Dx(),
		Height: img.Rect.Dy(),
		Stride: img.Stride,
		Format: PixelFormatRGBA,
	}
	if err := checkGeometry(&s.frame, s.width, s.height); err != nil {
		return nil, err
	}
	return &s.frame, nil
}

func (s *PortalSource) load(resp xdgportal.Response, reuse *image.RGBA) (*image.RGBA, error) {
	if resp.Err == nil && resp.Status == xdgportal.Cancelled {
		return nil, ErrCancelled
	}
	path, err := xdgportal.ScreenshotURI(resp)
	if err != nil {
		return nil, fmt.Errorf("portal screenshot: %w", err)
	}
	img, err := decodeRGBA(path, reuse)
	if !s.opts.KeepFiles {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			captureDebugf("portal remove_failed path=%q err=%v", path, rmErr)
		}
	}
	return img, err
}

func decodeRGBA(path string, reuse *image.RGBA) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if rgba, ok := src.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba, nil
	}

	bounds := image.Rect(0, 0, src.Bounds().Dx(), src.Bounds().Dy())
	dst := reuse
	if dst == nil || dst.Rect != bounds {
		dst = image.NewRGBA(bounds)
	}
	draw.Draw(dst, bounds, src, src.Bounds().Min, draw.Src)
	return dst, nil
}

func (s *PortalSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.pending != nil {
		err := s.pending.Close()
		s.pending = nil
		return err
	}
	return nil
}
