package capture

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

const streamCloseTimeout = 1500 * time.Millisecond

// Stream is a raw frame byte stream: back-to-back frames of Width*Height
// pixels, tightly packed, in PixelFormat order.
type Stream struct {
	io.Reader

	Width       int
	Height      int
	PixelFormat PixelFormat
}

// StreamSource turns a blocking Stream into a polling Source. A background
// reader keeps only the most recent complete frame; older unread frames are
// dropped.
type StreamSource struct {
	stream    Stream
	frameSize int

	mu      sync.Mutex
	ready   []byte
	current []byte
	spare   [][]byte
	err     error
	closed  bool
	frame   Frame

	done      chan struct{}
	closeOnce sync.Once

	frames      atomic.Uint64
	dropped     atomic.Uint64
	lastDropLog atomic.Int64
}

// OpenStream starts reading frames from stream.
func OpenStream(stream *Stream) (*StreamSource, error) {
	if stream == nil || stream.Reader == nil {
		return nil, fmt.Errorf("%w: nil stream", ErrInvalidOptions)
	}
	if stream.Width <= 0 || stream.Height <= 0 {
		return nil, fmt.Errorf("%w: stream size %dx%d", ErrInvalidOptions, stream.Width, stream.Height)
	}
	format := stream.PixelFormat
	if format == "" {
		format = PixelFormatBGRA
	}
	if format != PixelFormatBGRA && format != PixelFormatRGBA {
		return nil, fmt.Errorf("%w: pixel format %q", ErrInvalidOptions, format)
	}

	s := &StreamSource{
		stream:    *stream,
		frameSize: stream.Width * stream.Height * 4,
		done:      make(chan struct{}),
	}
	s.stream.PixelFormat = format
	go s.loop()
	return s, nil
}

func (s *StreamSource) Size() (int, int) {
	return s.stream.Width, s.stream.Height
}

func (s *StreamSource) loop() {
	defer close(s.done)

	for {
		buf := s.takeSpare()
		if buf == nil {
			return
		}
		_, err := io.ReadFull(s.stream.Reader, buf)
		if err != nil {
			s.fail(err)
			return
		}
		s.publish(buf)
	}
}

func (s *StreamSource) takeSpare() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if n := len(s.spare); n > 0 {
		buf := s.spare[n-1]
		s.spare = s.spare[:n-1]
		return buf
	}
	return make([]byte, s.frameSize)
}

func (s *StreamSource) publish(buf []byte) {
	s.frames.Add(1)

	s.mu.Lock()
	dropped := s.ready != nil
	if dropped {
		s.spare = append(s.spare, s.ready)
	}
	s.ready = buf
	s.mu.Unlock()

	if dropped {
		total := s.dropped.Add(1)
		if shouldLogEvery(&s.lastDropLog, time.Second) {
			captureDebugf("stream dropped_frame total=%d read=%d", total, s.frames.Load())
		}
	}
}

func (s *StreamSource) fail(err error) {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	captureDebugf("stream read_err=%v frames=%d", err, s.frames.Load())

	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *StreamSource) Poll() (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.ready == nil {
		if s.err != nil {
			return nil, fmt.Errorf("capture stream ended: %w", s.err)
		}
		return nil, ErrWouldBlock
	}

	if s.current != nil {
		s.spare = append(s.spare, s.current)
	}
	s.current = s.ready
	s.ready = nil

	s.frame = Frame{
		Pix:    s.current,
		Width:  s.stream.Width,
		Height: s.stream.Height,
		Stride: s.stream.Width * 4,
		Format: s.stream.PixelFormat,
	}
	return &s.frame, nil
}

// Dropped reports how many complete frames were overwritten before a poll
// picked them up.
func (s *StreamSource) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops the reader. If the underlying reader is an io.Closer it is
// closed to unblock a pending read.
func (s *StreamSource) Close() error {
	var out error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if c, ok := s.stream.Reader.(io.Closer); ok {
			out = c.Close()
		}

		select {
		case <-s.done:
		case <-time.After(streamCloseTimeout):
			captureDebugf("stream close timed out waiting for reader")
		}
	})
	return out
}
