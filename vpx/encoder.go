package vpx

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/kataras/golog"

	"go2tv.app/recordscreen/internal/yuv"
)

const (
	defaultBitrate    = 5000
	defaultFrameRate  = 30
	defaultCPUUsed    = 8
	defaultFFmpegPath = "ffmpeg"
	defaultDrainWait  = 10 * time.Second
	stderrTailBytes   = 300
)

var logger = golog.Child("[vpx]")

// Config is fixed for the life of an Encoder.
type Config struct {
	Width    int
	Height   int
	Timebase Timebase
	// Bitrate in kbit/s.
	Bitrate int
	Codec   Codec
	// FrameRate is the nominal input rate handed to the compressor.
	FrameRate int

	FFmpegPath string
	// LagInFrames lets the compressor hold frames back for look-ahead.
	LagInFrames int
	CPUUsed     int
	// DrainTimeout bounds Finish when the compressor stops responding.
	DrainTimeout time.Duration
	// LogOutput additionally receives the compressor's stderr.
	LogOutput io.Writer
}

func normalizeConfig(cfg Config) (Config, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return cfg, fmt.Errorf("%w: invalid size %dx%d", ErrEncoderInit, cfg.Width, cfg.Height)
	}
	if cfg.Timebase == (Timebase{}) {
		cfg.Timebase = Millisecond
	}
	if !cfg.Timebase.Valid() {
		return cfg, fmt.Errorf("%w: invalid timebase %s", ErrEncoderInit, cfg.Timebase)
	}
	if cfg.Bitrate <= 0 {
		cfg.Bitrate = defaultBitrate
	}
	if cfg.Codec == "" {
		cfg.Codec = CodecVP8
	}
	if cfg.Codec != CodecVP8 && cfg.Codec != CodecVP9 {
		return cfg, fmt.Errorf("%w: unknown codec %q", ErrEncoderInit, cfg.Codec)
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = defaultFrameRate
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = defaultFFmpegPath
	}
	if cfg.LagInFrames < 0 {
		cfg.LagInFrames = 0
	}
	if cfg.LagInFrames > 25 {
		cfg.LagInFrames = 25
	}
	if cfg.CPUUsed == 0 {
		cfg.CPUUsed = defaultCPUUsed
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainWait
	}
	return cfg, nil
}

// compressor is the running compression process.
type compressor struct {
	stdin  io.WriteCloser
	stdout io.Reader
	wait   func() error
	kill   func() error
	stderr func() string
}

type encoderState int

const (
	stateEncoding encoderState = iota
	stateDraining
	stateClosed
)

// Encoder feeds raw I420 frames to a compressor and collects its packets.
// Encode and Finish must be called from one goroutine.
type Encoder struct {
	cfg       Config
	comp      compressor
	frameSize int
	state     encoderState

	nextIndex int64
	lastIn    int64
	hasIn     bool

	mu       sync.Mutex
	queue    []Packet
	stamps   map[int64]int64
	lastOut  int64
	hasOut   bool
	readErr  error
	readDone chan struct{}

	closeOnce sync.Once
}

func newEncoder(cfg Config, comp compressor) *Encoder {
	e := &Encoder{
		cfg:       cfg,
		comp:      comp,
		frameSize: yuv.I420Size(cfg.Width, cfg.Height),
		stamps:    make(map[int64]int64),
		readDone:  make(chan struct{}),
	}
	go e.readLoop()
	return e
}

// Config returns the normalized configuration.
func (e *Encoder) Config() Config {
	return e.cfg
}

func (e *Encoder) readLoop() {
	defer close(e.readDone)

	ir, err := newIVFReader(e.comp.stdout)
	if err != nil {
		if errors.Is(err, io.EOF) {
			// Compressor exited before producing anything.
			err = nil
		}
		e.setReadErr(err)
		return
	}
	logger.Debugf("ivf stream fourcc=%s size=%dx%d timebase=%d/%d", ir.header.FourCC, ir.header.Width, ir.header.Height, ir.header.Scale, ir.header.Rate)

	for {
		pts, data, err := ir.next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.setReadErr(err)
			}
			return
		}
		index := ir.header.frameIndex(pts, e.cfg.FrameRate)
		e.push(index, data)
	}
}

func (e *Encoder) push(index int64, data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pts, ok := e.stamps[index]
	if !ok {
		pts = e.lastOut
	}
	// Frames the compressor dropped never come back.
	for k := range e.stamps {
		if k <= index {
			delete(e.stamps, k)
		}
	}
	if e.hasOut && pts < e.lastOut {
		pts = e.lastOut
	}
	e.lastOut = pts
	e.hasOut = true

	e.queue = append(e.queue, Packet{
		Data: data,
		PTS:  pts,
		Key:  isKeyframe(e.cfg.Codec, data),
	})
}

func (e *Encoder) setReadErr(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	e.readErr = err
	e.mu.Unlock()
}

func (e *Encoder) takeQueued() []Packet {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return nil
	}
	out := e.queue
	e.queue = nil
	return out
}

func (e *Encoder) failure(cause error) error {
	tail := ""
	if e.comp.stderr != nil {
		tail = e.comp.stderr()
	}
	if tail != "" {
		return fmt.Errorf("%w: %v: %s", ErrEncoderFailed, cause, tail)
	}
	return fmt.Errorf("%w: %v", ErrEncoderFailed, cause)
}

// Encode hands one I420 frame with timestamp pts (in the configured
// timebase) to the compressor and returns every packet that has become
// ready since the previous call. The result is often empty.
func (e *Encoder) Encode(pts int64, frame []byte) ([]Packet, error) {
	if e.state != stateEncoding {
		return nil, ErrClosed
	}
	if len(frame) != e.frameSize {
		return nil, fmt.Errorf("vpx: frame is %d bytes, want %d", len(frame), e.frameSize)
	}
	if e.hasIn && pts < e.lastIn {
		return nil, fmt.Errorf("%w: %d after %d", ErrTimestamp, pts, e.lastIn)
	}

	select {
	case <-e.readDone:
		e.mu.Lock()
		err := e.readErr
		e.mu.Unlock()
		if err == nil {
			err = errors.New("compressor closed its output early")
		}
		return e.takeQueued(), e.failure(err)
	default:
	}

	e.mu.Lock()
	e.stamps[e.nextIndex] = pts
	e.mu.Unlock()
	e.nextIndex++
	e.lastIn = pts
	e.hasIn = true

	if _, err := e.comp.stdin.Write(frame); err != nil {
		return e.takeQueued(), e.failure(err)
	}
	return e.takeQueued(), nil
}

// Frames reports how many frames were accepted.
func (e *Encoder) Frames() int64 {
	return e.nextIndex
}

// Finish ends the input. The returned Packets must be pulled until it reports
// no more packets; only then has the compressor exited.
func (e *Encoder) Finish() (Packets, error) {
	if e.state != stateEncoding {
		return nil, ErrClosed
	}
	e.state = stateDraining
	if err := e.comp.stdin.Close(); err != nil {
		logger.Debugf("close compressor input: %v", err)
	}
	return &drain{e: e}, nil
}

type drain struct {
	e       *Encoder
	pending []Packet
	waited  bool
	err     error
}

func (d *drain) Next() (Packet, bool, error) {
	e := d.e
	if !d.waited {
		d.waited = true
		d.err = e.waitReader()
		d.pending = e.takeQueued()
	}
	if len(d.pending) > 0 {
		pkt := d.pending[0]
		d.pending = d.pending[1:]
		return pkt, true, nil
	}
	if e.state != stateClosed {
		e.state = stateClosed
		if err := e.Close(); err != nil && d.err == nil {
			d.err = e.failure(err)
		}
	}
	return Packet{}, false, d.err
}

func (e *Encoder) waitReader() error {
	timer := time.NewTimer(e.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-e.readDone:
	case <-timer.C:
		logger.Warnf("compressor did not finish within %s, killing it", e.cfg.DrainTimeout)
		if e.comp.kill != nil {
			_ = e.comp.kill()
		}
		<-e.readDone
		return e.failure(errors.New("drain timed out"))
	}

	e.mu.Lock()
	err := e.readErr
	e.mu.Unlock()
	if err != nil {
		return e.failure(err)
	}
	return nil
}

// Close stops the compressor. It is called by the drain once it is exhausted
// and may be called directly to abandon an encoder.
func (e *Encoder) Close() error {
	var out error
	e.closeOnce.Do(func() {
		if e.state == stateEncoding {
			if e.comp.kill != nil {
				_ = e.comp.kill()
			}
			_ = e.comp.stdin.Close()
		}
		e.state = stateClosed
		<-e.readDone
		if e.comp.wait != nil {
			out = e.comp.wait()
		}
	})
	return out
}
