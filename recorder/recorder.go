// Package recorder runs a capture session: poll the source at a fixed rate,
// convert to I420, encode, and append packets to a WebM segment until the
// session is cancelled, runs out of time, or fails.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kataras/golog"

	"go2tv.app/recordscreen/capture"
	"go2tv.app/recordscreen/internal/yuv"
	"go2tv.app/recordscreen/vpx"
	"go2tv.app/recordscreen/webm"
)

var (
	ErrInvalidOptions = errors.New("recorder: invalid options")
	ErrCaptureFailed  = errors.New("recorder: capture failed")
	ErrMuxFailed      = errors.New("recorder: writing output failed")
	ErrAlreadyRun     = errors.New("recorder: session already ran")
)

// Logger receives session messages. *golog.Logger satisfies it.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Encoder is the part of *vpx.Encoder the session uses.
type Encoder interface {
	Encode(pts int64, frame []byte) ([]vpx.Packet, error)
	Finish() (vpx.Packets, error)
	Close() error
}

// Muxer is the part of *webm.Segment the session uses.
type Muxer interface {
	AddFrame(data []byte, timestampNS int64, keyframe bool) error
	Finalize() error
}

type Recorder struct {
	opts Options
	src  capture.Source
	enc  Encoder
	mux  Muxer
	conv yuv.Converter
	log  Logger

	clock clock
	usage func() (Usage, error)
	ran   bool
}

// New opens the muxer on out and starts the encoder for the source geometry.
// On error out has been closed and nothing further needs cleaning up except
// src, which stays owned by the caller.
func New(opts Options, src capture.Source, out io.WriteCloser, log Logger) (*Recorder, error) {
	if log == nil {
		log = golog.Child("[recorder]")
	}
	opts, err := normalizeOptions(opts)
	if err != nil {
		_ = out.Close()
		return nil, err
	}

	width, height := src.Size()
	seg, err := webm.NewSegment(out, webm.Track{Width: width, Height: height, Codec: opts.Codec}, webm.WithFrameRate(opts.FrameRate))
	if err != nil {
		_ = out.Close()
		return nil, err
	}

	enc, err := vpx.New(vpx.Config{
		Width:      width,
		Height:     height,
		Timebase:   opts.Timebase,
		Bitrate:    opts.Bitrate,
		Codec:      opts.Codec,
		FrameRate:  opts.FrameRate,
		FFmpegPath: opts.FFmpegPath,
	})
	if err != nil {
		if aerr := seg.Abort(); aerr != nil {
			log.Debugf("closing output after encoder failure: %v", aerr)
		}
		return nil, err
	}

	log.Infof("recording %dx%d at %d fps, %s %d kbit/s", width, height, opts.FrameRate, opts.Codec, opts.Bitrate)
	return newRecorder(opts, src, enc, seg, log), nil
}

func newRecorder(opts Options, src capture.Source, enc Encoder, mux Muxer, log Logger) *Recorder {
	return &Recorder{
		opts:  opts,
		src:   src,
		enc:   enc,
		mux:   mux,
		log:   log,
		clock: systemClock{},
		usage: sampleUsage,
	}
}

func (r *Recorder) Options() Options {
	return r.opts
}

// Run drives the session until ctx is done, the duration elapses, or a
// capture or encoder error occurs. The output is finalized exactly once on
// every path. The returned error is the cause of an abnormal stop; a
// finalize failure is only reported in the Summary.
func (r *Recorder) Run(ctx context.Context) (sum Summary, err error) {
	if r.ran {
		return sum, ErrAlreadyRun
	}
	r.ran = true

	interval := r.opts.Interval()
	start := r.clock.Now()

	defer func() {
		if ferr := r.mux.Finalize(); ferr != nil {
			r.log.Errorf("finalize output: %v", ferr)
			sum.FinalizeErr = ferr
		}
		sum.Elapsed = r.clock.Now().Sub(start)
		if err != nil {
			sum.Err = err.Error()
		}
		if sum.FinalizeErr != nil {
			sum.FinalizeError = sum.FinalizeErr.Error()
		}
		if r.usage != nil {
			if u, uerr := r.usage(); uerr == nil {
				sum.Usage = &u
			} else {
				r.log.Debugf("process usage: %v", uerr)
			}
		}
	}()

	for {
		iterStart := r.clock.Now()
		elapsed := iterStart.Sub(start)
		if r.opts.Duration > 0 && elapsed > r.opts.Duration {
			sum.StopReason = StopDuration
			break
		}

		sum.Polls++
		frame, perr := r.src.Poll()
		switch {
		case perr == nil:
			sum.Frames++
			if err = r.process(&sum, elapsed, frame); err != nil {
				switch {
				case errors.Is(err, ErrCaptureFailed):
					sum.StopReason = StopCaptureError
				case errors.Is(err, ErrMuxFailed):
					sum.StopReason = StopMuxError
				default:
					sum.StopReason = StopEncodeError
				}
			}
		case capture.IsPending(perr):
			sum.Pending++
		default:
			err = fmt.Errorf("%w: %w", ErrCaptureFailed, perr)
			sum.StopReason = StopCaptureError
		}
		if err != nil {
			r.log.Errorf("%v", err)
			break
		}

		if ctx.Err() != nil {
			sum.StopReason = StopCancelled
			break
		}

		work := r.clock.Now().Sub(iterStart)
		if work >= interval {
			sum.Overruns++
		}
		r.clock.Sleep(ctx, max(interval-work, 0))
	}

	r.log.Debugf("stopping (%s), draining encoder", sum.StopReason)
	if derr := r.drain(&sum); derr != nil {
		if err == nil {
			err = derr
		} else {
			r.log.Debugf("drain after failure: %v", derr)
		}
	}
	return sum, err
}

func (r *Recorder) process(sum *Summary, elapsed time.Duration, frame *capture.Frame) error {
	i420, err := r.conv.Convert(frame)
	if err != nil {
		return fmt.Errorf("%w: convert: %w", ErrCaptureFailed, err)
	}

	pts := r.opts.Timebase.FromDuration(elapsed)
	sum.EncodeCalls++
	pkts, err := r.enc.Encode(pts, i420)
	// Packets returned alongside an error were produced before it.
	for _, pkt := range pkts {
		if merr := r.write(sum, pkt); merr != nil {
			return merr
		}
	}
	return err
}

func (r *Recorder) drain(sum *Summary) error {
	pkts, err := r.enc.Finish()
	if err != nil {
		_ = r.enc.Close()
		return err
	}
	for {
		pkt, ok, err := pkts.Next()
		if err != nil {
			_ = r.enc.Close()
			return err
		}
		if !ok {
			return nil
		}
		sum.DrainPackets++
		if err := r.write(sum, pkt); err != nil {
			_ = r.enc.Close()
			return err
		}
	}
}

func (r *Recorder) write(sum *Summary, pkt vpx.Packet) error {
	ts := r.opts.Timebase.Nanoseconds(pkt.PTS)
	if err := r.mux.AddFrame(pkt.Data, ts, pkt.Key); err != nil {
		return fmt.Errorf("%w: %w", ErrMuxFailed, err)
	}
	sum.Packets++
	sum.Bytes += int64(len(pkt.Data))
	if pkt.Key {
		sum.Keyframes++
	}
	return nil
}
