package recorder

import (
	"fmt"
	"time"

	"go2tv.app/recordscreen/vpx"
)

const (
	DefaultFrameRate = 30
	DefaultBitrate   = 5000

	minFrameRate = 1
	maxFrameRate = 120
	minBitrate   = 100
	maxBitrate   = 100000
)

// Options configure one recording session and are not changed once Run starts.
type Options struct {
	FrameRate int
	// Bitrate in kbit/s.
	Bitrate int
	// Duration stops the session after this much wall time. Zero means no
	// limit.
	Duration   time.Duration
	Codec      vpx.Codec
	FFmpegPath string
	// Timebase of encoder timestamps. Defaults to milliseconds.
	Timebase vpx.Timebase
}

func normalizeOptions(opts Options) (Options, error) {
	if opts.FrameRate <= 0 {
		opts.FrameRate = DefaultFrameRate
	}
	opts.FrameRate = min(max(opts.FrameRate, minFrameRate), maxFrameRate)

	if opts.Bitrate <= 0 {
		opts.Bitrate = DefaultBitrate
	}
	opts.Bitrate = min(max(opts.Bitrate, minBitrate), maxBitrate)

	if opts.Duration < 0 {
		return opts, fmt.Errorf("%w: negative duration %s", ErrInvalidOptions, opts.Duration)
	}
	if opts.Codec == "" {
		opts.Codec = vpx.CodecVP8
	}
	if _, err := vpx.ParseCodec(string(opts.Codec)); err != nil {
		return opts, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	if opts.Timebase == (vpx.Timebase{}) {
		opts.Timebase = vpx.Millisecond
	}
	if !opts.Timebase.Valid() {
		return opts, fmt.Errorf("%w: timebase %s", ErrInvalidOptions, opts.Timebase)
	}
	return opts, nil
}

// Interval is the target time between two polls.
func (o Options) Interval() time.Duration {
	fps := o.FrameRate
	if fps <= 0 {
		fps = DefaultFrameRate
	}
	return time.Second / time.Duration(fps)
}
