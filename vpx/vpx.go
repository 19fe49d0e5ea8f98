// Package vpx drives a VP8/VP9 compressor. Raw I420 frames go in with a
// caller timestamp; compressed packets come out in decode order, possibly
// later than the frame that produced them.
package vpx

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrEncoderInit   = errors.New("vpx: encoder initialization failed")
	ErrEncoderFailed = errors.New("vpx: encoder failed")
	ErrClosed        = errors.New("vpx: encoder is closed")
	ErrTimestamp     = errors.New("vpx: timestamp went backwards")
)

// Codec selects the compressor.
type Codec string

const (
	CodecVP8 Codec = "vp8"
	CodecVP9 Codec = "vp9"
)

// ParseCodec accepts "vp8" or "vp9" in any case. Empty means VP8.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "vp8":
		return CodecVP8, nil
	case "vp9":
		return CodecVP9, nil
	default:
		return "", fmt.Errorf("vpx: unknown codec %q (want vp8 or vp9)", s)
	}
}

func (c Codec) String() string {
	return string(c)
}

func (c Codec) ffmpegEncoder() string {
	if c == CodecVP9 {
		return "libvpx-vp9"
	}
	return "libvpx"
}

// Timebase is the unit of packet timestamps, Num/Den seconds per tick.
type Timebase struct {
	Num int64
	Den int64
}

// Millisecond is the default encoder timebase.
var Millisecond = Timebase{Num: 1, Den: 1000}

func (tb Timebase) Valid() bool {
	return tb.Num > 0 && tb.Den > 0
}

func (tb Timebase) String() string {
	return fmt.Sprintf("%d/%d", tb.Num, tb.Den)
}

// FromDuration converts an elapsed duration into ticks, rounding down.
func (tb Timebase) FromDuration(d time.Duration) int64 {
	return int64(d) * tb.Den / (tb.Num * int64(time.Second))
}

// Nanoseconds rescales ticks to nanoseconds. For Millisecond this is a plain
// multiplication by 1,000,000.
func (tb Timebase) Nanoseconds(ticks int64) int64 {
	scale := int64(time.Second) * tb.Num
	if scale%tb.Den == 0 {
		return ticks * (scale / tb.Den)
	}
	return ticks * scale / tb.Den
}

// Packet is one compressed frame.
type Packet struct {
	Data []byte
	// PTS is in the encoder's configured Timebase.
	PTS int64
	Key bool
}

// Packets yields the packets still held by an encoder after its input ended.
// Next returns ok == false once the encoder has nothing more.
type Packets interface {
	Next() (pkt Packet, ok bool, err error)
}
