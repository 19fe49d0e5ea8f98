// Package webm writes a single VP8/VP9 video track into a WebM file.
package webm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/at-wat/ebml-go"
	mkv "github.com/at-wat/ebml-go/webm"
	"github.com/kataras/golog"

	"go2tv.app/recordscreen/vpx"
)

var (
	ErrTimestampOrder = errors.New("webm: timestamp went backwards")
	ErrFinalized      = errors.New("webm: segment already finalized")
	ErrInvalidTrack   = errors.New("webm: invalid track")
)

var logger = golog.Child("[webm]")

const (
	videoTrackNumber = 1
	videoTrackType   = 1
	// Block timecodes are in milliseconds.
	timecodeScale = int64(time.Millisecond)
	muxingApp     = "go2tv.app/recordscreen"

	// A cluster starts at every keyframe and is cut earlier when it would
	// grow past these.
	maxClusterSpan  = 5000
	maxClusterBytes = 8 << 20
)

// Track describes the only stream in the segment.
type Track struct {
	Width  int
	Height int
	Codec  vpx.Codec
}

func (t Track) codecID() (string, error) {
	switch t.Codec {
	case vpx.CodecVP8, "":
		return "V_VP8", nil
	case vpx.CodecVP9:
		return "V_VP9", nil
	default:
		return "", fmt.Errorf("%w: codec %q", ErrInvalidTrack, t.Codec)
	}
}

type segmentOptions struct {
	name            string
	uid             uint64
	defaultDuration time.Duration
}

// Option tunes track metadata.
type Option func(*segmentOptions)

// WithTrackName sets the human readable track name.
func WithTrackName(name string) Option {
	return func(o *segmentOptions) { o.name = name }
}

// WithFrameRate records the nominal frame duration for players.
func WithFrameRate(fps int) Option {
	return func(o *segmentOptions) {
		if fps > 0 {
			o.defaultDuration = time.Second / time.Duration(fps)
		}
	}
}

// WithTrackUID overrides the track UID.
func WithTrackUID(uid uint64) Option {
	return func(o *segmentOptions) {
		if uid != 0 {
			o.uid = uid
		}
	}
}

type seekEntry struct {
	SeekID       []byte `ebml:"SeekID"`
	SeekPosition uint64 `ebml:"SeekPosition,size=8"`
}

type seekHead struct {
	Seek []seekEntry `ebml:"Seek"`
}

// segmentInfo keeps Duration at a fixed width so it can be rewritten in place.
type segmentInfo struct {
	TimecodeScale uint64   `ebml:"TimecodeScale"`
	MuxingApp     string   `ebml:"MuxingApp"`
	WritingApp    string   `ebml:"WritingApp"`
	Duration      *float64 `ebml:"Duration,size=8"`
}

// segmentHead is everything in the Segment ahead of the first cluster. Void
// reserves the room the Cues entry of SeekHead takes once it is known.
type segmentHead struct {
	SeekHead seekHead    `ebml:"SeekHead"`
	Void     []byte      `ebml:"Void,omitempty"`
	Info     segmentInfo `ebml:"Info"`
	Tracks   mkv.Tracks  `ebml:"Tracks"`
}

type fileHead struct {
	Header  mkv.EBMLHeader `ebml:"EBML"`
	Segment segmentHead    `ebml:"Segment,size=unknown"`
}

type clusterElement struct {
	Cluster mkv.Cluster `ebml:"Cluster"`
}

type cuesElement struct {
	Cues mkv.Cues `ebml:"Cues"`
}

// Segment appends frames in arrival order. Frames are buffered per cluster
// and written when the cluster closes. On Finalize the cues are appended and,
// when the output can seek, the segment size, seek head and duration are
// patched in place. It is not safe for concurrent AddFrame calls; Finalize
// may be called from any goroutine.
type Segment struct {
	track           Track
	out             *sink
	defaultDuration time.Duration

	// seeker is nil when the output cannot be rewritten.
	seeker io.WriteSeeker
	base   int64

	head        segmentHead
	segmentData uint64
	seekHeadPos uint64
	infoPos     uint64

	mu           sync.Mutex
	cluster      *mkv.Cluster
	clusterKey   bool
	clusterBytes int
	cues         []mkv.CuePoint
	failed       error
	finalized    bool
	finalErr     error
	lastTS       int64
	hasTS        bool
	frames       int64
	keyframes    int64
	bytes        int64
}

// NewSegment writes the WebM header to w. The Segment owns w from here on and
// closes it on Finalize or Abort. Nothing is closed when NewSegment fails.
func NewSegment(w io.WriteCloser, track Track, opts ...Option) (*Segment, error) {
	if track.Width <= 0 || track.Height <= 0 {
		return nil, fmt.Errorf("%w: size %dx%d", ErrInvalidTrack, track.Width, track.Height)
	}
	codecID, err := track.codecID()
	if err != nil {
		return nil, err
	}

	o := segmentOptions{name: "Video", uid: 1}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Segment{
		track:           track,
		out:             &sink{w: w},
		defaultDuration: o.defaultDuration,
	}
	s.seeker, s.base = seekerOf(w)

	s.head = segmentHead{
		SeekHead: seekHead{Seek: []seekEntry{
			{SeekID: ebml.ElementInfo.Bytes()},
			{SeekID: ebml.ElementTracks.Bytes()},
		}},
		Info: segmentInfo{
			TimecodeScale: uint64(timecodeScale),
			MuxingApp:     muxingApp,
			WritingApp:    muxingApp,
		},
		Tracks: mkv.Tracks{TrackEntry: []mkv.TrackEntry{{
			Name:            o.name,
			TrackNumber:     videoTrackNumber,
			TrackUID:        o.uid,
			CodecID:         codecID,
			TrackType:       videoTrackType,
			DefaultDuration: uint64(o.defaultDuration),
			Video: &mkv.Video{
				PixelWidth:  uint64(track.Width),
				PixelHeight: uint64(track.Height),
			},
		}}},
	}
	if s.seeker != nil {
		s.head.Info.Duration = new(float64)
		if s.head.Void, err = cuesSeekReserve(); err != nil {
			return nil, fmt.Errorf("webm: write header: %w", err)
		}
	}
	if err := s.writeHead(); err != nil {
		return nil, fmt.Errorf("webm: write header: %w", err)
	}
	logger.Debugf("segment %s %dx%d seekable=%t", codecID, track.Width, track.Height, s.seeker != nil)
	return s, nil
}

// seekerOf reports whether w can be rewritten, and where writing starts.
func seekerOf(w io.Writer) (io.WriteSeeker, int64) {
	ws, ok := w.(io.WriteSeeker)
	if !ok {
		return nil, 0
	}
	off, err := ws.Seek(0, io.SeekCurrent)
	if err != nil {
		// Pipes and terminals.
		return nil, 0
	}
	return ws, off
}

// cuesSeekReserve returns a Void payload whose element is exactly as long as
// one more Seek entry.
func cuesSeekReserve() ([]byte, error) {
	short, err := seekHeadLen(2)
	if err != nil {
		return nil, err
	}
	long, err := seekHeadLen(3)
	if err != nil {
		return nil, err
	}
	// One byte of ID and one byte of size.
	n := long - short - 2
	if n < 0 || n > 126 {
		return nil, fmt.Errorf("unexpected seek entry size %d", long-short)
	}
	return make([]byte, n), nil
}

func seekHeadLen(entries int) (int, error) {
	head := struct {
		SeekHead seekHead `ebml:"SeekHead"`
	}{}
	for range entries {
		head.SeekHead.Seek = append(head.SeekHead.Seek, seekEntry{SeekID: ebml.ElementCues.Bytes()})
	}
	var buf bytes.Buffer
	if err := ebml.Marshal(&head, &buf); err != nil {
		return 0, err
	}
	return buf.Len(), nil
}

func (s *Segment) writeHead() error {
	var tracksPos uint64
	hook := func(e *ebml.Element) {
		switch e.Name {
		case "SeekHead":
			s.seekHeadPos = e.Position
			s.segmentData = e.Position
		case "Info":
			s.infoPos = e.Position
		case "Tracks":
			tracksPos = e.Position
		}
	}

	// The first pass only measures; positions are fixed width.
	head := &fileHead{Header: *mkv.DefaultEBMLHeader, Segment: s.head}
	if err := ebml.Marshal(head, io.Discard, ebml.WithElementWriteHooks(hook)); err != nil {
		return err
	}
	s.head.SeekHead.Seek[0].SeekPosition = s.infoPos - s.segmentData
	s.head.SeekHead.Seek[1].SeekPosition = tracksPos - s.segmentData

	var buf bytes.Buffer
	head.Segment = s.head
	if err := ebml.Marshal(head, &buf); err != nil {
		return err
	}
	_, err := s.out.Write(buf.Bytes())
	return err
}

// AddFrame appends one compressed frame. timestampNS is relative to the
// start of the recording and must not be lower than the previous frame's.
// Once a write to the output has failed every later call returns that error.
func (s *Segment) AddFrame(data []byte, timestampNS int64, keyframe bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return ErrFinalized
	}
	if s.failed != nil {
		return s.failed
	}
	if timestampNS < 0 {
		return fmt.Errorf("%w: negative timestamp %d", ErrTimestampOrder, timestampNS)
	}
	if s.hasTS && timestampNS < s.lastTS {
		return fmt.Errorf("%w: %d after %d", ErrTimestampOrder, timestampNS, s.lastTS)
	}

	tc := timestampNS / timecodeScale
	if s.cluster != nil {
		span := tc - int64(s.cluster.Timecode)
		if keyframe || span > maxClusterSpan || s.clusterBytes+len(data) > maxClusterBytes {
			if err := s.flushCluster(); err != nil {
				return err
			}
		}
	}
	if s.cluster == nil {
		s.cluster = &mkv.Cluster{Timecode: uint64(tc)}
		s.clusterKey = keyframe
		s.clusterBytes = 0
	}
	s.cluster.SimpleBlock = append(s.cluster.SimpleBlock, ebml.Block{
		TrackNumber: videoTrackNumber,
		Timecode:    int16(tc - int64(s.cluster.Timecode)),
		Keyframe:    keyframe,
		Data:        [][]byte{append([]byte(nil), data...)},
	})
	s.clusterBytes += len(data)

	s.lastTS = timestampNS
	s.hasTS = true
	s.frames++
	if keyframe {
		s.keyframes++
	}
	s.bytes += int64(len(data))
	return nil
}

func (s *Segment) flushCluster() error {
	c := s.cluster
	s.cluster = nil
	if c == nil {
		return nil
	}
	pos := s.out.n - s.segmentData
	if err := ebml.Marshal(&clusterElement{Cluster: *c}, s.out); err != nil {
		s.failed = fmt.Errorf("webm: write cluster at %d ms: %w", c.Timecode, err)
		return s.failed
	}
	if s.clusterKey {
		s.cues = append(s.cues, mkv.CuePoint{
			CueTime: c.Timecode,
			CueTrackPositions: []mkv.CueTrackPosition{{
				CueTrack:           videoTrackNumber,
				CueClusterPosition: pos,
			}},
		})
	}
	return nil
}

// Finalize writes the pending cluster and the cues, seals the segment when
// the output can seek, and closes the output. A write failure seen earlier
// is reported here too. Later calls return the first call's result.
func (s *Segment) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return s.finalErr
	}
	s.finalized = true

	var errs []error
	if s.failed == nil {
		if err := s.seal(); err != nil {
			errs = append(errs, err)
		}
	} else {
		errs = append(errs, s.failed)
	}
	if err := s.out.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close output: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		s.finalErr = fmt.Errorf("webm: finalize: %w", err)
	}
	logger.Debugf("finalized after %d frames (%d keyframes, %d bytes)", s.frames, s.keyframes, s.bytes)
	return s.finalErr
}

func (s *Segment) seal() error {
	if err := s.flushCluster(); err != nil {
		return err
	}

	cuesPos := s.out.n - s.segmentData
	if len(s.cues) > 0 {
		if err := ebml.Marshal(&cuesElement{Cues: mkv.Cues{CuePoint: s.cues}}, s.out); err != nil {
			s.failed = fmt.Errorf("webm: write cues: %w", err)
			return s.failed
		}
	}
	if s.seeker == nil {
		return nil
	}

	end := s.out.n
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], end-s.segmentData)
	size[0] = 0x01
	if err := s.writeAt(s.segmentData-uint64(len(size)), size[:]); err != nil {
		return fmt.Errorf("webm: patch segment size: %w", err)
	}

	if len(s.cues) > 0 {
		head := struct {
			SeekHead seekHead `ebml:"SeekHead"`
		}{s.head.SeekHead}
		head.SeekHead.Seek = append(append([]seekEntry(nil), head.SeekHead.Seek...), seekEntry{
			SeekID:       ebml.ElementCues.Bytes(),
			SeekPosition: cuesPos,
		})
		if err := s.rewrite(s.seekHeadPos, &head); err != nil {
			return fmt.Errorf("webm: patch seek head: %w", err)
		}
	}

	if s.frames > 0 {
		info := struct {
			Info segmentInfo `ebml:"Info"`
		}{s.head.Info}
		d := float64(s.lastTS+int64(s.defaultDuration)) / float64(timecodeScale)
		info.Info.Duration = &d
		if err := s.rewrite(s.infoPos, &info); err != nil {
			return fmt.Errorf("webm: patch duration: %w", err)
		}
	}

	if _, err := s.seeker.Seek(s.base+int64(end), io.SeekStart); err != nil {
		return fmt.Errorf("webm: seek to end: %w", err)
	}
	return nil
}

func (s *Segment) rewrite(pos uint64, v any) error {
	var buf bytes.Buffer
	if err := ebml.Marshal(v, &buf); err != nil {
		return err
	}
	return s.writeAt(pos, buf.Bytes())
}

func (s *Segment) writeAt(pos uint64, p []byte) error {
	if _, err := s.seeker.Seek(s.base+int64(pos), io.SeekStart); err != nil {
		return err
	}
	_, err := s.seeker.Write(p)
	return err
}

// Abort closes the output without writing anything further.
func (s *Segment) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return s.finalErr
	}
	s.finalized = true
	s.cluster = nil
	if err := s.out.Close(); err != nil {
		s.finalErr = fmt.Errorf("webm: abort: %w", err)
	}
	return s.finalErr
}

// Stats are running totals of what was accepted.
type Stats struct {
	Frames    int64
	Keyframes int64
	Bytes     int64
	// LastTimestamp is in nanoseconds.
	LastTimestamp int64
}

func (s *Segment) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Frames: s.frames, Keyframes: s.keyframes, Bytes: s.bytes, LastTimestamp: s.lastTS}
}

func (s *Segment) Track() Track {
	return s.track
}

// sink counts what reached the output.
type sink struct {
	w      io.WriteCloser
	n      uint64
	closed bool
}

func (s *sink) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	s.n += uint64(n)
	return n, err
}

func (s *sink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.w.Close()
}
