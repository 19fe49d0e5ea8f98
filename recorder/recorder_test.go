package recorder

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go2tv.app/recordscreen/capture"
	"go2tv.app/recordscreen/vpx"
)

type testLogger struct{ t *testing.T }

func (l testLogger) Debugf(format string, args ...any) { l.t.Logf("DEBUG "+format, args...) }
func (l testLogger) Infof(format string, args ...any)  { l.t.Logf("INFO "+format, args...) }
func (l testLogger) Warnf(format string, args ...any)  { l.t.Logf("WARN "+format, args...) }
func (l testLogger) Errorf(format string, args ...any) { l.t.Logf("ERROR "+format, args...) }

type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) {
	c.sleeps = append(c.sleeps, d)
	if ctx.Err() != nil {
		return
	}
	c.now = c.now.Add(d)
}

// pollResult scripts one Poll. A nil err with ready == false means pending.
type pollResult struct {
	ready bool
	err   error
}

type fakeSource struct {
	clock  *fakeClock
	script []pollResult
	// fallback is used once the script runs out.
	fallback pollResult
	// work is how long each Poll takes on the fake clock.
	work time.Duration
	// onPoll runs after the n-th poll (1-based).
	onPoll func(n int)

	polls int
	frame capture.Frame
}

func newFakeSource(clock *fakeClock) *fakeSource {
	const w, h = 4, 2
	return &fakeSource{
		clock:    clock,
		fallback: pollResult{ready: true},
		frame: capture.Frame{
			Pix:    bytes.Repeat([]byte{0, 0, 255, 255}, w*h),
			Width:  w,
			Height: h,
			Stride: w * 4,
			Format: capture.PixelFormatBGRA,
		},
	}
}

func (s *fakeSource) Size() (int, int) { return s.frame.Width, s.frame.Height }

func (s *fakeSource) Poll() (*capture.Frame, error) {
	res := s.fallback
	if s.polls < len(s.script) {
		res = s.script[s.polls]
	}
	s.polls++
	s.clock.now = s.clock.now.Add(s.work)
	if s.onPoll != nil {
		s.onPoll(s.polls)
	}
	switch {
	case res.err != nil:
		return nil, res.err
	case res.ready:
		return &s.frame, nil
	default:
		return nil, capture.ErrWouldBlock
	}
}

func (s *fakeSource) Close() error { return nil }

// fakeEncoder emits one packet per frame, lag frames late.
type fakeEncoder struct {
	lag       int
	failAt    int
	frameSize int

	pts      []int64
	held     []int64
	finished bool
	closed   bool
}

func (e *fakeEncoder) Encode(pts int64, frame []byte) ([]vpx.Packet, error) {
	if e.finished {
		return nil, vpx.ErrClosed
	}
	if e.frameSize != 0 && len(frame) != e.frameSize {
		return nil, errors.New("wrong frame size")
	}
	if e.failAt > 0 && len(e.pts)+1 == e.failAt {
		return nil, vpx.ErrEncoderFailed
	}
	e.pts = append(e.pts, pts)
	e.held = append(e.held, pts)
	var out []vpx.Packet
	for len(e.held) > e.lag {
		out = append(out, e.packet(e.held[0]))
		e.held = e.held[1:]
	}
	return out, nil
}

func (e *fakeEncoder) packet(pts int64) vpx.Packet {
	return vpx.Packet{Data: []byte{byte(pts)}, PTS: pts, Key: pts == e.pts[0]}
}

func (e *fakeEncoder) Finish() (vpx.Packets, error) {
	if e.finished {
		return nil, vpx.ErrClosed
	}
	e.finished = true
	return &fakeDrain{e: e}, nil
}

func (e *fakeEncoder) Close() error {
	e.closed = true
	return nil
}

type fakeDrain struct{ e *fakeEncoder }

func (d *fakeDrain) Next() (vpx.Packet, bool, error) {
	if len(d.e.held) == 0 {
		d.e.closed = true
		return vpx.Packet{}, false, nil
	}
	pkt := d.e.packet(d.e.held[0])
	d.e.held = d.e.held[1:]
	return pkt, true, nil
}

type fakeMuxer struct {
	timestamps  []int64
	keys        []bool
	finalized   int
	finalizeErr error
}

func (m *fakeMuxer) AddFrame(data []byte, ts int64, key bool) error {
	if m.finalized > 0 {
		return errors.New("write after finalize")
	}
	m.timestamps = append(m.timestamps, ts)
	m.keys = append(m.keys, key)
	return nil
}

func (m *fakeMuxer) Finalize() error {
	m.finalized++
	return m.finalizeErr
}

type harness struct {
	clock *fakeClock
	src   *fakeSource
	enc   *fakeEncoder
	mux   *fakeMuxer
	rec   *Recorder
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	opts, err := normalizeOptions(opts)
	if err != nil {
		t.Fatalf("normalizeOptions: %v", err)
	}
	clock := newFakeClock()
	h := &harness{
		clock: clock,
		src:   newFakeSource(clock),
		enc:   &fakeEncoder{frameSize: 4*2 + 2*2*1},
		mux:   &fakeMuxer{},
	}
	h.rec = newRecorder(opts, h.src, h.enc, h.mux, testLogger{t})
	h.rec.clock = clock
	h.rec.usage = nil
	return h
}

func cancelAfter(cancel context.CancelFunc, polls int) func(int) {
	return func(n int) {
		if n == polls {
			cancel()
		}
	}
}

func TestEncodeOnlyReadyPolls(t *testing.T) {
	h := newHarness(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.src.script = []pollResult{{ready: true}, {}, {ready: true}, {}, {}, {ready: true}}
	h.src.onPoll = cancelAfter(cancel, 6)

	sum, err := h.rec.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.EncodeCalls != 3 || sum.Frames != 3 || len(h.enc.pts) != 3 {
		t.Fatalf("encode calls = %d, frames = %d, encoder saw %d; want 3", sum.EncodeCalls, sum.Frames, len(h.enc.pts))
	}
	if sum.Pending != 3 {
		t.Fatalf("pending = %d, want 3", sum.Pending)
	}
	if sum.StopReason != StopCancelled {
		t.Fatalf("stop reason = %s", sum.StopReason)
	}
	if h.mux.finalized != 1 {
		t.Fatalf("finalized %d times", h.mux.finalized)
	}
}

func TestFatalCaptureAfterFourFrames(t *testing.T) {
	h := newHarness(t, Options{})
	h.enc.lag = 2
	boom := errors.New("display went away")
	h.src.script = []pollResult{{ready: true}, {ready: true}, {ready: true}, {ready: true}, {err: boom}}

	sum, err := h.rec.Run(context.Background())
	if !errors.Is(err, ErrCaptureFailed) || !errors.Is(err, boom) {
		t.Fatalf("error = %v, want ErrCaptureFailed wrapping the poll error", err)
	}
	if len(h.enc.pts) != 4 || sum.EncodeCalls != 4 {
		t.Fatalf("encoded %d frames, want 4", len(h.enc.pts))
	}
	if sum.StopReason != StopCaptureError {
		t.Fatalf("stop reason = %s", sum.StopReason)
	}
	if h.mux.finalized != 1 {
		t.Fatalf("finalized %d times", h.mux.finalized)
	}
	if len(h.mux.timestamps) != 4 || sum.DrainPackets != 2 {
		t.Fatalf("muxed %d packets (%d drained), want 4 (2)", len(h.mux.timestamps), sum.DrainPackets)
	}
	if !h.enc.closed {
		t.Fatal("encoder was not drained to completion")
	}
}

func TestDurationLimit(t *testing.T) {
	h := newHarness(t, Options{FrameRate: 30, Duration: 2 * time.Second})

	sum, err := h.rec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.StopReason != StopDuration {
		t.Fatalf("stop reason = %s", sum.StopReason)
	}
	if sum.Elapsed < 2*time.Second {
		t.Fatalf("stopped after %s, before the limit", sum.Elapsed)
	}
	if sum.Elapsed > 2*time.Second+time.Second/30 {
		t.Fatalf("stopped after %s, more than one interval late", sum.Elapsed)
	}
	// Iterations start at k*interval; k = 0..60 are within 2s.
	if sum.EncodeCalls != 61 {
		t.Fatalf("encode calls = %d, want 61", sum.EncodeCalls)
	}
	if last := h.enc.pts[len(h.enc.pts)-1]; last > 2000 {
		t.Fatalf("frame encoded at %dms, after the limit", last)
	}
	if h.mux.finalized != 1 {
		t.Fatalf("finalized %d times", h.mux.finalized)
	}
}

func TestPacingSleepsRemainderOfInterval(t *testing.T) {
	h := newHarness(t, Options{FrameRate: 10})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.src.work = 30 * time.Millisecond
	h.src.onPoll = cancelAfter(cancel, 5)

	sum, err := h.rec.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.clock.sleeps) != 4 {
		t.Fatalf("slept %d times, want 4", len(h.clock.sleeps))
	}
	for i, d := range h.clock.sleeps {
		if d != 70*time.Millisecond {
			t.Fatalf("sleep %d = %s, want 70ms", i, d)
		}
	}
	if want := 430 * time.Millisecond; sum.Elapsed != want {
		t.Fatalf("elapsed = %s, want %s", sum.Elapsed, want)
	}
	for i, pts := range h.enc.pts {
		if want := int64(i * 100); pts != want {
			t.Fatalf("frame %d pts = %d, want %d", i, pts, want)
		}
	}
	if sum.Overruns != 0 {
		t.Fatalf("overruns = %d", sum.Overruns)
	}
}

func TestPacingDoesNotCatchUp(t *testing.T) {
	h := newHarness(t, Options{FrameRate: 10})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.src.work = 150 * time.Millisecond
	h.src.onPoll = cancelAfter(cancel, 3)

	sum, err := h.rec.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, d := range h.clock.sleeps {
		if d != 0 {
			t.Fatalf("sleep %d = %s, want 0 after an overrun", i, d)
		}
	}
	if sum.Overruns != 2 {
		t.Fatalf("overruns = %d, want 2", sum.Overruns)
	}
	for i, pts := range h.enc.pts {
		if want := int64(i * 150); pts != want {
			t.Fatalf("frame %d pts = %d, want %d", i, pts, want)
		}
	}
}

func TestDrainedPacketsKeepTimestampOrder(t *testing.T) {
	h := newHarness(t, Options{FrameRate: 25})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.enc.lag = 3
	h.src.work = 7 * time.Millisecond
	h.src.onPoll = cancelAfter(cancel, 10)

	sum, err := h.rec.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.mux.timestamps) != 10 || sum.Packets != 10 {
		t.Fatalf("muxed %d packets, want 10", len(h.mux.timestamps))
	}
	if sum.DrainPackets != 3 {
		t.Fatalf("drain packets = %d, want 3", sum.DrainPackets)
	}
	for i := 1; i < len(h.mux.timestamps); i++ {
		if h.mux.timestamps[i] < h.mux.timestamps[i-1] {
			t.Fatalf("timestamp %d went backwards: %v", i, h.mux.timestamps)
		}
	}
	for i, ts := range h.mux.timestamps {
		if ts != h.enc.pts[i]*int64(time.Millisecond) {
			t.Fatalf("packet %d muxed at %dns, encoder pts %dms", i, ts, h.enc.pts[i])
		}
	}
	if !h.mux.keys[0] || sum.Keyframes != 1 {
		t.Fatalf("keyframes = %d, first key = %v", sum.Keyframes, h.mux.keys[0])
	}
}

func TestEncodeErrorStillFinalizes(t *testing.T) {
	h := newHarness(t, Options{})
	h.enc.failAt = 3

	sum, err := h.rec.Run(context.Background())
	if !errors.Is(err, vpx.ErrEncoderFailed) {
		t.Fatalf("error = %v, want ErrEncoderFailed", err)
	}
	if sum.StopReason != StopEncodeError {
		t.Fatalf("stop reason = %s", sum.StopReason)
	}
	if h.mux.finalized != 1 {
		t.Fatalf("finalized %d times", h.mux.finalized)
	}
	if !h.enc.finished {
		t.Fatal("encoder was not drained")
	}
	if sum.Err == "" {
		t.Fatal("summary should carry the error text")
	}
}

func TestFinalizeFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.mux.finalizeErr = errors.New("disk full")

	sum, err := h.rec.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.FinalizeErr == nil || sum.FinalizeError != "disk full" {
		t.Fatalf("finalize error not reported: %+v", sum)
	}
	if _, err := h.rec.Run(ctx); !errors.Is(err, ErrAlreadyRun) {
		t.Fatalf("second Run error = %v, want ErrAlreadyRun", err)
	}
	if h.mux.finalized != 1 {
		t.Fatalf("finalized %d times", h.mux.finalized)
	}
}

func TestCancelledBeforeFirstSleep(t *testing.T) {
	h := newHarness(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := h.rec.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Polls != 1 || len(h.clock.sleeps) != 0 {
		t.Fatalf("polls = %d, sleeps = %d; want 1 poll and no sleep", sum.Polls, len(h.clock.sleeps))
	}
}

func TestNormalizeOptions(t *testing.T) {
	opts, err := normalizeOptions(Options{})
	if err != nil {
		t.Fatalf("normalizeOptions: %v", err)
	}
	if opts.FrameRate != 30 || opts.Bitrate != 5000 || opts.Codec != vpx.CodecVP8 || opts.Timebase != vpx.Millisecond {
		t.Fatalf("defaults = %+v", opts)
	}

	opts, err = normalizeOptions(Options{FrameRate: 500, Bitrate: 10})
	if err != nil {
		t.Fatalf("normalizeOptions: %v", err)
	}
	if opts.FrameRate != maxFrameRate || opts.Bitrate != minBitrate {
		t.Fatalf("clamped = %+v", opts)
	}
	if opts.Interval() != time.Second/120 {
		t.Fatalf("Interval = %s", opts.Interval())
	}

	if _, err := normalizeOptions(Options{Duration: -time.Second}); !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("error = %v, want ErrInvalidOptions", err)
	}
	if _, err := normalizeOptions(Options{Codec: "h264"}); !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("error = %v, want ErrInvalidOptions", err)
	}
	if _, err := normalizeOptions(Options{Timebase: vpx.Timebase{Num: 1}}); !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("error = %v, want ErrInvalidOptions", err)
	}
}

func TestSummaryWriteJSON(t *testing.T) {
	sum := Summary{StopReason: StopDuration, Elapsed: 2 * time.Second, Frames: 60, Usage: &Usage{RSSBytes: 1024}}
	var buf bytes.Buffer
	if err := sum.WriteJSON(&buf); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	out := strings.Join(strings.Fields(buf.String()), "")
	for _, want := range []string{`"stop_reason":"duration"`, `"frames":60`, `"rss_bytes":1024`} {
		if !strings.Contains(out, want) {
			t.Fatalf("JSON %s missing %s", out, want)
		}
	}
	if strings.Contains(out, "finalize_error") {
		t.Fatalf("empty finalize error should be omitted: %s", out)
	}
	if fps := sum.EffectiveFPS(); fps != 30 {
		t.Fatalf("EffectiveFPS = %v", fps)
	}
}
