package vpx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"go2tv.app/recordscreen/internal/processutil"
)

const encoderProbeTimeout = 5 * time.Second

// New starts the compressor. Failures here mean nothing was encoded.
func New(cfg Config) (*Encoder, error) {
	cfg, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}

	if _, err := exec.LookPath(cfg.FFmpegPath); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg not found at %q: %v", ErrEncoderInit, cfg.FFmpegPath, err)
	}
	available, err := ffmpegEncoderSet(cfg.FFmpegPath)
	if err != nil {
		logger.Debugf("encoder probe failed, trying anyway: %v", err)
	} else if _, ok := available[cfg.Codec.ffmpegEncoder()]; !ok {
		return nil, fmt.Errorf("%w: ffmpeg at %q has no %s encoder", ErrEncoderInit, cfg.FFmpegPath, cfg.Codec.ffmpegEncoder())
	}

	stderrBuf := &lockedBuffer{}
	stderrWriter := io.Writer(stderrBuf)
	if cfg.LogOutput != nil {
		stderrWriter = io.MultiWriter(cfg.LogOutput, stderrBuf)
	}

	cmd := compressorStream(cfg).WithErrorOutput(stderrWriter).Compile()
	logger.Debugf("ffmpeg: %s", strings.Join(cmd.Args, " "))
	processutil.HideConsoleWindow(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrEncoderInit, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrEncoderInit, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg start: %v", ErrEncoderInit, err)
	}

	logger.Infof("encoder %s %dx%d %dkbit/s timebase=%s", cfg.Codec.ffmpegEncoder(), cfg.Width, cfg.Height, cfg.Bitrate, cfg.Timebase)

	return newEncoder(cfg, compressor{
		stdin:  stdin,
		stdout: stdout,
		wait:   cmd.Wait,
		kill: func() error {
			if cmd.Process == nil {
				return nil
			}
			err := cmd.Process.Kill()
			if errors.Is(err, os.ErrProcessDone) {
				return nil
			}
			return err
		},
		stderr: func() string { return stderrBuf.Tail(stderrTailBytes) },
	}), nil
}

// compressorStream builds a realtime libvpx command reading raw I420 on
// stdin and writing IVF on stdout. Alt-ref frames are disabled so every
// packet maps to exactly one input frame.
func compressorStream(cfg Config) *ffmpeg.Stream {
	input := ffmpeg.KwArgs{
		"hide_banner": "",
		"nostats":     "",
		"loglevel":    "error",
		"f":           "rawvideo",
		"pix_fmt":     "yuv420p",
		"s":           fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"framerate":   strconv.Itoa(cfg.FrameRate),
	}
	output := ffmpeg.KwArgs{
		"c:v":           cfg.Codec.ffmpegEncoder(),
		"b:v":           fmt.Sprintf("%dk", cfg.Bitrate),
		"deadline":      "realtime",
		"cpu-used":      strconv.Itoa(cfg.CPUUsed),
		"auto-alt-ref":  "0",
		"lag-in-frames": strconv.Itoa(cfg.LagInFrames),
		"fps_mode":      "passthrough",
		"f":             "ivf",
	}
	if cfg.Codec == CodecVP9 {
		output["row-mt"] = "1"
	}

	return ffmpeg.Input("pipe:0", input).
		Output("pipe:1", output).
		SetFfmpegPath(cfg.FFmpegPath).
		Silent(true)
}

func compressorArgs(cfg Config) []string {
	return compressorStream(cfg).GetArgs()
}

func ffmpegEncoderSet(ffmpegPath string) (map[string]struct{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), encoderProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-encoders")
	processutil.HideConsoleWindow(cmd)
	out, err := cmd.Output()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("ffmpeg -encoders timeout after %s", encoderProbeTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("ffmpeg -encoders failed: %w", err)
	}
	return parseEncoderList(out), nil
}

func parseEncoderList(out []byte) map[string]struct{} {
	encoders := make(map[string]struct{})
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 2 {
			continue
		}
		// " V....D libvpx  libvpx VP8 (codec vp8)": flags then encoder name.
		if strings.HasPrefix(fields[0], "V") {
			encoders[fields[1]] = struct{}{}
		}
	}
	return encoders
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Tail(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := strings.TrimSpace(b.buf.String())
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
