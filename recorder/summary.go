package recorder

import (
	"io"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shirou/gopsutil/v3/process"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StopReason says why the capture loop ended.
type StopReason string

const (
	StopCancelled    StopReason = "cancelled"
	StopDuration     StopReason = "duration"
	StopCaptureError StopReason = "capture_error"
	StopEncodeError  StopReason = "encode_error"
	StopMuxError     StopReason = "mux_error"
)

// Summary describes a finished session.
type Summary struct {
	StopReason StopReason    `json:"stop_reason"`
	Elapsed    time.Duration `json:"elapsed_ns"`

	Polls int64 `json:"polls"`
	// Frames counts polls that returned an image.
	Frames      int64 `json:"frames"`
	Pending     int64 `json:"pending"`
	EncodeCalls int64 `json:"encode_calls"`
	// Overruns counts iterations whose work took a whole interval or more.
	Overruns int64 `json:"overruns"`

	Packets      int64 `json:"packets"`
	Keyframes    int64 `json:"keyframes"`
	Bytes        int64 `json:"bytes"`
	DrainPackets int64 `json:"drain_packets"`

	Err           string `json:"error,omitempty"`
	FinalizeErr   error  `json:"-"`
	FinalizeError string `json:"finalize_error,omitempty"`

	Usage *Usage `json:"usage,omitempty"`
}

// EffectiveFPS is the rate of captured frames over the whole session.
func (s Summary) EffectiveFPS() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Frames) / s.Elapsed.Seconds()
}

// WriteJSON writes the summary as indented JSON.
func (s Summary) WriteJSON(w io.Writer) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// Usage is the recording process's resource use at the end of a session.
type Usage struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	Threads    int32   `json:"threads"`
}

func sampleUsage() (Usage, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return Usage{}, err
	}
	var u Usage
	if u.CPUPercent, err = p.CPUPercent(); err != nil {
		return Usage{}, err
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return Usage{}, err
	}
	u.RSSBytes = mem.RSS
	if n, err := p.NumThreads(); err == nil {
		u.Threads = n
	}
	return u, nil
}
