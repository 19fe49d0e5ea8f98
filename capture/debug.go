package capture

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kataras/golog"

	"go2tv.app/recordscreen/internal/env"
)

var (
	captureDebugEnabledOnce sync.Once
	captureDebugEnabledFlag bool

	captureLogger = golog.Child("[capture]")
)

func captureDebugEnabled() bool {
	captureDebugEnabledOnce.Do(func() {
		captureDebugEnabledFlag = env.BoolEnv(env.Debug, false) || env.BoolEnv(env.CaptureDebug, false)
	})
	return captureDebugEnabledFlag
}

func captureDebugf(format string, args ...any) {
	if !captureDebugEnabled() {
		return
	}
	captureLogger.Debugf(format, args...)
}

// shouldLogEvery lets one caller through per period. last holds the unix nano
// time of the previous accepted call.
func shouldLogEvery(last *atomic.Int64, period time.Duration) bool {
	if last == nil || period <= 0 {
		return true
	}

	now := time.Now().UnixNano()
	for {
		prev := last.Load()
		if prev != 0 && time.Duration(now-prev) < period {
			return false
		}
		if last.CompareAndSwap(prev, now) {
			return true
		}
	}
}
