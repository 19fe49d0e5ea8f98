package env

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/kataras/golog"
)

var (
	debugOutputOnce sync.Once
	debugOutput     io.Writer = os.Stderr
)

// DebugEnabled reports whether RECORD_SCREEN_DEBUG asks for debug logs.
func DebugEnabled() bool {
	return BoolEnv(Debug, false)
}

func debugWriter() io.Writer {
	debugOutputOnce.Do(func() {
		p := strings.TrimSpace(os.Getenv(DebugFile))
		if p == "" {
			return
		}
		f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "record-screen debug log open failed: %v\n", err)
			return
		}
		debugOutput = f
	})
	return debugOutput
}

// SetupLogging applies the debug switches to l, the golog default logger
// when nil, and to its named children. Children keep the level they were
// created with, so every child prefix in use has to be listed.
func SetupLogging(l *golog.Logger, children ...string) {
	if l == nil {
		l = golog.Default
	}
	if !DebugEnabled() && !BoolEnv(CaptureDebug, false) {
		return
	}

	loggers := []*golog.Logger{l}
	for _, name := range children {
		loggers = append(loggers, l.Child(name))
	}
	toFile := strings.TrimSpace(os.Getenv(DebugFile)) != ""
	for _, lg := range loggers {
		lg.SetLevel("debug")
		lg.SetTimeFormat("2006/01/02 15:04:05.000000")
		if toFile {
			lg.SetOutput(debugWriter())
		}
	}
}
