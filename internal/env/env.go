// Package env reads RECORD_SCREEN_* settings from the environment.
package env

import (
	"os"
	"strconv"
	"strings"
)

const (
	Debug        = "RECORD_SCREEN_DEBUG"
	DebugFile    = "RECORD_SCREEN_DEBUG_FILE"
	CaptureDebug = "RECORD_SCREEN_CAPTURE_DEBUG"
	FrameRate    = "RECORD_SCREEN_FPS"
	Bitrate      = "RECORD_SCREEN_BITRATE"
	Codec        = "RECORD_SCREEN_CODEC"
	FFmpegPath   = "RECORD_SCREEN_FFMPEG"
)

func BoolEnv(name string, defaultValue bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if v == "" {
		return defaultValue
	}

	switch v {
	case "1", "true", "on", "yes":
		return true
	case "0", "false", "off", "no":
		return false
	default:
		return defaultValue
	}
}

// IntEnvClamped returns defaultValue when the variable is unset or not a
// number. An inverted range disables clamping.
func IntEnvClamped(name string, defaultValue, minValue, maxValue int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return defaultValue
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}

	if minValue <= maxValue {
		n = min(max(n, minValue), maxValue)
	}
	return n
}

func StringEnv(name, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return defaultValue
}
