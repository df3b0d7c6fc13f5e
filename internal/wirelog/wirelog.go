// Package wirelog logs wire frames at debug level with direction tags and
// display-width-aware truncation, so multi-byte payloads (Korean error
// texts, CJK prompts) truncate at terminal columns instead of mid-rune.
package wirelog

import (
	"context"
	"log/slog"

	"github.com/mattn/go-runewidth"
)

// Directions tagged onto each logged frame.
const (
	DirIn  = "recv"
	DirOut = "send"
)

// maxFrameWidth caps the display columns spent on one logged frame.
const maxFrameWidth = 400

// Logger wraps an slog.Logger with a fixed transport label.
type Logger struct {
	log       *slog.Logger
	transport string
}

// New builds a frame logger for one transport ("relay", "beacon", "tools").
func New(log *slog.Logger, transport string) *Logger {
	if log == nil {
		log = slog.Default()
	}
	return &Logger{log: log, transport: transport}
}

// Frame logs one frame if debug logging is enabled. peer identifies the
// remote end (address or device id).
func (l *Logger) Frame(dir, peer string, data []byte) {
	if !l.log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	l.log.Debug(l.transport+".frame",
		"dir", dir,
		"peer", peer,
		"bytes", len(data),
		"frame", Clip(string(data), maxFrameWidth),
	)
}

// Clip truncates s to at most width display columns, appending an ellipsis
// when anything was cut.
func Clip(s string, width int) string {
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}
