package sentinel

import (
	"strings"

	"github.com/rs/zerolog"
)

// LogSink receives forwarded log records.
type LogSink interface {
	SendLog(level, target, message string)
}

// LogForwarder is a zerolog hook that mirrors records at or above Level to
// the server as LOG lines.
type LogForwarder struct {
	Sink   LogSink
	Target string
	Level  zerolog.Level
}

func NewLogForwarder(sink LogSink, target string) LogForwarder {
	if strings.TrimSpace(target) == "" {
		target = "sentinel"
	}
	return LogForwarder{Sink: sink, Target: target, Level: zerolog.InfoLevel}
}

func (f LogForwarder) Run(_ *zerolog.Event, level zerolog.Level, msg string) {
	if f.Sink == nil || level < f.Level || level == zerolog.NoLevel || level == zerolog.Disabled {
		return
	}
	f.Sink.SendLog(level.String(), f.Target, msg)
}
