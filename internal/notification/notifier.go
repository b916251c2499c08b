// Package notification delivers user-facing notices raised by call
// sessions: warnings such as poor connection quality, and errors the
// participant needs to see.
package notification

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
	// LevelFatal notices accompany a session that has ended in failure.
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	switch string(b) {
	case "info":
		*l = LevelInfo
	case "warning":
		*l = LevelWarning
	case "error":
		*l = LevelError
	case "fatal":
		*l = LevelFatal
	default:
		return fmt.Errorf("unknown notice level %q", b)
	}
	return nil
}

// Notice is one user-facing message.
type Notice struct {
	CallID  string    `json:"callId"`
	Level   Level     `json:"level"`
	Kind    string    `json:"kind,omitempty"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Notifier must not block the caller for long; sessions call it while
// handling events.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// Multi fans a notice out to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(n Notice) {
	for _, nt := range m {
		if nt != nil {
			nt.Notify(n)
		}
	}
}

// LogNotifier writes notices to a zap logger.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.L()
	}
	return &LogNotifier{logger: logger.Named("notice")}
}

func (l *LogNotifier) Notify(n Notice) {
	fields := []zap.Field{
		zap.String("callId", n.CallID),
		zap.String("kind", n.Kind),
	}
	switch n.Level {
	case LevelInfo:
		l.logger.Info(n.Message, fields...)
	case LevelWarning:
		l.logger.Warn(n.Message, fields...)
	default:
		l.logger.Error(n.Message, append(fields, zap.Stringer("level", n.Level))...)
	}
}
