package log

import (
	"fmt"
	"maps"
	"os"
	"time"

	"github.com/benbjohnson/clock"
)

var _ Interface = (*Logger)(nil)

const scopeKey = "scope"

type Entry struct {
	Time       time.Time         `json:"-"`
	Level      Level             `json:"level"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Message    string            `json:"message"`

	Error error `json:"-"`
}

// Logger is the concrete logger.
type Logger struct {
	level      Level
	attributes map[string]string
	sink       Sink
	clock      clock.Clock
}

// New returns a new logger.
func New(level Level, sink Sink) *Logger {
	if level == Default {
		level = Info
	}
	return &Logger{
		level:      level,
		attributes: map[string]string{},
		sink:       sink,
		clock:      clock.New(),
	}
}

// Scope returns a sub-logger with the "scope" attribute set.
func (l Logger) Scope(scope string) *Logger {
	return l.Attrs(map[string]string{scopeKey: scope})
}

// Attrs creates a new logger with the given attributes merged over the existing ones.
func (l Logger) Attrs(attributes map[string]string) *Logger {
	attr := make(map[string]string, len(l.attributes)+len(attributes))
	maps.Copy(attr, l.attributes)
	maps.Copy(attr, attributes)
	l.attributes = attr
	return &l
}

func (l Logger) Level(level Level) *Logger {
	l.level = level
	return &l
}

func (l Logger) GetLevel() Level {
	return l.level
}

func (l *Logger) Log(entry Entry) {
	if entry.Level < l.level {
		return
	}
	if entry.Time.IsZero() {
		entry.Time = l.clock.Now()
	}
	if len(l.attributes) > 0 {
		entry.Attributes = l.attributes
	}
	if err := l.sink.Log(entry); err != nil {
		fmt.Fprintf(os.Stderr, "shipit:log: failed to log entry: %v", err)
	}
}

func (l *Logger) Logf(level Level, format string, args ...any) {
	l.Log(Entry{Level: level, Message: fmt.Sprintf(format, args...)})
}

func (l *Logger) Tracef(format string, args ...any) {
	l.Log(Entry{Level: Trace, Message: fmt.Sprintf(format, args...)})
}

func (l *Logger) Debugf(format string, args ...any) {
	l.Log(Entry{Level: Debug, Message: fmt.Sprintf(format, args...)})
}

func (l *Logger) Infof(format string, args ...any) {
	l.Log(Entry{Level: Info, Message: fmt.Sprintf(format, args...)})
}

func (l *Logger) Warnf(format string, args ...any) {
	l.Log(Entry{Level: Warn, Message: fmt.Sprintf(format, args...)})
}

func (l *Logger) Errorf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	l.Log(Entry{Level: Error, Message: fmt.Sprintf(format, args...) + ": " + err.Error(), Error: err})
}
