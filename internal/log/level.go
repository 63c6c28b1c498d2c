package log

import (
	"strconv"
	"strings"

	"github.com/alecthomas/errors"
)

// Level is the log level.
type Level int

// Log levels.
const (
	// Default is a special value that means the log level will use a default.
	Default Level = 0
	Trace   Level = 1
	Debug   Level = 5
	Info    Level = 9
	Warn    Level = 13
	Error   Level = 17
)

var levelNames = map[Level]string{
	Default: "default",
	Trace:   "trace",
	Debug:   "debug",
	Info:    "info",
	Warn:    "warn",
	Error:   "error",
}

// ParseLevel parses a log level from text.
func ParseLevel(input string) (Level, error) {
	var level Level
	err := level.UnmarshalText([]byte(input))
	return level, err
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "level(" + strconv.Itoa(int(l)) + ")"
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Level) UnmarshalText(text []byte) error {
	name := strings.ToLower(string(text))
	for level, candidate := range levelNames {
		if candidate == name {
			*l = level
			return nil
		}
	}
	return errors.Errorf("unknown log level %q", text)
}
