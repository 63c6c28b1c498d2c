package log

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/alecthomas/errors"
)

var _ Sink = (*jsonSink)(nil)

type jsonEntry struct {
	Level      Level             `json:"level"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Message    string            `json:"message"`
	Time       time.Time         `json:"time"`
	Error      string            `json:"error,omitempty"`
}

func newJSONSink(w io.Writer) *jsonSink {
	return &jsonSink{enc: json.NewEncoder(w)}
}

type jsonSink struct {
	lock sync.Mutex
	enc  *json.Encoder
}

func (j *jsonSink) Log(entry Entry) error {
	jentry := jsonEntry{
		Level:      entry.Level,
		Attributes: entry.Attributes,
		Message:    entry.Message,
		Time:       entry.Time.UTC(),
	}
	if entry.Error != nil {
		jentry.Error = entry.Error.Error()
	}
	j.lock.Lock()
	defer j.lock.Unlock()
	return errors.WithStack(j.enc.Encode(jentry))
}
