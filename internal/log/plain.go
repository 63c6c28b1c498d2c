package log

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/alecthomas/errors"
)

var _ Sink = (*plainSink)(nil)

func newPlainSink(w io.Writer) *plainSink {
	return &plainSink{w: w}
}

// plainSink writes "level:scope: message key=value" lines.
type plainSink struct {
	lock sync.Mutex
	w    io.Writer
}

func (p *plainSink) Log(entry Entry) error {
	var prefix strings.Builder
	prefix.WriteString(entry.Level.String())
	if scope, ok := entry.Attributes[scopeKey]; ok {
		prefix.WriteString(":")
		prefix.WriteString(scope)
	}
	keys := make([]string, 0, len(entry.Attributes))
	for key := range entry.Attributes {
		if key != scopeKey {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	var attrs strings.Builder
	for _, key := range keys {
		fmt.Fprintf(&attrs, " %s=%s", key, entry.Attributes[key])
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	_, err := fmt.Fprintf(p.w, "%s: %s%s\n", prefix.String(), entry.Message, attrs.String())
	return errors.WithStack(err)
}
