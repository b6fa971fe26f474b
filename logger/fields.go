package logger

import (
	"fmt"
	"strings"
)

// Entry prefixes every line with a fixed set of key=value pairs, so a
// worker can tag all log lines of one job with its ids.
type Entry struct {
	prefix string
}

// With returns an Entry carrying the given alternating keys and values.
func With(kv ...interface{}) Entry {
	return Entry{}.With(kv...)
}

// With returns a copy of e extended with more key=value pairs.
func (e Entry) With(kv ...interface{}) Entry {
	var b strings.Builder
	b.WriteString(e.prefix)
	for i := 0; i < len(kv); i += 2 {
		var val interface{} = "(missing)"
		if i+1 < len(kv) {
			val = kv[i+1]
		}
		fmt.Fprintf(&b, "%v=%v ", kv[i], val)
	}
	return Entry{prefix: b.String()}
}

func (e Entry) Debugf(format string, v ...interface{}) {
	emit(DEBUG, 2, e.prefix+fmt.Sprintf(format, v...))
}

func (e Entry) Infof(format string, v ...interface{}) {
	emit(INFO, 2, e.prefix+fmt.Sprintf(format, v...))
}

func (e Entry) Warnf(format string, v ...interface{}) {
	emit(WARN, 2, e.prefix+fmt.Sprintf(format, v...))
}

func (e Entry) Errorf(format string, v ...interface{}) {
	emit(ERROR, 2, e.prefix+fmt.Sprintf(format, v...))
}
