package log

import (
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

// Entry is a rendered log line delivered to registered sinks.
type Entry struct {
	// Method is the lowercase level name: debug, info, warn or error.
	Method string

	// Timestamp is the entry's wall-clock time.
	Timestamp time.Time

	// Message is the fully rendered line, message text plus encoded fields.
	Message string
}

// Sink receives every log entry written through this package.
// Sinks run on the logging goroutine and must not block.
type Sink func(Entry)

var (
	sinkMu sync.RWMutex
	sinks  = make(map[string]Sink)
)

// AddSink registers a named sink. Registering the same name twice replaces
// the previous sink.
func AddSink(name string, sink Sink) {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	sinks[name] = sink
}

// RemoveSink unregisters a sink. Removing an unknown name is a no-op.
func RemoveSink(name string) {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	delete(sinks, name)
}

// sinkCore is a secondary zapcore.Core teed after the primary outputs.
// It renders each entry to a plain line and fans it out to the sinks.
type sinkCore struct {
	level  zapcore.Level
	enc    zapcore.Encoder
	fields []zapcore.Field
}

func newSinkCore(level zapcore.Level) *sinkCore {
	cfg := zapcore.EncoderConfig{
		MessageKey:  "message",
		LineEnding:  "",
		EncodeLevel: func(zapcore.Level, zapcore.PrimitiveArrayEncoder) {},
	}
	return &sinkCore{level: level, enc: zapcore.NewConsoleEncoder(cfg)}
}

func (c *sinkCore) Enabled(level zapcore.Level) bool {
	return level >= c.level
}

func (c *sinkCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(append([]zapcore.Field(nil), c.fields...), fields...)
	return &clone
}

func (c *sinkCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(entry.Level) {
		return checked
	}
	return checked.AddCore(entry, c)
}

func (c *sinkCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	sinkMu.RLock()
	if len(sinks) == 0 {
		sinkMu.RUnlock()
		return nil
	}
	sinkMu.RUnlock()

	buf, err := c.enc.EncodeEntry(entry, append(c.fields, fields...))
	if err != nil {
		return err
	}

	rendered := Entry{
		Method:    methodName(entry.Level),
		Timestamp: entry.Time,
		Message:   buf.String(),
	}
	buf.Free()

	sinkMu.RLock()
	defer sinkMu.RUnlock()
	for _, sink := range sinks {
		sink(rendered)
	}
	return nil
}

func (c *sinkCore) Sync() error { return nil }

func methodName(level zapcore.Level) string {
	switch {
	case level <= zapcore.DebugLevel:
		return "debug"
	case level == zapcore.InfoLevel:
		return "info"
	case level == zapcore.WarnLevel:
		return "warn"
	default:
		return "error"
	}
}
