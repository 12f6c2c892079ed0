package obs

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

var (
	mu           sync.Mutex
	base         = log.New(os.Stdout, "", 0)
	debugEnabled bool
	std          = &Logger{}
)

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	mu.Lock()
	debugEnabled = v
	mu.Unlock()
}

// SetOutput redirects all log lines; tests use it to silence or capture output.
func SetOutput(w io.Writer) {
	mu.Lock()
	base.SetOutput(w)
	mu.Unlock()
}

type Fields map[string]any

// Logger emits JSON lines carrying a fixed set of fields in addition to the
// per-call ones. The zero value is usable.
type Logger struct {
	fields Fields
}

// With returns a child logger that always includes fields. Call-site fields win on conflict.
func (l *Logger) With(f Fields) *Logger {
	merged := Fields{}
	if l != nil {
		for k, v := range l.fields {
			merged[k] = v
		}
	}
	for k, v := range f {
		merged[k] = v
	}
	return &Logger{fields: merged}
}

func (l *Logger) log(level, msg string, f Fields) {
	entry := Fields{}
	if l != nil {
		for k, v := range l.fields {
			entry[k] = v
		}
	}
	for k, v := range f {
		entry[k] = v
	}
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level
	entry["msg"] = msg
	b, err := json.Marshal(entry)
	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		base.Printf("{\"level\":\"error\",\"msg\":\"log marshal failure\",\"err\":%q}", err.Error())
		return
	}
	base.Println(string(b))
}

func (l *Logger) Info(msg string, f Fields)  { l.log("info", msg, f) }
func (l *Logger) Warn(msg string, f Fields)  { l.log("warn", msg, f) }
func (l *Logger) Error(msg string, f Fields) { l.log("error", msg, f) }
func (l *Logger) Debug(msg string, f Fields) {
	mu.Lock()
	on := debugEnabled
	mu.Unlock()
	if on {
		l.log("debug", msg, f)
	}
}

// Named returns a logger tagged with component.
func Named(component string) *Logger { return std.With(Fields{"component": component}) }

func Info(msg string, f Fields)  { std.Info(msg, f) }
func Warn(msg string, f Fields)  { std.Warn(msg, f) }
func Error(msg string, f Fields) { std.Error(msg, f) }
func Debug(msg string, f Fields) { std.Debug(msg, f) }
