package core

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// LogLevel controls which records a JSONLogger emits
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// JSONLogger writes one JSON object per log record. It is the production
// default for components that are not handed a Logger by the caller.
type JSONLogger struct {
	mu    sync.Mutex
	out   io.Writer
	level LogLevel
	name  string
}

// NewJSONLogger creates a logger writing to stdout at Info level
func NewJSONLogger(name string) *JSONLogger {
	return &JSONLogger{
		out:   os.Stdout,
		level: LevelInfo,
		name:  name,
	}
}

// NewJSONLoggerWithWriter creates a logger with an explicit writer and level
func NewJSONLoggerWithWriter(name string, out io.Writer, level LogLevel) *JSONLogger {
	return &JSONLogger{
		out:   out,
		level: level,
		name:  name,
	}
}

func (l *JSONLogger) log(level LogLevel, levelName, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	record := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		// Errors do not marshal to anything useful by default
		if err, ok := v.(error); ok {
			record[k] = err.Error()
			continue
		}
		record[k] = v
	}
	record["time"] = time.Now().UTC().Format(time.RFC3339Nano)
	record["level"] = levelName
	record["component"] = l.name
	record["message"] = msg

	line, err := json.Marshal(record)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(append(line, '\n'))
}

func (l *JSONLogger) Info(msg string, fields map[string]interface{}) {
	l.log(LevelInfo, "info", msg, fields)
}

func (l *JSONLogger) Error(msg string, fields map[string]interface{}) {
	l.log(LevelError, "error", msg, fields)
}

func (l *JSONLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(LevelWarn, "warn", msg, fields)
}

func (l *JSONLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(LevelDebug, "debug", msg, fields)
}
