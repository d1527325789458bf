package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// JSONLogEntry defines a single structured log line.
type JSONLogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Severity  string                 `json:"severity"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

type jsonLogger struct {
	metadata  map[string]interface{}
	component string
	out       io.Writer
	mu        *sync.Mutex
	logLevel  LogLevel
}

var _ Logger = (*jsonLogger)(nil)

func (c *jsonLogger) clone() *jsonLogger {
	metadata := make(map[string]interface{})
	for k, v := range c.metadata {
		metadata[k] = v
	}
	return &jsonLogger{
		metadata:  metadata,
		component: c.component,
		out:       c.out,
		mu:        c.mu,
		logLevel:  c.logLevel,
	}
}

// WithPrefix will return a new logger with a prefix recorded as the component
func (c *jsonLogger) WithPrefix(prefix string) Logger {
	clone := c.clone()
	if clone.component == "" {
		clone.component = prefix
	} else if !strings.Contains(clone.component, prefix) {
		clone.component = clone.component + " " + prefix
	}
	return clone
}

func (c *jsonLogger) With(metadata map[string]interface{}) Logger {
	clone := c.clone()
	for k, v := range metadata {
		clone.metadata[k] = v
	}
	return clone
}

func (c *jsonLogger) emit(level LogLevel, severity string, msg string, args ...interface{}) {
	if level < c.logLevel {
		return
	}
	_msg := msg
	if len(args) > 0 {
		_msg = fmt.Sprintf(msg, args...)
	}
	entry := JSONLogEntry{
		Timestamp: time.Now(),
		Severity:  severity,
		Message:   _msg,
		Component: c.component,
		Metadata:  c.metadata,
	}
	buf, err := json.Marshal(entry)
	if err != nil {
		log.Printf("json.Marshal: %v", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out.Write(append(buf, '\n'))
}

func (c *jsonLogger) Trace(msg string, args ...interface{}) {
	c.emit(LevelTrace, "TRACE", msg, args...)
}

func (c *jsonLogger) Debug(msg string, args ...interface{}) {
	c.emit(LevelDebug, "DEBUG", msg, args...)
}

func (c *jsonLogger) Info(msg string, args ...interface{}) {
	c.emit(LevelInfo, "INFO", msg, args...)
}

func (c *jsonLogger) Warn(msg string, args ...interface{}) {
	c.emit(LevelWarn, "WARNING", msg, args...)
}

func (c *jsonLogger) Error(msg string, args ...interface{}) {
	c.emit(LevelError, "ERROR", msg, args...)
}

func (c *jsonLogger) Fatal(msg string, args ...interface{}) {
	c.emit(LevelError, "ERROR", msg, args...)
	os.Exit(1)
}

// NewJSONLogger returns a new Logger instance which writes one JSON object per line to stdout
func NewJSONLogger(levels ...LogLevel) Logger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	return &jsonLogger{out: os.Stdout, mu: &sync.Mutex{}, logLevel: level}
}

// NewJSONLoggerWithWriter returns a new JSON Logger writing to w
func NewJSONLoggerWithWriter(w io.Writer, level LogLevel) Logger {
	return &jsonLogger{out: w, mu: &sync.Mutex{}, logLevel: level}
}
