package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelTrace, ParseLevel("trace"))
	assert.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LevelInfo, ParseLevel("info"))
	assert.Equal(t, LevelWarn, ParseLevel("warn"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelNone, ParseLevel("none"))
	assert.Equal(t, LevelInfo, ParseLevel("bogus"))
}

func TestJSONLoggerWritesEntries(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLoggerWithWriter(&buf, LevelDebug)
	l.With(map[string]interface{}{"key": "user:1"}).WithPrefix("[coordinator]").Info("cache %s", "hit")

	var entry JSONLogEntry
	assert.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry.Severity)
	assert.Equal(t, "cache hit", entry.Message)
	assert.Equal(t, "[coordinator]", entry.Component)
	assert.Equal(t, "user:1", entry.Metadata["key"])
}

func TestJSONLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLoggerWithWriter(&buf, LevelWarn)
	l.Debug("dropped")
	l.Info("dropped")
	assert.Zero(t, buf.Len())
	l.Warn("kept")
	assert.NotZero(t, buf.Len())
}

func TestTestLoggerCaptures(t *testing.T) {
	l := NewTestLogger()
	l.Info("hello %s", "world")
	l.Error("boom")
	assert.Len(t, l.Logs, 2)
	assert.Equal(t, "INFO", l.Logs[0].Severity)
	assert.Equal(t, "hello %s", l.Logs[0].Message)
	assert.Equal(t, "ERROR", l.Logs[1].Severity)
}
