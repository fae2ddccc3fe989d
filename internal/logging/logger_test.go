package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerRoutesLevelsToStreams(t *testing.T) {
	var out, errOut bytes.Buffer
	l := NewLoggerWithWriters(&out, &errOut, DEBUG, false)

	l.Info("hello %s", "world")
	l.Error("boom")

	require.Contains(t, out.String(), "[INFO]  ")
	require.Contains(t, out.String(), "hello world")
	require.Contains(t, errOut.String(), "[ERROR] boom")
	require.NotContains(t, out.String(), "boom")
}

func TestLoggerRespectsMinLevel(t *testing.T) {
	var out bytes.Buffer
	l := NewLoggerWithWriters(&out, &out, WARN, false)

	l.Debug("hidden")
	l.Info("hidden too")
	l.Warn("shown")

	require.NotContains(t, out.String(), "hidden")
	require.Contains(t, out.String(), "shown")
}

func TestLoggerContextAndFields(t *testing.T) {
	var out bytes.Buffer
	l := NewLoggerWithWriters(&out, &out, DEBUG, false)

	l.WithContext(&LogContext{JobID: "j1", UserID: "u1", Model: "gpt-4o"}).InfoWithFields("done", map[string]interface{}{
		"b": 2,
		"a": 1,
	})

	line := out.String()
	require.Contains(t, line, "[Job:j1][User:u1][Model:gpt-4o] done | a=1 b=2")
}

func TestLoggerJSONMode(t *testing.T) {
	var out bytes.Buffer
	l := NewLoggerWithWriters(&out, &out, DEBUG, true)

	l.InfoWithContext(&LogContext{JobID: "j1"}, "started %d", 3)

	var entry JSONLogEntry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out.String())), &entry))
	require.Equal(t, "INFO", entry.Level)
	require.Equal(t, "started 3", entry.Message)
	require.Equal(t, "j1", entry.Context.JobID)
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, DEBUG, ParseLevel("debug"))
	require.Equal(t, WARN, ParseLevel("warning"))
	require.Equal(t, INFO, ParseLevel(""))
	require.Equal(t, ERROR, ParseLevel(" ERROR "))
}
