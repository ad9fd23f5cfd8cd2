// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m), "line: %s", line)
		out = append(out, m)
	}
	return out
}

// TestInit_idempotent verifies Init is idempotent.
func TestInit_idempotent(t *testing.T) {
	global = nil
	once = *new(sync.Once)

	var buf1, buf2 bytes.Buffer
	Init(&buf1, LevelInfo)
	first := Get()

	Init(&buf2, LevelDebug)
	assert.Same(t, first, Get())
	assert.Equal(t, &buf1, Get().out)
}

// TestGet_default verifies default logger creation.
func TestGet_default(t *testing.T) {
	global = nil
	once = *new(sync.Once)

	logger := Get()
	require.NotNil(t, logger)
	assert.Equal(t, os.Stdout, logger.out)
	assert.Equal(t, LevelInfo, logger.minLevel)
}

// TestLogLevel_shouldLog verifies log level filtering.
func TestLogLevel_shouldLog(t *testing.T) {
	tests := []struct {
		name     string
		minLevel LogLevel
		logLevel LogLevel
		expected bool
	}{
		{"debug logs at debug", LevelDebug, LevelDebug, true},
		{"debug logs at info", LevelInfo, LevelDebug, false},
		{"info logs at info", LevelInfo, LevelInfo, true},
		{"info logs at warn", LevelWarn, LevelInfo, false},
		{"error logs at debug", LevelDebug, LevelError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := &Logger{minLevel: tt.minLevel}
			assert.Equal(t, tt.expected, logger.shouldLog(tt.logLevel))
		})
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel(" ERROR "))
	assert.Equal(t, LevelInfo, ParseLevel("chatty"))
}

// TestLogger_jsonFormat verifies field names on emitted lines.
func TestLogger_jsonFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	logger.Info("dose recorded", map[string]interface{}{"patient_id": "p-1"})
	logger.Error("drain item failed", errors.New("remote down"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)

	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "dose recorded", lines[0]["message"])
	assert.NotEmpty(t, lines[0]["timestamp"])
	ctx, ok := lines[0]["context"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "p-1", ctx["patient_id"])

	assert.Equal(t, "error", lines[1]["level"])
	assert.Equal(t, "remote down", lines[1]["error"])
}

// TestLogger_ErrorWithCode verifies the code lands in the context.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.ErrorWithCode("sync item failed", "SYNC_ITEM_ERROR", errors.New("timeout"),
		map[string]interface{}{"seq": 3})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	ctx := lines[0]["context"].(map[string]interface{})
	assert.Equal(t, "SYNC_ITEM_ERROR", ctx["code"])
	assert.EqualValues(t, 3, ctx["seq"])
}

// TestLogger_filtering verifies lines below the minimum level are dropped.
func TestLogger_filtering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["message"])
}

// TestLogger_getContext_multiple verifies context maps are merged.
func TestLogger_getContext_multiple(t *testing.T) {
	logger := &Logger{}
	merged := logger.getContext(
		map[string]interface{}{"a": 1},
		map[string]interface{}{"b": 2},
	)
	assert.Equal(t, map[string]interface{}{"a": 1, "b": 2}, merged)
	assert.Nil(t, logger.getContext())
}

// TestLogger_concurrentLogging verifies concurrent writers produce whole lines.
func TestLogger_concurrentLogging(t *testing.T) {
	var buf safeBuffer
	logger := New(&buf, LevelInfo)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.Info("tick", map[string]interface{}{"i": i})
		}(i)
	}
	wg.Wait()

	b := bytes.NewBufferString(buf.String())
	assert.Len(t, decodeLines(t, b), 20)
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *safeBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *safeBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}
