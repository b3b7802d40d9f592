package logx

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNopDiscardsEverything(t *testing.T) {
	var n Nop
	assert.False(t, n.IsEnabled(LevelError))
	n.Log(Entry{Level: LevelError, Message: "should be discarded"})
}

func TestWriterRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(LevelWarn, &buf)

	require.False(t, w.IsEnabled(LevelDebug))
	w.Log(Entry{Level: LevelDebug, Component: "heap", Message: "ignored"})
	assert.Empty(t, buf.String())

	w.Log(Entry{Level: LevelError, Component: "heap", Message: "boom", Err: errors.New("corrupt")})
	out := buf.String()
	assert.Contains(t, out, "ERROR")
	assert.Contains(t, out, "[heap]")
	assert.Contains(t, out, "boom")
	assert.Contains(t, out, "corrupt")
}

func TestScopedBindsComponent(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(LevelDebug, &buf)
	s := With(w, "blacklist")

	s.Info("entry added", map[string]any{"eui64": "aabbccdd"})
	assert.True(t, strings.Contains(buf.String(), "[blacklist]"))
	assert.True(t, strings.Contains(buf.String(), "entry added"))
}

func TestWithNilLoggerIsSafe(t *testing.T) {
	s := With(nil, "mac")
	s.Warn("no panic", nil)
	s.Error("no panic", errors.New("x"), nil)
}
