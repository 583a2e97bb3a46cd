package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(format Format, buf *bytes.Buffer) *Logger {
	cfg := DefaultConfig()
	cfg.Format = format
	cfg.EnableColors = false
	cfg.EnableTimestamp = false
	cfg.Output = buf
	return NewLogger(cfg)
}

func TestConsoleSortsFields(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(FormatConsole, &buf)

	l.WithFields(Fields{"worker_id": "w1", "job_id": "j1"}).Info("queue: claimed")

	assert.Equal(t, "[INFO ] queue: claimed job_id=j1 worker_id=w1\n", buf.String())
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(FormatConsole, &buf)
	l.SetLevel(LevelWarn)

	l.WithField("a", 1).Info("dropped")
	assert.Empty(t, buf.String())

	l.WithField("a", 1).Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(FormatJSON, &buf)

	l.WithError(errors.New("boom")).WithField("action", "reattached").Error("recovery: failed")

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "ERROR", out["level"])
	assert.Equal(t, "recovery: failed", out["message"])
	assert.Equal(t, "boom", out["error"])
	assert.Equal(t, "reattached", out["action"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelInfo, ParseLevel("nonsense"))
}

func TestFatalUsesExitFunc(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(FormatConsole, &buf)
	code := -1
	l.exitFunc = func(c int) { code = c }

	l.WithField("k", "v").Fatal("stop")
	assert.Equal(t, 1, code)
}
