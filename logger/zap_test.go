package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLoggerFieldsAndChildren(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	l := FromZap(zap.New(core))

	child := l.With(map[string]any{"payment_id": "p1"})
	child.Info("settlement completed", map[string]any{"status": 200, "err": errors.New("boom")})
	l.Debug("plain", nil)

	entries := logs.All()
	require.Len(t, entries, 2)

	ctx := entries[0].ContextMap()
	assert.Equal(t, "settlement completed", entries[0].Message)
	assert.Equal(t, "p1", ctx["payment_id"])
	assert.EqualValues(t, 200, ctx["status"])
	assert.Equal(t, "boom", ctx["err"])

	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)
	assert.Empty(t, entries[1].ContextMap())
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("info"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}

func TestNewZapLogger(t *testing.T) {
	t.Parallel()
	l, err := NewZapLogger("warn")
	require.NoError(t, err)
	l.Info("dropped", nil)

	var _ Logger = l
	var _ Logger = NoopLogger{}
	assert.Equal(t, NoopLogger{}, NoopLogger{}.With(map[string]any{"a": 1}))
}
