package logger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	l, err := New("debug", "console")
	require.NoError(t, err)
	assert.True(t, l.Desugar().Core().Enabled(zapcore.DebugLevel))

	l, err = New("WARN", "")
	require.NoError(t, err)
	assert.False(t, l.Desugar().Core().Enabled(zapcore.InfoLevel))

	_, err = New("loud", "json")
	assert.Error(t, err)
	_, err = New("info", "xml")
	assert.Error(t, err)
}

func TestContextLoggerCopiesKnownFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := context.WithValue(context.Background(), "client_id", "notebook-1")
	ctx = context.WithValue(ctx, "entity_id", "e7")
	ctx = context.WithValue(ctx, "unrelated", "x")

	cl.LogRequest(ctx, "GET", "/api/v1/entities", 200, 3)
	cl.LogError(context.Background(), errors.New("boom"), "save failed")

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)

	fields := entries[0].ContextMap()
	assert.Equal(t, "notebook-1", fields["client_id"])
	assert.Equal(t, "e7", fields["entity_id"])
	assert.NotContains(t, fields, "unrelated")
	assert.Equal(t, "GET", fields["method"])

	assert.Equal(t, "save failed", entries[1].Message)
	assert.Equal(t, "boom", entries[1].ContextMap()["error"])
}
