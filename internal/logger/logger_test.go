package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return NewWithCore(core), logs
}

func TestLevelsAndFields(t *testing.T) {
	log, logs := observed(zapcore.DebugLevel)
	log.Debug("operation completed", "operation", "create_batch")
	log.Info("store opened", "driver", "sqlite")
	log.Warn("counter drift", "batch_id", "BATCH001")
	log.Error("operation failed", "operation", "approve_batch", "error", "boom")

	entries := logs.AllUntimed()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
	assert.Equal(t, "BATCH001", entries[2].ContextMap()["batch_id"])
	assert.Equal(t, "approve_batch", entries[3].ContextMap()["operation"])
}

func TestLevelFiltering(t *testing.T) {
	log, logs := observed(zapcore.InfoLevel)
	log.Debug("hidden")
	log.Info("shown")
	assert.Equal(t, 0, logs.FilterMessage("hidden").Len())
	assert.Equal(t, 1, logs.FilterMessage("shown").Len())
}

func TestRedactsCredentialKeys(t *testing.T) {
	log, logs := observed(zapcore.DebugLevel)
	log.Info("connect",
		"postgres_dsn", "postgres://user:pw@db/shelflife",
		"Secret_Access_Key", "abc",
		"api_token", "t0k",
		"driver", "postgres",
	)
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "[REDACTED]", fields["postgres_dsn"])
	assert.Equal(t, "[REDACTED]", fields["Secret_Access_Key"])
	assert.Equal(t, "[REDACTED]", fields["api_token"])
	assert.Equal(t, "postgres", fields["driver"])
}

func TestWithAddsSanitizedContext(t *testing.T) {
	log, logs := observed(zapcore.DebugLevel)
	child := log.With("component", "backup", "password", "hunter2")
	child.Info("snapshot written", "key", "snapshots/1.json")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "backup", fields["component"])
	assert.Equal(t, "[REDACTED]", fields["password"])
	assert.Equal(t, "snapshots/1.json", fields["key"])
}

func TestSanitizeKVs(t *testing.T) {
	assert.Empty(t, sanitizeKVs(nil))
	assert.Equal(t, []any{"count", 3, "dangling"}, sanitizeKVs([]any{"count", 3, "dangling"}))
	assert.Equal(t, []any{"7", "x"}, sanitizeKVs([]any{7, "x"}))
}

func TestConstructors(t *testing.T) {
	for _, mode := range []string{"development", "DEV", "production", ""} {
		log, err := New(mode)
		require.NoError(t, err, mode)
		require.NotNil(t, log.SugaredLogger)
	}
	dev, err := New("development")
	require.NoError(t, err)
	assert.True(t, dev.SugaredLogger.Desugar().Core().Enabled(zapcore.DebugLevel))
	prod, err := New("production")
	require.NoError(t, err)
	assert.False(t, prod.SugaredLogger.Desugar().Core().Enabled(zapcore.DebugLevel))

	nop := NewNop()
	nop.Info("discarded")
	nop.Sync()
}
