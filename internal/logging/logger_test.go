package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestGet_WritesNamedCategory(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetCore(core)
	t.Cleanup(Reset)

	API("attempt %d for %s", 2, "counter")
	StagesWarn("batch %d missing", 3)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "api", entries[0].LoggerName)
	assert.Equal(t, "attempt 2 for counter", entries[0].Message)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "stages", entries[1].LoggerName)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
}

func TestGet_DisabledCategoryIsSilent(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetCore(core)
	t.Cleanup(Reset)

	mu.Lock()
	categories = map[string]bool{"salvage": false}
	loggers = make(map[Category]*Logger)
	mu.Unlock()

	SalvageWarn("should not appear")
	Schedule("visible")

	assert.False(t, IsCategoryEnabled(CategorySalvage))
	assert.True(t, IsCategoryEnabled(CategorySchedule))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "visible", logs.All()[0].Message)
}

func TestWith_AddsFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetCore(core)
	t.Cleanup(Reset)

	Get(CategoryPipeline).With("project", "p-1").Info("stage %s completed", "counter")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "p-1", fields["project"])
}

func TestInitialize_RejectsBadLevel(t *testing.T) {
	t.Cleanup(Reset)
	err := Initialize(Options{Level: "loud"})
	require.Error(t, err)
}

func TestTimer_StopWithThreshold(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetCore(core)
	t.Cleanup(Reset)

	timer := StartTimer(CategoryAPI, "generate")
	timer.start = time.Now().Add(-2 * time.Second)
	timer.StopWithThreshold(time.Second)

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, zapcore.WarnLevel, logs.All()[0].Level)
}
