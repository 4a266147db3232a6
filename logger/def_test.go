package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogBeforeInit(t *testing.T) {
	assert.NotNil(t, Log())
	assert.NotNil(t, Named("pipeline"))
}

func TestInit(t *testing.T) {
	require.NoError(t, Init(Config{Level: "warn", Development: true}))
	assert.True(t, Log().Core().Enabled(zapcore.WarnLevel))
	assert.False(t, Log().Core().Enabled(zapcore.InfoLevel))
	assert.Same(t, Log(), zap.L())
	Sync()
}

func TestInit_BadLevel(t *testing.T) {
	assert.Error(t, Init(Config{Level: "loud"}))
}

func TestNamed(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	install(zap.New(core))

	Named("provider").Info("model downloaded")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "provider", logs.All()[0].LoggerName)
	assert.Equal(t, "model downloaded", logs.All()[0].Message)
}
