package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestConfigure(t *testing.T) {
	prev := Log
	t.Cleanup(func() { Log = prev })

	require.NoError(t, Configure(" DEBUG ", true))
	assert.True(t, Log.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, Named("gateway").Core().Enabled(zapcore.DebugLevel))

	require.NoError(t, Configure("warn", false))
	assert.False(t, Named("gateway").Core().Enabled(zapcore.InfoLevel))

	assert.Error(t, Configure("loud", false))
}
