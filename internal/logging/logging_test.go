package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	l, err := New("warn", "json")
	require.NoError(t, err)
	require.True(t, l.Core().Enabled(zapcore.WarnLevel))
	require.False(t, l.Core().Enabled(zapcore.InfoLevel))

	l, err = New("DEBUG", "console")
	require.NoError(t, err)
	require.True(t, l.Core().Enabled(zapcore.DebugLevel))

	_, err = New("loud", "console")
	require.Error(t, err)

	require.NotNil(t, OrNop(nil))
}
