package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWithOptionsLevels(t *testing.T) {
	tests := []struct {
		level string
		want  zap.AtomicLevel
	}{
		{"debug", zap.NewAtomicLevelAt(zap.DebugLevel)},
		{"warn", zap.NewAtomicLevelAt(zap.WarnLevel)},
		{"error", zap.NewAtomicLevelAt(zap.ErrorLevel)},
		{"bogus", zap.NewAtomicLevelAt(zap.InfoLevel)},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			l, err := NewWithOptions(Options{Level: tt.level, Encoding: "console", Stderr: true})
			require.NoError(t, err)
			assert.True(t, l.Core().Enabled(tt.want.Level()))
			assert.False(t, l.Core().Enabled(tt.want.Level()-1))
		})
	}
}

func TestNewReadsEnvironment(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("LOG_ENCODING", "console")
	l, err := New()
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zap.InfoLevel))
	assert.True(t, l.Core().Enabled(zap.WarnLevel))
}

func TestUnknownEncodingFails(t *testing.T) {
	_, err := NewWithOptions(Options{Encoding: "xml"})
	require.Error(t, err)
}
