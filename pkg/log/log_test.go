package log

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{in: "", want: zapcore.InfoLevel},
		{in: "info", want: zapcore.InfoLevel},
		{in: "debug", want: zapcore.DebugLevel},
		{in: "warn", want: zapcore.WarnLevel},
		{in: "bogus", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			lvl, err := ParseLogLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, lvl.Level())
		})
	}
}

func TestErrorwDowngradesCanceled(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := newProfLogger(zap.New(core).Sugar())

	l.Errorw("poll failed", "error", fmt.Errorf("read: %w", context.Canceled))
	l.Errorw("poll failed", "error", fmt.Errorf("boom"))

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
}

func TestNilLoggerIsNop(t *testing.T) {
	var l *ProfLogger
	assert.NotPanics(t, func() {
		l.Infow("hello")
		l.Errorw("hello", "error")
	})
}

func TestCreateLoggerWithFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "gpuprof.log")
	l := CreateLogger(zap.NewAtomicLevelAt(zapcore.DebugLevel), f)
	require.NotNil(t, l)
	l.Debugw("written to file")
}
