// Package log provides the logging functionality for gpuprof.
//
// The profiler runs inside the host application, so the default logger
// writes to stderr and never to stdout.
package log

import (
	"context"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var Logger *ProfLogger

var nopLogger = zap.NewNop().Sugar()

func init() {
	Logger = CreateLoggerWithConfig(DefaultLoggerConfig())
}

func DefaultLoggerConfig() *zap.Config {
	c := zap.NewProductionConfig()
	c.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	c.OutputPaths = []string{"stderr"}
	c.ErrorOutputPaths = []string{"stderr"}
	return &c
}

// ParseLogLevel parses the level string accepted by the CLI flags.
// Empty string means info.
func ParseLogLevel(logLevel string) (zap.AtomicLevel, error) {
	lvl := zap.NewAtomicLevel()
	if logLevel == "" || logLevel == "info" {
		return lvl, nil
	}
	return zap.ParseAtomicLevel(logLevel)
}

// CreateLogger creates a logger at the given level. When logFile is set,
// the output is rotated by lumberjack instead of going to stderr.
func CreateLogger(logLevel zap.AtomicLevel, logFile string) *ProfLogger {
	if logFile != "" {
		return createRotatingLogger(logFile, 64, logLevel.Level())
	}

	cfg := DefaultLoggerConfig()
	cfg.Level = logLevel
	return CreateLoggerWithConfig(cfg)
}

func createRotatingLogger(logFile string, maxSizeMB int, lvl zapcore.Level) *ProfLogger {
	w := zapcore.AddSync(&lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    maxSizeMB,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	})

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), w, lvl)
	return newProfLogger(zap.New(core).Sugar())
}

func CreateLoggerWithConfig(config *zap.Config) *ProfLogger {
	if config == nil {
		config = DefaultLoggerConfig()
	}

	l, err := config.Build()
	if err != nil {
		panic(err)
	}
	return newProfLogger(l.Sugar())
}

// ProfLogger is swappable at runtime so that packages holding
// log.Logger keep logging after the CLI reconfigures it.
type ProfLogger struct {
	logger atomic.Pointer[zap.SugaredLogger]
}

func newProfLogger(logger *zap.SugaredLogger) *ProfLogger {
	l := &ProfLogger{}
	l.set(logger)
	return l
}

func (l *ProfLogger) get() *zap.SugaredLogger {
	if l == nil {
		return nopLogger
	}
	if logger := l.logger.Load(); logger != nil {
		return logger
	}
	return nopLogger
}

func (l *ProfLogger) set(logger *zap.SugaredLogger) {
	if logger == nil {
		logger = nopLogger
	}
	l.logger.Store(logger)
}

// SetLogger replaces the underlying logger of the global Logger.
func SetLogger(logger *ProfLogger) {
	if logger == nil {
		Logger.set(nil)
		return
	}
	Logger.set(logger.get())
}

// Errorw logs context cancellation at warn level, since a canceled
// session is a normal shutdown path.
func (l *ProfLogger) Errorw(msg string, keysAndValues ...interface{}) {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if keysAndValues[i] != "error" {
			continue
		}
		if err, ok := keysAndValues[i+1].(error); ok && strings.Contains(err.Error(), context.Canceled.Error()) {
			l.Warnw(msg, keysAndValues...)
			return
		}
	}
	l.get().Errorw(msg, keysAndValues...)
}

func (l *ProfLogger) Debugw(msg string, keysAndValues ...interface{}) {
	l.get().Debugw(msg, keysAndValues...)
}

func (l *ProfLogger) Debugf(template string, args ...interface{}) {
	l.get().Debugf(template, args...)
}

func (l *ProfLogger) Infow(msg string, keysAndValues ...interface{}) {
	l.get().Infow(msg, keysAndValues...)
}

func (l *ProfLogger) Infof(template string, args ...interface{}) {
	l.get().Infof(template, args...)
}

func (l *ProfLogger) Warnw(msg string, keysAndValues ...interface{}) {
	l.get().Warnw(msg, keysAndValues...)
}

func (l *ProfLogger) Warnf(template string, args ...interface{}) {
	l.get().Warnf(template, args...)
}

func (l *ProfLogger) Errorf(template string, args ...interface{}) {
	l.get().Errorf(template, args...)
}

// With returns a child logger carrying the given fields,
// e.g. log.Logger.With("session", id).
func (l *ProfLogger) With(args ...interface{}) *zap.SugaredLogger {
	return l.get().With(args...)
}

func (l *ProfLogger) Desugar() *zap.Logger {
	return l.get().Desugar()
}
