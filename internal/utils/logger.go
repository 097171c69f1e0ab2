package utils

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents an enumeration of log levels
type LogLevel int

const (
	Critical LogLevel = 50
	Fatal    LogLevel = Critical
	Error    LogLevel = 40
	Warning  LogLevel = 30
	Info     LogLevel = 20
	Debug    LogLevel = 10
	NotSet   LogLevel = 0
)

// LogOptions configures the process-wide zap core
type LogOptions struct {
	Level string

	// File enables a rotating JSON log file next to stdout/stderr
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	baseMu    sync.RWMutex
	base      = zap.NewNop()
	baseLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
)

// InitLogging builds the base logger every component logger derives from.
// Debug and Info go to stdout, Warn and above to stderr.
func InitLogging(opts LogOptions) *zap.Logger {
	baseLevel.SetLevel(ParseLogLevel(opts.Level).zapLevel())

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.MessageKey = "message"
	encCfg.TimeKey = "ts"
	encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	encCfg.EncodeCaller = zapcore.ShortCallerEncoder
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	stdoutLevel := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return baseLevel.Enabled(l) && l < zapcore.WarnLevel
	})
	stderrLevel := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return baseLevel.Enabled(l) && l >= zapcore.WarnLevel
	})

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), stdoutLevel),
		zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), stderrLevel),
	}

	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), baseLevel))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zap.ErrorLevel))
	SetBaseLogger(logger)
	return logger
}

// SetBaseLogger replaces the base logger. Loggers created earlier keep the old one.
func SetBaseLogger(logger *zap.Logger) {
	baseMu.Lock()
	defer baseMu.Unlock()
	base = logger
}

// SetLogLevel sets the logging level of the base logger
func SetLogLevel(logLevel LogLevel) {
	baseLevel.SetLevel(logLevel.zapLevel())
}

// ParseLogLevel maps a config string to a LogLevel, defaulting to Info
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug
	case "warn", "warning":
		return Warning
	case "error":
		return Error
	case "critical", "fatal":
		return Critical
	default:
		return Info
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch {
	case l >= Critical:
		return zapcore.FatalLevel
	case l >= Error:
		return zapcore.ErrorLevel
	case l >= Warning:
		return zapcore.WarnLevel
	case l >= Info:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// Logger provides structured logging with context
type Logger struct {
	prefix string
	sugar  *zap.SugaredLogger
}

// NewLogger creates a new logger with a given prefix
func NewLogger(prefix string) *Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return NewLoggerFrom(base, prefix)
}

// NewLoggerFrom derives a prefixed logger from an explicit zap logger
func NewLoggerFrom(logger *zap.Logger, prefix string) *Logger {
	return &Logger{
		prefix: prefix,
		sugar:  logger.Named(prefix).Sugar(),
	}
}

// With returns a child logger that always carries the given key-value pairs
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{prefix: l.prefix, sugar: l.sugar.With(keyvals...)}
}

// Info logs an informational message
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.sugar.Infow(msg, keyvals...)
}

// Error logs an error message
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.sugar.Errorw(msg, keyvals...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.sugar.Warnw(msg, keyvals...)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.sugar.Debugw(msg, keyvals...)
}

// Sync flushes buffered log entries
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}
