package commons

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the application-wide structured logger. Every component takes
// one by injection; nothing logs through package-level state.
type Logger interface {
	Debug(args ...interface{})
	Debugf(template string, args ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warn(args ...interface{})
	Warnf(template string, args ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Error(args ...interface{})
	Errorf(template string, args ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Sync() error
}

type applicationLogger struct {
	*zap.SugaredLogger
}

// LoggerOption customises the logger built by NewApplicationLogger.
type LoggerOption func(*loggerOptions)

type loggerOptions struct {
	level    string
	filePath string
}

// WithLevel sets the minimum log level ("debug", "info", "warn", "error").
func WithLevel(level string) LoggerOption {
	return func(o *loggerOptions) { o.level = level }
}

// WithLogFile enables a rotating file sink next to the console output.
func WithLogFile(path string) LoggerOption {
	return func(o *loggerOptions) { o.filePath = path }
}

// NewApplicationLogger builds a sugared zap logger writing to stdout and,
// when configured, to a size-rotated file.
func NewApplicationLogger(opts ...LoggerOption) (Logger, error) {
	options := &loggerOptions{level: "info"}
	for _, opt := range opts {
		opt(options)
	}

	level := zapcore.InfoLevel
	switch strings.ToLower(options.level) {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderCfg),
			zapcore.Lock(os.Stdout),
			level,
		),
	}
	if options.filePath != "" {
		fileSink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   options.filePath,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		})
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			fileSink,
			level,
		))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return &applicationLogger{logger.Sugar()}, nil
}
