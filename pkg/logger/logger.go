// Package logger provides opinionated logging for the engram vault engine.
package logger

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a colorized console logger writing to stdout. Used by
// the CLI entrypoint and interactive tooling.
func NewLogger(debug bool) *zap.Logger {
	return NewLoggerWithWriters(debug, false, os.Stdout)
}

// NewServerLogger returns a JSON-encoded logger for the HTTP server, where
// output is consumed by log shippers rather than humans.
func NewServerLogger(debug bool) *zap.Logger {
	return NewLoggerWithWriters(debug, true, os.Stdout)
}

// NewLoggerWithWriters builds a logger fanning out to the given writers.
// The json flag selects the structured encoder over the console encoder.
func NewLoggerWithWriters(debug bool, json bool, writers ...io.Writer) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if json {
		encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	level := zap.InfoLevel
	if debug {
		level = zap.DebugLevel
	}

	if len(writers) == 0 {
		writers = []io.Writer{os.Stdout}
	}

	syncers := make([]zapcore.WriteSyncer, 0, len(writers))
	for _, writer := range writers {
		syncers = append(syncers, zapcore.AddSync(writer))
	}

	core := zapcore.NewCore(
		encoder,
		zapcore.NewMultiWriteSyncer(syncers...),
		level,
	)

	return zap.New(core, zap.AddCaller())
}
