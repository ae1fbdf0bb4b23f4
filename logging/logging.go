// Package logging builds the process logger. Nothing is ever written to
// stdout: stdout carries the protocol stream.
package logging

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/m4xw311/acprelay/errors"
)

// DefaultTracePath is where protocol traces go when tracing is enabled.
const DefaultTracePath = "acp.trace"

type Options struct {
	Level     string
	Trace     bool
	TracePath string
	// Output defaults to stderr.
	Output io.Writer
}

// New returns a JSON logger on Output and, when tracing, a debug-level
// console tee into the trace file. The returned closer flushes the logger
// and closes the trace file.
func New(opts Options) (*zap.Logger, func() error, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, nil, errors.Wrapf(err, "invalid log level %q", opts.Level)
		}
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(zapcore.AddSync(out)), level),
	}

	var traceFile *os.File
	if opts.Trace {
		path := opts.TracePath
		if path == "" {
			path = DefaultTracePath
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "open trace file %s", path)
		}
		traceFile = f
		traceCfg := zap.NewDevelopmentEncoderConfig()
		traceCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(traceCfg), zapcore.Lock(f), zapcore.DebugLevel))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	closer := func() error {
		_ = logger.Sync()
		if traceFile != nil {
			return traceFile.Close()
		}
		return nil
	}
	return logger, closer, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
