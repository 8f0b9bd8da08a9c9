// Package commons provides the structured logger shared by every long-lived
// dataplane component. It mirrors the construction pattern used throughout
// the ScreamRouter codebase: a small functional-options constructor wrapping
// zap's sugared logger.
package commons

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logging surface consumed by every component in
// this repository. Components accept a Logger rather than a concrete zap
// type so tests can swap in a temp-dir logger or a no-op one.
type Logger interface {
	Debug(args ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Info(args ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warn(args ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Error(args ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Fatal(args ...interface{})
	Fatalw(msg string, keysAndValues ...interface{})
	// With returns a child logger that always carries the given key/value pairs.
	With(keysAndValues ...interface{}) Logger
}

type sugaredLogger struct {
	s *zap.SugaredLogger
}

func (l *sugaredLogger) Debug(args ...interface{})                        { l.s.Debug(args...) }
func (l *sugaredLogger) Debugw(msg string, kv ...interface{})              { l.s.Debugw(msg, kv...) }
func (l *sugaredLogger) Info(args ...interface{})                          { l.s.Info(args...) }
func (l *sugaredLogger) Infow(msg string, kv ...interface{})               { l.s.Infow(msg, kv...) }
func (l *sugaredLogger) Warn(args ...interface{})                          { l.s.Warn(args...) }
func (l *sugaredLogger) Warnw(msg string, kv ...interface{})               { l.s.Warnw(msg, kv...) }
func (l *sugaredLogger) Error(args ...interface{})                         { l.s.Error(args...) }
func (l *sugaredLogger) Errorw(msg string, kv ...interface{})              { l.s.Errorw(msg, kv...) }
func (l *sugaredLogger) Fatal(args ...interface{})                         { l.s.Fatal(args...) }
func (l *sugaredLogger) Fatalw(msg string, kv ...interface{})              { l.s.Fatalw(msg, kv...) }
func (l *sugaredLogger) With(kv ...interface{}) Logger {
	return &sugaredLogger{s: l.s.With(kv...)}
}

// Option configures NewApplicationLogger.
type Option func(*loggerConfig)

type loggerConfig struct {
	name  string
	path  string
	level string
}

// Name sets the logger's component name, attached to every line as "logger".
func Name(name string) Option { return func(c *loggerConfig) { c.name = name } }

// Path sets a directory to additionally write JSON logs to, in
// "<path>/<name>.log". When empty, only console output is configured.
func Path(path string) Option { return func(c *loggerConfig) { c.path = path } }

// Level sets the minimum log level ("debug", "info", "warn", "error").
func Level(level string) Option { return func(c *loggerConfig) { c.level = level } }

// NewApplicationLogger builds a Logger. With no options it returns a
// console-only, info-level logger suitable for tests.
func NewApplicationLogger(opts ...Option) (Logger, error) {
	cfg := loggerConfig{name: "screamrouter", level: "info"}
	for _, opt := range opts {
		opt(&cfg)
	}

	level := zapcore.InfoLevel
	if err := level.Set(cfg.level); err != nil {
		level = zapcore.InfoLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(encoderCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(zapcore.AddSync(os.Stdout)), level),
	}

	if cfg.path != "" {
		sink, _, err := zap.Open(filepath.Join(cfg.path, cfg.name+".log"))
		if err != nil {
			return nil, fmt.Errorf("commons: opening log file: %w", err)
		}
		jsonEncoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(jsonEncoder, sink, level))
	}

	core := zapcore.NewTee(cores...)
	base := zap.New(core).Named(cfg.name)
	return &sugaredLogger{s: base.Sugar()}, nil
}
