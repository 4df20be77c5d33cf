// Package logger is the structured logger of the sync engine. It wraps a
// logrus entry, travels through context.Context, and tags records with the
// job, entity kind and lock key they belong to.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// rotating is the file writer opened by NewFromEnv, closed by Sync.
var (
	rotating   io.Closer
	rotatingMu sync.Mutex
)

// Logger wraps logrus.Entry to provide structured logging with context support.
type Logger struct {
	*logrus.Entry
}

// Config holds logger configuration.
type Config struct {
	Level       string    // debug, info, warn, error
	Format      string    // json, text
	Output      io.Writer // nil means stdout
	ServiceName string
}

// New creates a Logger. A nil cfg logs JSON at info level to stdout.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = &Config{Level: "info", Format: "json", ServiceName: defaultService}
	}
	base := newBase(cfg.Level, cfg.Format)
	if cfg.Output != nil {
		base.SetOutput(cfg.Output)
	} else {
		base.SetOutput(os.Stdout)
	}
	return &Logger{Entry: base.WithField("service", cfg.ServiceName)}
}

// NewFromEnv creates a Logger from LOG_* variables. Outside the local
// environment it also writes to a rotated file when LOG_FILE is set.
func NewFromEnv(env *EnvConfig) *Logger {
	if env == nil {
		env = LoadFromEnv()
	}
	base := newBase(env.Level, env.Format)

	var writers []io.Writer
	if env.Environment == "local" || !env.LogFileOnly {
		writers = append(writers, os.Stdout)
	}
	if env.Environment != "local" && env.LogFile != "" {
		file := &lumberjack.Logger{
			Filename:   env.LogFile,
			MaxSize:    env.MaxSizeMB,
			MaxBackups: env.MaxBackups,
			MaxAge:     env.MaxAgeDays,
			Compress:   env.Compress,
		}
		writers = append(writers, file)

		rotatingMu.Lock()
		rotating = file
		rotatingMu.Unlock()
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}
	base.SetOutput(io.MultiWriter(writers...))

	return &Logger{Entry: base.WithField("service", env.ServiceName)}
}

// NewDefault is NewFromEnv(nil); commands call it once at startup.
func NewDefault() *Logger {
	return NewFromEnv(nil)
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *Logger {
	return New(&Config{Level: "panic", Format: "text", Output: io.Discard, ServiceName: "test"})
}

func newBase(level, format string) *logrus.Logger {
	log := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetReportCaller(true)

	if strings.EqualFold(format, "text") {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  timestampFormat,
			CallerPrettyfier: callerPrettyfier,
		})
		return log
	}
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: timestampFormat,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
		CallerPrettyfier: callerPrettyfier,
	})
	return log
}

// Sync closes the rotated log file, if one was opened.
func Sync() error {
	rotatingMu.Lock()
	defer rotatingMu.Unlock()
	if rotating == nil {
		return nil
	}
	return rotating.Close()
}

// WithFields returns a new Logger with additional fields.
func (l *Logger) WithFields(fields Fields) *Logger {
	return &Logger{Entry: l.Entry.WithFields(logrus.Fields(fields))}
}

// WithField returns a new Logger with a single additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{Entry: l.Entry.WithField(key, value)}
}

// WithError returns a new Logger with an error field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{Entry: l.Entry.WithError(err)}
}

// WithComponent returns a new Logger tagged with a component name.
func (l *Logger) WithComponent(name string) *Logger {
	return l.WithField(FieldComponent, name)
}

// callerPrettyfier trims callers to package.func and file:line.
func callerPrettyfier(frame *runtime.Frame) (function string, file string) {
	fn := frame.Function
	if idx := strings.LastIndex(fn, "/"); idx != -1 {
		fn = fn[idx+1:]
	}
	return fn, filepath.Base(frame.File) + ":" + strconv.Itoa(frame.Line)
}
