// Package logger wraps logrus with the field helpers used across the engine.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls format, level and the optional rotating file sink.
type Config struct {
	Level      string
	Format     string
	Output     string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

type Logger struct {
	log *logrus.Logger
}

// New builds a logger from cfg. An empty Output or "stdout" logs to stdout,
// anything else is treated as a file path rotated by lumberjack.
func New(cfg Config) *Logger {
	log := logrus.New()

	switch strings.ToLower(cfg.Format) {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	}

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	var writer io.Writer
	if cfg.Output != "" && cfg.Output != "stdout" {
		writer = &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
			LocalTime:  true,
		}
	} else {
		writer = os.Stdout
	}
	log.SetOutput(writer)

	return &Logger{log: log}
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return &Logger{log: log}
}

// Logrus exposes the underlying logger for libraries that want one.
func (l *Logger) Logrus() *logrus.Logger {
	return l.log
}

func (l *Logger) Debug(msg string) { l.log.Debug(msg) }
func (l *Logger) Info(msg string)  { l.log.Info(msg) }
func (l *Logger) Warn(msg string)  { l.log.Warn(msg) }
func (l *Logger) Error(msg string) { l.log.Error(msg) }
func (l *Logger) Fatal(msg string) { l.log.Fatal(msg) }

func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.log.WithFields(fields)
}

func (l *Logger) WithError(err error) *logrus.Entry {
	return l.log.WithError(err)
}

func (l *Logger) WithRequestID(requestID string) *logrus.Entry {
	return l.log.WithField("request_id", requestID)
}

func (l *Logger) WithComponent(component string) *logrus.Entry {
	return l.log.WithField("component", component)
}

func (l *Logger) WithAccount(accountID string) *logrus.Entry {
	return l.log.WithField("account_id", accountID)
}

func (l *Logger) WithOrderID(orderID string) *logrus.Entry {
	return l.log.WithField("order_id", orderID)
}
