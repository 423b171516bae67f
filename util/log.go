package util

import (
	"context"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LogSource string

type logSourceKey struct{}

const (
	PipelineSource LogSource = "PIPELINE"
	SwapSource     LogSource = "SWAP"
	RecoverySource LogSource = "RECOVERY"
)

// WithLogSource tags ctx so entries logged with log.WithContext(ctx) carry a component field
func WithLogSource(ctx context.Context, source LogSource) context.Context {
	return context.WithValue(ctx, logSourceKey{}, source)
}

// InitLog parses and sets log-level input. Unless logPath is empty, "console" or
// "syslog", output is appended to logPath and rotated by size.
func InitLog(logLevel string, logPath string) error {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.Errorf("Failed parsing log-level %s: %s", logLevel, err)
		return err
	}

	switch logPath {
	case "", "console":
	case "syslog":
		AddSyslogHook()
	default:
		if err := os.MkdirAll(filepath.Dir(logPath), 0o750); err != nil {
			return err
		}
		lumberjackLogger := &lumberjack.Logger{
			// Log file absolute path, os agnostic
			Filename:   filepath.ToSlash(logPath),
			MaxSize:    5, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}
		log.SetOutput(io.Writer(lumberjackLogger))
	}

	log.SetFormatter(&CustomFormatter{
		TextFormatter: log.TextFormatter{FullTimestamp: true},
		pid:           os.Getpid(),
	})
	log.SetLevel(level)
	return nil
}

// CustomFormatter adds the process id and, when present, the component to every entry.
// Both the application and the swap helper append to the same log file, so the pid
// tells their entries apart.
type CustomFormatter struct {
	log.TextFormatter
	pid int
}

func (f *CustomFormatter) Format(entry *log.Entry) ([]byte, error) {
	entry.Data["pid"] = f.pid
	if entry.Context != nil {
		if source, ok := entry.Context.Value(logSourceKey{}).(LogSource); ok {
			entry.Data["component"] = string(source)
		}
	}
	return f.TextFormatter.Format(entry)
}
