package util

import (
	"io"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LogSource string

const (
	HTTPSource   LogSource = "HTTP"
	RelaySource  LogSource = "RELAY"
	SystemSource LogSource = "SYSTEM"
)

// InitLog parses and sets log-level input
func InitLog(logLevel string, logPath string) error {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.Errorf("Failed parsing log-level %s: %s", logLevel, err)
		return err
	}

	if logPath != "" && logPath != "console" {
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

	log.SetFormatter(&CustomFormatter{})
	log.SetLevel(level)
	return nil
}

// CustomFormatter formats the log message as required
type CustomFormatter struct {
	log.TextFormatter
}

func (f *CustomFormatter) Format(entry *log.Entry) ([]byte, error) {
	if entry.Context == nil {
		return f.TextFormatter.Format(entry)
	}

	source, _ := entry.Context.Value(SourceKey).(LogSource)
	switch source {
	case HTTPSource:
		return f.formatHTTPLog(entry)
	case RelaySource, SystemSource:
		return f.formatOwnerLog(entry)
	default:
		return f.TextFormatter.Format(entry)
	}
}

func (f *CustomFormatter) formatHTTPLog(entry *log.Entry) ([]byte, error) {
	if ctxReqID, ok := entry.Context.Value(RequestIDKey).(string); ok {
		entry.Data["requestID"] = ctxReqID
	}
	if ctxOwner, ok := entry.Context.Value(OwnerKey).(string); ok {
		entry.Data["owner"] = ctxOwner
	}

	return f.TextFormatter.Format(entry)
}

func (f *CustomFormatter) formatOwnerLog(entry *log.Entry) ([]byte, error) {
	if ctxOwner, ok := entry.Context.Value(OwnerKey).(string); ok {
		entry.Data["owner"] = ctxOwner
	}
	if ctxApp, ok := entry.Context.Value(AppKey).(string); ok {
		entry.Data["app"] = ctxApp
	}

	return f.TextFormatter.Format(entry)
}
