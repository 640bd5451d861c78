// Package logging wires per-subsystem logrus loggers instead of a single
// package-level global, threaded into every subsystem's constructor.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Level is one of the single-letter log level config values: f,e,w,i,d,v,n.
type Level string

const (
	LevelFatal   Level = "f"
	LevelError   Level = "e"
	LevelWarning Level = "w"
	LevelInfo    Level = "i"
	LevelDebug   Level = "d"
	LevelVerbose Level = "v"
	LevelNone    Level = "n"
)

func (l Level) toLogrus() logrus.Level {
	switch l {
	case LevelFatal:
		return logrus.FatalLevel
	case LevelError:
		return logrus.ErrorLevel
	case LevelWarning:
		return logrus.WarnLevel
	case LevelInfo:
		return logrus.InfoLevel
	case LevelDebug:
		return logrus.DebugLevel
	case LevelVerbose:
		return logrus.TraceLevel
	case LevelNone:
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}

// Root is the node-wide logrus instance; subsystem loggers are derived from
// it via For so every line carries a "subsystem" field.
type Root struct {
	base *logrus.Logger
}

func NewRoot(level Level) *Root {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetLevel(level.toLogrus())
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Root{base: base}
}

// For returns a subsystem-scoped logger, e.g. logging.NewRoot(...).For("chaman").
func (r *Root) For(subsystem string) logrus.FieldLogger {
	return r.base.WithField("subsystem", subsystem)
}
