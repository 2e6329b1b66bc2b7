package logger

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Type for the context keys
type contextKeyRunLoggerType struct{}

var contextKeyRunLogger = &contextKeyRunLoggerType{}

const (
	// runIDLoggerKey identifies one invocation of a workflow
	runIDLoggerKey string = "runID"
	thingLoggerKey string = "thing"
)

// InitLogger sets up the custom time formatter for all log statements.
func InitLogger(logLevel logrus.Level) {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02 15:04:05"
	customFormatter.FullTimestamp = true
	logrus.SetFormatter(customFormatter)
	logrus.SetLevel(logLevel)
}

// ParseLevel is logrus.ParseLevel with a fallback to info for empty or unknown levels.
func ParseLevel(level string) logrus.Level {
	l, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel
	}
	return l
}

// Default returns a logger without a run ID.
func Default() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

// ContextWithLogger returns a new context with a logger if the given context has no logger yet. If
// the context already has a logger the given context will be returned.
func ContextWithLogger(ctx context.Context) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	} else {
		rlog := loggerFromContext(ctx)
		if rlog != nil {
			return ctx, rlog
		}
	}
	id, _ := uuid.NewUUID()
	rlog := logrus.WithField(runIDLoggerKey, id.String())
	return context.WithValue(ctx, contextKeyRunLogger, rlog), rlog
}

// ContextWithLoggerIdentity returns a new context with a logger that carries the thing name.
func ContextWithLoggerIdentity(ctx context.Context, thing string) (context.Context, *logrus.Entry) {
	var rlog *logrus.Entry
	ctx, rlog = ContextWithLogger(ctx)
	if v, ok := rlog.Data[thingLoggerKey]; ok && v == thing {
		return ctx, rlog
	}
	rlog = rlog.WithField(thingLoggerKey, thing)
	return context.WithValue(ctx, contextKeyRunLogger, rlog), rlog
}

func loggerFromContext(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return nil
	}
	rlog, ok := ctx.Value(contextKeyRunLogger).(*logrus.Entry)
	if !ok {
		return nil
	}
	return rlog
}

// FromContext returns the logger from the context. If the context does not have a logger
// a new logger is returned. If the provided context is nil, the default logger will be
// returned.
func FromContext(ctx context.Context) *logrus.Entry {
	rlog := loggerFromContext(ctx)
	if rlog == nil {
		return Default()
	}
	return rlog
}

// RunIDFromContext returns the run id for the given context, or an empty string.
func RunIDFromContext(ctx context.Context) string {
	rlog := loggerFromContext(ctx)
	if rlog == nil {
		return ""
	}
	if s, ok := rlog.Data[runIDLoggerKey].(string); ok {
		return s
	}
	return ""
}
