package fulfillment

import (
	"context"

	"github.com/goliatone/go-logger/glog"
)

// GlogAdapter bridges a go-logger instance to the library Logger contract.
type GlogAdapter struct {
	logger glog.Logger
}

// NewGlogAdapter wraps a glog.Logger; nil falls back to FmtLogger.
func NewGlogAdapter(logger glog.Logger) Logger {
	if logger == nil {
		return NewFmtLogger(nil)
	}
	return GlogAdapter{logger: logger}
}

func (a GlogAdapter) Trace(msg string, args ...any) { a.logger.Trace(msg, args...) }
func (a GlogAdapter) Debug(msg string, args ...any) { a.logger.Debug(msg, args...) }
func (a GlogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a GlogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a GlogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a GlogAdapter) Fatal(msg string, args ...any) { a.logger.Fatal(msg, args...) }

func (a GlogAdapter) WithContext(ctx context.Context) Logger {
	if a.logger == nil {
		return NewFmtLogger(nil).WithContext(ctx)
	}
	return GlogAdapter{logger: a.logger.WithContext(ctx)}
}

// WithFields attaches structured fields when the wrapped logger supports them.
func (a GlogAdapter) WithFields(fields map[string]any) Logger {
	if a.logger == nil {
		return NewFmtLogger(nil).WithFields(fields)
	}
	if fl, ok := a.logger.(glog.FieldsLogger); ok {
		return GlogAdapter{logger: fl.WithFields(fields)}
	}
	return a
}
