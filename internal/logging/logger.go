// Package logging wraps zap with a debug-aware constructor and two small
// conveniences: a context-scoped accessor and an Audit helper for records
// operators care about. No other package calls Ctx or Audit; callers use the
// embedded *zap.Logger directly.
package logging

import (
	"context"

	"go.uber.org/zap"
)

type Logger struct {
	*zap.Logger
}

type Option func(*options)

type options struct {
	debug bool
}

func WithDebug(debug bool) Option {
	return func(o *options) { o.debug = debug }
}

func New(opts ...Option) (*Logger, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	var zapCfg zap.Config
	if o.debug {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	zl, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: zl}, nil
}

// Ctx returns the logger to use within ctx. There is no request-scoped
// logger propagation in this repo, so it is currently a direct pass-through;
// kept as a method so call sites don't need to change if that changes.
func (l *Logger) Ctx(_ context.Context) *zap.Logger {
	return l.Logger
}

// Audit logs msg at info level tagged audit=true, for events operators
// should be able to filter on (claims, permanent failures, retries).
func (l *Logger) Audit(msg string, fields ...zap.Field) {
	l.Logger.Info(msg, append(fields, zap.Bool("audit", true))...)
}
