package logger

import (
	"context"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// ctxKey is unexported so only this package can stash a logger in a context.
type ctxKey struct{}

// echoKey is the echo context key the middleware chain and handlers share
// for the request-scoped logger.
const echoKey = "logger"

// WithContext derives a context carrying the given logger. Worker
// goroutines pass it down so FromContext picks up their scoped fields.
func WithContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger carried by ctx, falling back to the
// global logger when none was attached.
func FromContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
		return l
	}
	return GetLogger()
}

// FromEcho returns the request-scoped logger stored by the middleware
// chain, falling back to the global logger.
func FromEcho(c echo.Context) *zap.Logger {
	if l, ok := c.Get(echoKey).(*zap.Logger); ok {
		return l
	}
	return GetLogger()
}

// SetEcho stores a request-scoped logger on the echo context so downstream
// middleware and handlers see its fields.
func SetEcho(c echo.Context, l *zap.Logger) {
	c.Set(echoKey, l)
}

// WithBot returns the context's logger annotated with the bot id, the
// field every per-bot log line carries.
func WithBot(ctx context.Context, botID string) *zap.Logger {
	return FromContext(ctx).With(zap.String("bot_id", botID))
}
