// Package logger 提供所有撮合服务进程共用的结构化日志器，底层是 zerolog。
package logger

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	traceIDKey ctxKey = "traceID"
	symbolKey  ctxKey = "symbol"
)

func init() {
	zerolog.TimestampFieldName = "timestamp"
}

// Logger 包装一个带固定 service 字段的 zerolog.Logger。
type Logger struct {
	logger zerolog.Logger
}

// New 创建一个绑定了 service 名称的日志器，w 为 nil 时写到 stdout。
func New(service string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	l := zerolog.New(w).With().
		Timestamp().
		Str("service", service).
		Logger()
	return &Logger{logger: l}
}

// WithContext 把上下文中携带的 traceID/symbol 绑定进日志字段。
func (l *Logger) WithContext(ctx context.Context) *Logger {
	updated := l.logger.With().
		Str("traceID", TraceIDFromContext(ctx)).
		Str("symbol", SymbolFromContext(ctx)).
		Logger()
	return &Logger{logger: updated}
}

func (l *Logger) Debug(msg string) { l.logger.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.logger.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.logger.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.logger.Error().Msg(msg) }

// Infof 带字段的 Info 日志。
func (l *Logger) Infof(msg string, fields map[string]interface{}) {
	event := l.logger.Info()
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// Warnf 带字段的 Warn 日志。
func (l *Logger) Warnf(msg string, fields map[string]interface{}) {
	event := l.logger.Warn()
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// Errorf 带字段的 Error 日志。
func (l *Logger) Errorf(msg string, fields map[string]interface{}) {
	event := l.logger.Error()
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// WithError 添加 err 字段，返回一个新的 Logger。
func (l *Logger) WithError(err error) *Logger {
	return &Logger{logger: l.logger.With().Err(err).Logger()}
}

// WithField 添加单个字段，返回一个新的 Logger。
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{logger: l.logger.With().Interface(key, value).Logger()}
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func ContextWithSymbol(ctx context.Context, symbol string) context.Context {
	return context.WithValue(ctx, symbolKey, symbol)
}

func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}

func SymbolFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(symbolKey).(string)
	return v
}
