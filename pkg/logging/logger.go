// Package logging 结构化日志
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// ContextKey 上下文键类型
type ContextKey string

const (
	TraceIDKey  ContextKey = "trace_id"
	SystemIDKey ContextKey = "system_id"
	UserKey     ContextKey = "user"
)

// Logger 结构化日志器
type Logger struct {
	*slog.Logger
	component string
}

// Config 日志配置
type Config struct {
	Level     string `json:"level"`
	Format    string `json:"format"` // json or text
	Output    string `json:"output"` // stdout, stderr, or file path
	Component string `json:"component"`
}

// New 创建新的日志器
func New(cfg Config) *Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			output = os.Stdout
		} else {
			output = f
		}
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{
		Logger:    slog.New(handler),
		component: cfg.Component,
	}
}

// Default 创建默认日志器
func Default(component string) *Logger {
	return New(Config{
		Level:     os.Getenv("LOG_LEVEL"),
		Format:    os.Getenv("LOG_FORMAT"),
		Output:    "stdout",
		Component: component,
	})
}

// WithContext 从上下文提取追踪信息
func (l *Logger) WithContext(ctx context.Context) *Logger {
	attrs := []any{slog.String("component", l.component)}

	if traceID, ok := ctx.Value(TraceIDKey).(string); ok && traceID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID))
	}
	if systemID, ok := ctx.Value(SystemIDKey).(string); ok && systemID != "" {
		attrs = append(attrs, slog.String("system_id", systemID))
	}
	if user, ok := ctx.Value(UserKey).(string); ok && user != "" {
		attrs = append(attrs, slog.String("user", user))
	}

	return &Logger{
		Logger:    l.Logger.With(attrs...),
		component: l.component,
	}
}

// WithSystemID 添加节点标识
func (l *Logger) WithSystemID(systemID string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("system_id", systemID)),
		component: l.component,
	}
}

// WithUser 添加请求者标识
func (l *Logger) WithUser(user string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("user", user)),
		component: l.component,
	}
}

// WithResource 添加镜像资源标识（os/arch/subarch/release）
func (l *Logger) WithResource(name string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("resource", name)),
		component: l.component,
	}
}

// WithError 添加错误信息
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{
		Logger:    l.Logger.With(slog.String("error", err.Error())),
		component: l.component,
	}
}

// WithDuration 添加持续时间
func (l *Logger) WithDuration(d time.Duration) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.Float64("duration_ms", float64(d.Milliseconds()))),
		component: l.component,
	}
}

// AllocationLog 节点分配日志
func (l *Logger) AllocationLog(action, systemID, user string, extra ...any) {
	attrs := []any{
		slog.String("action", action),
		slog.String("system_id", systemID),
		slog.String("user", user),
	}
	attrs = append(attrs, extra...)
	l.Logger.Info("Allocation event", attrs...)
}

// SyncLog 镜像同步日志
func (l *Logger) SyncLog(action, resource string, duration time.Duration, err error) {
	attrs := []any{
		slog.String("action", action),
		slog.String("resource", resource),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Warn("Sync event failed", attrs...)
	} else {
		l.Logger.Info("Sync event", attrs...)
	}
}
