// Package logging 初始化结构化日志
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// ParseLevel 解析日志级别，未知值按 info 处理
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup 创建日志器：默认 JSON 输出到 stdout；
// 配置了 file 时同时输出文本到 stderr、JSON 到文件。
// 返回的 cleanup 负责关闭文件。
func Setup(level, file string) (*slog.Logger, func() error) {
	lvl := ParseLevel(level)
	if file == "" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})), func() error { return nil }
	}

	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})

	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger := slog.New(stderrHandler)
		logger.Error("Failed to open log file, using stderr only", "error", err, "file", file)
		return logger, func() error { return nil }
	}

	logger := NewFanout(os.Stderr, f, lvl)
	return logger, f.Close
}

// NewFanout 文本输出到 console，JSON 输出到 sink
func NewFanout(console, sink io.Writer, level slog.Level) *slog.Logger {
	consoleHandler := slog.NewTextHandler(console, &slog.HandlerOptions{Level: level})
	sinkHandler := slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(consoleHandler, sinkHandler))
}
