// Package translate 翻译覆盖层：限流、尽力而为，任何失败都退化为原文
package translate

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Backend 翻译服务
type Backend interface {
	Translate(ctx context.Context, text, from, to string) (string, error)
}

// Limiter 共享请求计数器，检查与计数必须是原子的
type Limiter interface {
	Allow(ctx context.Context) bool
}

// Result 翻译结果，Translated 仅在服务成功且译文与原文不同时为 true
type Result struct {
	Text       string
	Translated bool
}

// Overlay 翻译覆盖层
type Overlay struct {
	backend Backend
	limiter Limiter
	timeout time.Duration
	logger  *slog.Logger
}

// NewOverlay 创建翻译覆盖层，backend 为 nil 时始终返回原文
func NewOverlay(backend Backend, limiter Limiter, timeout time.Duration, logger *slog.Logger) *Overlay {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Overlay{
		backend: backend,
		limiter: limiter,
		timeout: timeout,
		logger:  logger,
	}
}

// Translate 翻译文本，从不返回错误
func (o *Overlay) Translate(ctx context.Context, text, from, to string) Result {
	original := Result{Text: text}
	if from == to || o.backend == nil || strings.TrimSpace(text) == "" {
		return original
	}

	if o.limiter != nil && !o.limiter.Allow(ctx) {
		o.logger.Debug("Translation rate limited", "from", from, "to", to)
		return original
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	translated, err := o.backend.Translate(ctx, text, from, to)
	if err != nil {
		o.logger.Warn("Translation failed", "from", from, "to", to, "error", err)
		return original
	}

	translated = cleanOutput(translated)
	if translated == "" || translated == text {
		return original
	}
	return Result{Text: translated, Translated: true}
}

// cleanOutput 去除首尾空白及模型添加的引号
func cleanOutput(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 0 && (s[0] == '"' || s[0] == '\'') {
		s = s[1:]
	}
	if n := len(s); n > 0 && (s[n-1] == '"' || s[n-1] == '\'') {
		s = s[:n-1]
	}
	return s
}
