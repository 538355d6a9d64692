package translate

import (
	"context"
	"sync"
	"time"
)

// SlidingWindow 进程内滑动窗口计数器：任意 window 时长内最多放行 limit 次
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   []time.Time
	now    func() time.Time
}

// NewSlidingWindow 创建滑动窗口计数器
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:  limit,
		window: window,
		hits:   make([]time.Time, 0, limit),
		now:    time.Now,
	}
}

// Allow 检查并计数
func (w *SlidingWindow) Allow(ctx context.Context) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.window)

	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	w.hits = w.hits[i:]

	if len(w.hits) >= w.limit {
		return false
	}
	w.hits = append(w.hits, now)
	return true
}

// Remaining 当前窗口内剩余次数
func (w *SlidingWindow) Remaining() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-w.window)
	used := 0
	for _, t := range w.hits {
		if t.After(cutoff) {
			used++
		}
	}
	return w.limit - used
}
