package connection

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultIdleTimeout   = 90 * time.Second
	defaultCheckInterval = 30 * time.Second
)

// HeartbeatChecker 定期关闭长时间无任何帧的连接。
// 关闭后读循环退出，下线、清理输入状态等由会话层完成。
type HeartbeatChecker struct {
	manager       *Manager
	timeout       time.Duration
	checkInterval time.Duration
	logger        *slog.Logger
}

func NewHeartbeatChecker(manager *Manager, timeout, checkInterval time.Duration, logger *slog.Logger) *HeartbeatChecker {
	if timeout <= 0 {
		timeout = defaultIdleTimeout
	}
	if checkInterval <= 0 {
		checkInterval = defaultCheckInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatChecker{
		manager:       manager,
		timeout:       timeout,
		checkInterval: checkInterval,
		logger:        logger,
	}
}

// Start 阻塞运行直到 ctx 取消
func (h *HeartbeatChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()

	h.logger.Info("Heartbeat checker started", "timeout", h.timeout, "check_interval", h.checkInterval)
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Heartbeat checker stopped")
			return
		case now := <-ticker.C:
			h.reap(now)
		}
	}
}

// reap 关闭 now-timeout 之前就不再活跃的连接，返回被关闭连接的身份
func (h *HeartbeatChecker) reap(now time.Time) []string {
	idle := h.manager.IdleSince(now.Add(-h.timeout))
	if len(idle) == 0 {
		return nil
	}

	identities := make([]string, 0, len(idle))
	for _, conn := range idle {
		h.logger.Debug("Closing idle connection",
			"conn_id", conn.ID(),
			"user_id", conn.IdentityID(),
			"last_active", conn.LastActiveTime(),
			"connected_for", now.Sub(conn.CreateTime()))
		conn.CloseWithReason(websocket.CloseGoingAway, "heartbeat timeout")
		h.manager.Remove(conn)
		identities = append(identities, conn.IdentityID())
	}
	h.logger.Info("Idle connections closed", "count", len(idle), "remaining", h.manager.Count())
	return identities
}
