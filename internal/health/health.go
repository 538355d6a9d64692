package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

const (
	StatusConnected     = "connected"
	StatusDisconnected  = "disconnected"
	StatusNotConfigured = "not configured"
)

// Status 健康状态
type Status struct {
	Service     string `json:"service"`
	Store       string `json:"store"`
	NATS        string `json:"nats"`
	Redis       string `json:"redis"`
	Connections int    `json:"connections"`
}

// Pinger 存储连通性检查
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnectionCounter 连接计数器接口
type ConnectionCounter interface {
	Count() int
}

// Checker 健康检查器
type Checker struct {
	store       Pinger
	nc          *nats.Conn
	redisClient *redis.Client
	connCounter ConnectionCounter
}

// NewChecker 创建健康检查器，nc 和 redisClient 未启用时传 nil
func NewChecker(store Pinger, nc *nats.Conn, redisClient *redis.Client, connCounter ConnectionCounter) *Checker {
	return &Checker{
		store:       store,
		nc:          nc,
		redisClient: redisClient,
		connCounter: connCounter,
	}
}

// Check 执行健康检查
func (h *Checker) Check(ctx context.Context) *Status {
	status := &Status{
		Service: "chatsync",
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	// 检查存储
	if h.store != nil {
		if err := h.store.Ping(ctx); err == nil {
			status.Store = StatusConnected
		} else {
			status.Store = StatusDisconnected
		}
	} else {
		status.Store = StatusNotConfigured
	}

	// 检查 NATS
	switch {
	case h.nc == nil:
		status.NATS = StatusNotConfigured
	case h.nc.IsConnected():
		status.NATS = StatusConnected
	default:
		status.NATS = StatusDisconnected
	}

	// 检查 Redis
	if h.redisClient != nil {
		if err := h.redisClient.Ping(ctx).Err(); err == nil {
			status.Redis = StatusConnected
		} else {
			status.Redis = StatusDisconnected
		}
	} else {
		status.Redis = StatusNotConfigured
	}

	// 连接数
	if h.connCounter != nil {
		status.Connections = h.connCounter.Count()
	}

	return status
}

// Ready 已配置的依赖全部可用
func (s *Status) Ready() bool {
	return s.Store != StatusDisconnected &&
		s.NATS != StatusDisconnected &&
		s.Redis != StatusDisconnected
}

// IsHealthy 检查是否健康
func (h *Checker) IsHealthy(ctx context.Context) bool {
	return h.Check(ctx).Ready()
}

// ServeHTTP HTTP 就绪检查端点
func (h *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if !status.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(status)
}
