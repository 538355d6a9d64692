package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sudooom.im.chatsync/internal/config"
	"sudooom.im.chatsync/internal/model"
)

const (
	// KeyPrefix 在线状态 Redis Key 前缀
	// Key: chatsync:presence:{userId}
	KeyPrefix = "chatsync:presence:"

	// RecordTTL 离线记录保留时长（用于最后在线时间查询）
	RecordTTL = 24 * time.Hour
)

// BuildKey 构建在线状态 Key
func BuildKey(identityID string) string {
	return KeyPrefix + identityID
}

// NewRedisClient 创建 Redis 客户端
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// mirroredRecord Redis 中存储的在线记录
type mirroredRecord struct {
	model.PresenceRecord
	NodeID string `json:"nodeId"`
}

// RedisMirror 将在线状态写入 Redis，供其他节点查询
type RedisMirror struct {
	client *redis.Client
	nodeID string
}

// NewRedisMirror 创建 Redis 镜像
func NewRedisMirror(client *redis.Client, nodeID string) *RedisMirror {
	return &RedisMirror{client: client, nodeID: nodeID}
}

// Save 写入在线记录并刷新 TTL
func (m *RedisMirror) Save(ctx context.Context, rec model.PresenceRecord) error {
	data, err := json.Marshal(mirroredRecord{PresenceRecord: rec, NodeID: m.nodeID})
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}
	return m.client.Set(ctx, BuildKey(rec.UserID), data, RecordTTL).Err()
}

// Load 读取在线记录，不存在时返回 nil
func (m *RedisMirror) Load(ctx context.Context, identityID string) (*model.PresenceRecord, error) {
	data, err := m.client.Get(ctx, BuildKey(identityID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rec mirroredRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal presence: %w", err)
	}
	return &rec.PresenceRecord, nil
}
