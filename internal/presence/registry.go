// Package presence 在线状态注册表
package presence

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	apperrors "sudooom.im.chatsync/internal/errors"
	"sudooom.im.chatsync/internal/model"
	"sudooom.im.chatsync/internal/proto"
)

const shardCount = 64

// Announcer 在线状态变化的扇出目标
type Announcer interface {
	Announce(identityID string, env proto.Envelope)
}

// Mirror 在线状态外部镜像（跨节点查询）
type Mirror interface {
	Save(ctx context.Context, rec model.PresenceRecord) error
	Load(ctx context.Context, identityID string) (*model.PresenceRecord, error)
}

type shard struct {
	mu      sync.RWMutex
	records map[string]*model.PresenceRecord
}

// Registry 在线状态注册表，记录只更新不删除
type Registry struct {
	shards    [shardCount]*shard
	announcer Announcer
	mirror    Mirror
	logger    *slog.Logger
	now       func() time.Time
}

// NewRegistry 创建注册表，mirror 可为 nil
func NewRegistry(announcer Announcer, mirror Mirror, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		announcer: announcer,
		mirror:    mirror,
		logger:    logger,
		now:       time.Now,
	}
	for i := range r.shards {
		r.shards[i] = &shard{records: make(map[string]*model.PresenceRecord)}
	}
	return r
}

func (r *Registry) shardFor(identityID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(identityID))
	return r.shards[h.Sum32()%shardCount]
}

// Register 标记上线并记录连接句柄，未验证身份返回 AuthError
func (r *Registry) Register(ctx context.Context, identity *model.Identity, connID string) (model.PresenceRecord, error) {
	if identity == nil || !identity.IsVerified {
		return model.PresenceRecord{}, apperrors.ErrAuth.WithMessage("invalid user")
	}

	s := r.shardFor(identity.ID)
	s.mu.Lock()
	rec, ok := s.records[identity.ID]
	if !ok {
		rec = &model.PresenceRecord{UserID: identity.ID}
		s.records[identity.ID] = rec
	}
	rec.Name = identity.Name
	rec.IsOnline = true
	rec.LastSeen = r.now()
	rec.ConnID = connID
	snapshot := *rec
	s.mu.Unlock()

	r.logger.Debug("Presence registered", "user_id", identity.ID, "conn_id", connID)
	r.publish(ctx, proto.EventUserOnline, snapshot)
	return snapshot, nil
}

// Unregister 标记下线；connID 不是当前句柄时（已被新连接替换）忽略
func (r *Registry) Unregister(ctx context.Context, identityID, connID string) (model.PresenceRecord, bool) {
	s := r.shardFor(identityID)
	s.mu.Lock()
	rec, ok := s.records[identityID]
	if !ok || rec.ConnID != connID {
		s.mu.Unlock()
		return model.PresenceRecord{}, false
	}
	rec.IsOnline = false
	rec.LastSeen = r.now()
	rec.ConnID = ""
	snapshot := *rec
	s.mu.Unlock()

	r.logger.Debug("Presence unregistered", "user_id", identityID, "conn_id", connID)
	r.publish(ctx, proto.EventUserOffline, snapshot)
	return snapshot, true
}

func (r *Registry) publish(ctx context.Context, event string, rec model.PresenceRecord) {
	if r.mirror != nil {
		if err := r.mirror.Save(ctx, rec); err != nil {
			r.logger.Warn("Failed to mirror presence", "user_id", rec.UserID, "error", err)
		}
	}
	if r.announcer == nil {
		return
	}
	env, err := proto.NewEnvelope(event, proto.NewPresenceChange(rec))
	if err != nil {
		r.logger.Error("Failed to encode presence change", "user_id", rec.UserID, "error", err)
		return
	}
	r.announcer.Announce(rec.UserID, env)
}

// IsOnline 是否在线
func (r *Registry) IsOnline(identityID string) bool {
	rec, ok := r.Get(identityID)
	return ok && rec.IsOnline
}

// Get 本节点的在线记录
func (r *Registry) Get(identityID string) (model.PresenceRecord, bool) {
	s := r.shardFor(identityID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[identityID]
	if !ok {
		return model.PresenceRecord{}, false
	}
	return *rec, true
}

// Lookup 先查本节点，再查镜像（其他节点上的连接）
func (r *Registry) Lookup(ctx context.Context, identityID string) (model.PresenceRecord, bool) {
	if rec, ok := r.Get(identityID); ok && rec.IsOnline {
		return rec, true
	}
	if r.mirror != nil {
		rec, err := r.mirror.Load(ctx, identityID)
		if err != nil {
			r.logger.Warn("Failed to load mirrored presence", "user_id", identityID, "error", err)
		} else if rec != nil {
			return *rec, true
		}
	}
	return r.Get(identityID)
}

// Snapshot 全部在线记录（含离线的最后在线时间），按用户 ID 排序
func (r *Registry) Snapshot() []model.PresenceRecord {
	return r.collect(func(rec *model.PresenceRecord) bool { return true })
}

// Online 当前在线的记录
func (r *Registry) Online() []model.PresenceRecord {
	return r.collect(func(rec *model.PresenceRecord) bool { return rec.IsOnline })
}

func (r *Registry) collect(keep func(rec *model.PresenceRecord) bool) []model.PresenceRecord {
	var result []model.PresenceRecord
	for _, s := range r.shards {
		s.mu.RLock()
		for _, rec := range s.records {
			if keep(rec) {
				result = append(result, *rec)
			}
		}
		s.mu.RUnlock()
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result
}
