// Package typing 输入状态跟踪：每个 (会话, 用户) 一个可取消定时器，外加低频清扫兜底
package typing

import (
	"context"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"sudooom.im.chatsync/internal/model"
	"sudooom.im.chatsync/internal/proto"
	"sudooom.im.chatsync/internal/room"
)

const shardCount = 64

// Publisher 输入状态通知的发布目标
type Publisher interface {
	Publish(group room.Group, env proto.Envelope, exclude ...string) int
}

// Config 跟踪器配置
type Config struct {
	TTL           time.Duration // 未刷新多久后过期
	SweepInterval time.Duration // 清扫周期
}

// DefaultConfig 默认配置：3 秒过期，5 秒清扫
func DefaultConfig() Config {
	return Config{TTL: 3 * time.Second, SweepInterval: 5 * time.Second}
}

type key struct {
	conversationID int64
	userID         string
}

type entry struct {
	signal model.TypingSignal
	timer  *time.Timer
	gen    uint64
}

type shard struct {
	mu      sync.Mutex
	entries map[key]*entry
}

// Tracker 输入状态跟踪器
type Tracker struct {
	shards [shardCount]*shard
	cfg    Config
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time

	genMu sync.Mutex
	gen   uint64
}

// NewTracker 创建跟踪器
func NewTracker(cfg Config, pub Publisher, logger *slog.Logger) *Tracker {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		cfg:    cfg,
		pub:    pub,
		logger: logger,
		now:    time.Now,
	}
	for i := range t.shards {
		t.shards[i] = &shard{entries: make(map[key]*entry)}
	}
	return t
}

func (t *Tracker) shardFor(k key) *shard {
	h := fnv.New32a()
	h.Write([]byte(strconv.FormatInt(k.conversationID, 10)))
	h.Write([]byte{0})
	h.Write([]byte(k.userID))
	return t.shards[h.Sum32()%shardCount]
}

func (t *Tracker) nextGen() uint64 {
	t.genMu.Lock()
	defer t.genMu.Unlock()
	t.gen++
	return t.gen
}

// Start 开始或刷新输入状态，重置过期定时器并通知接收方
func (t *Tracker) Start(conversationID int64, user model.Identity, recipientID string) {
	k := key{conversationID: conversationID, userID: user.ID}
	gen := t.nextGen()

	s := t.shardFor(k)
	s.mu.Lock()
	e, ok := s.entries[k]
	if ok {
		e.timer.Stop()
	} else {
		e = &entry{}
		s.entries[k] = e
	}
	e.signal = model.TypingSignal{
		ConversationID: conversationID,
		UserID:         user.ID,
		UserName:       user.Name,
		RecipientID:    recipientID,
		LastRefresh:    t.now(),
	}
	e.gen = gen
	e.timer = time.AfterFunc(t.cfg.TTL, func() { t.expire(k, gen) })
	signal := e.signal
	s.mu.Unlock()

	t.notify(signal, true)
}

// Stop 结束输入状态；条目不存在时同样通知接收方
func (t *Tracker) Stop(conversationID int64, user model.Identity, recipientID string) {
	k := key{conversationID: conversationID, userID: user.ID}

	s := t.shardFor(k)
	s.mu.Lock()
	if e, ok := s.entries[k]; ok {
		e.timer.Stop()
		delete(s.entries, k)
	}
	s.mu.Unlock()

	t.notify(model.TypingSignal{
		ConversationID: conversationID,
		UserID:         user.ID,
		UserName:       user.Name,
		RecipientID:    recipientID,
	}, false)
}

// expire 定时器回调；条目已被刷新或移除时什么也不做
func (t *Tracker) expire(k key, gen uint64) {
	s := t.shardFor(k)
	s.mu.Lock()
	e, ok := s.entries[k]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.entries, k)
	signal := e.signal
	s.mu.Unlock()

	t.logger.Debug("Typing signal expired",
		"conversation_id", k.conversationID,
		"user_id", k.userID)
	t.notify(signal, false)
}

// Sweep 移除超过 TTL 未刷新的条目并通知，返回移除数量
func (t *Tracker) Sweep(now time.Time) int {
	return t.removeWhere(func(e *entry) bool {
		return now.Sub(e.signal.LastRefresh) > t.cfg.TTL
	})
}

// ClearUser 移除用户的全部输入状态，每个受影响会话通知一次
func (t *Tracker) ClearUser(userID string) int {
	return t.removeWhere(func(e *entry) bool {
		return e.signal.UserID == userID
	})
}

func (t *Tracker) removeWhere(match func(e *entry) bool) int {
	var removed []model.TypingSignal
	for _, s := range t.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if match(e) {
				e.timer.Stop()
				delete(s.entries, k)
				removed = append(removed, e.signal)
			}
		}
		s.mu.Unlock()
	}

	for _, signal := range removed {
		t.notify(signal, false)
	}
	return len(removed)
}

// Run 周期性清扫，直到 ctx 取消
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Sweep(t.now()); n > 0 {
				t.logger.Debug("Typing sweep removed stale signals", "count", n)
			}
		}
	}
}

// IsTyping 是否存在输入状态
func (t *Tracker) IsTyping(conversationID int64, userID string) bool {
	k := key{conversationID: conversationID, userID: userID}
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[k]
	return ok
}

// Len 当前条目数
func (t *Tracker) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

func (t *Tracker) notify(signal model.TypingSignal, isTyping bool) {
	if t.pub == nil || signal.RecipientID == "" {
		return
	}
	env, err := proto.NewEnvelope(proto.EventUserTyping, proto.UserTyping{
		ConversationID: signal.ConversationID,
		UserID:         signal.UserID,
		UserName:       signal.UserName,
		IsTyping:       isTyping,
	})
	if err != nil {
		t.logger.Error("Failed to encode typing event", "error", err)
		return
	}
	t.pub.Publish(room.Personal(signal.RecipientID), env)
}
