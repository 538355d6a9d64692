// Package room 房间路由：个人频道与会话房间的订阅管理和事件扇出
package room

import (
	"hash/fnv"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"sudooom.im.chatsync/internal/proto"
)

const shardCount = 64

const (
	personalPrefix     = "user:"
	conversationPrefix = "conversation:"
)

// Group 订阅组名称
type Group string

// Personal 身份的个人频道，连接建立时总会加入
func Personal(identityID string) Group {
	return Group(personalPrefix + identityID)
}

// Conversation 会话房间
func Conversation(conversationID int64) Group {
	return Group(conversationPrefix + strconv.FormatInt(conversationID, 10))
}

// IsPersonal 是否为个人频道
func (g Group) IsPersonal() bool {
	return strings.HasPrefix(string(g), personalPrefix)
}

// IsConversation 是否为会话房间
func (g Group) IsConversation() bool {
	return strings.HasPrefix(string(g), conversationPrefix)
}

// Subscriber 订阅者，每个身份同时只有一个活动连接
type Subscriber interface {
	ID() string         // 连接句柄
	IdentityID() string // 所属身份
	Deliver(env proto.Envelope) error
}

// Relay 跨节点转发，Router 的每次发布都会同步给其他节点
type Relay interface {
	Publish(group Group, env proto.Envelope, exclude []string) error
	Broadcast(env proto.Envelope, exclude []string) error
}

type groupBucket struct {
	sync.RWMutex
	groups map[Group]map[string]Subscriber // group -> identity -> subscriber
}

type memberBucket struct {
	sync.RWMutex
	members map[string]map[Group]struct{} // identity -> groups
}

// Router 房间路由器
//
// 锁顺序：memberBucket 可以嵌套 groupBucket，反之不行。
type Router struct {
	groupShards  [shardCount]*groupBucket
	memberShards [shardCount]*memberBucket
	relay        Relay
	logger       *slog.Logger
}

// NewRouter 创建房间路由器
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{logger: logger}
	for i := 0; i < shardCount; i++ {
		r.groupShards[i] = &groupBucket{groups: make(map[Group]map[string]Subscriber)}
		r.memberShards[i] = &memberBucket{members: make(map[string]map[Group]struct{})}
	}
	return r
}

// SetRelay 设置跨节点转发
func (r *Router) SetRelay(relay Relay) {
	r.relay = relay
}

func shardOf(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % shardCount
}

func (r *Router) groupShard(g Group) *groupBucket {
	return r.groupShards[shardOf(string(g))]
}

func (r *Router) memberShard(identityID string) *memberBucket {
	return r.memberShards[shardOf(identityID)]
}

// Subscribe 加入订阅组，同一身份的旧订阅者被替换
func (r *Router) Subscribe(group Group, sub Subscriber) {
	identityID := sub.IdentityID()

	b := r.groupShard(group)
	b.Lock()
	m, ok := b.groups[group]
	if !ok {
		m = make(map[string]Subscriber)
		b.groups[group] = m
	}
	m[identityID] = sub
	b.Unlock()

	mb := r.memberShard(identityID)
	mb.Lock()
	set, ok := mb.members[identityID]
	if !ok {
		set = make(map[Group]struct{})
		mb.members[identityID] = set
	}
	set[group] = struct{}{}
	mb.Unlock()
}

// Unsubscribe 离开订阅组
func (r *Router) Unsubscribe(group Group, identityID string) {
	b := r.groupShard(group)
	b.Lock()
	if m, ok := b.groups[group]; ok {
		delete(m, identityID)
		if len(m) == 0 {
			delete(b.groups, group)
		}
	}
	b.Unlock()

	mb := r.memberShard(identityID)
	mb.Lock()
	if set, ok := mb.members[identityID]; ok {
		delete(set, group)
		if len(set) == 0 {
			delete(mb.members, identityID)
		}
	}
	mb.Unlock()
}

// UnsubscribeAll 移除连接 connID 的全部订阅；已被新连接替换的订阅保持不变
func (r *Router) UnsubscribeAll(identityID, connID string) int {
	mb := r.memberShard(identityID)
	mb.Lock()
	defer mb.Unlock()

	set, ok := mb.members[identityID]
	if !ok {
		return 0
	}

	removed := 0
	for group := range set {
		b := r.groupShard(group)
		b.Lock()
		m := b.groups[group]
		sub, ok := m[identityID]
		switch {
		case !ok:
			delete(set, group)
		case sub.ID() == connID:
			delete(m, identityID)
			if len(m) == 0 {
				delete(b.groups, group)
			}
			delete(set, group)
			removed++
		}
		b.Unlock()
	}
	if len(set) == 0 {
		delete(mb.members, identityID)
	}
	return removed
}

// Subscriber 返回身份在个人频道上的当前订阅者
func (r *Router) Subscriber(identityID string) (Subscriber, bool) {
	group := Personal(identityID)
	b := r.groupShard(group)
	b.RLock()
	defer b.RUnlock()
	sub, ok := b.groups[group][identityID]
	return sub, ok
}

// Attach 将身份当前的连接加入订阅组，身份不在线时返回 false
func (r *Router) Attach(group Group, identityID string) bool {
	sub, ok := r.Subscriber(identityID)
	if !ok {
		return false
	}
	r.Subscribe(group, sub)
	return true
}

// IsMember 身份是否在订阅组中
func (r *Router) IsMember(group Group, identityID string) bool {
	b := r.groupShard(group)
	b.RLock()
	defer b.RUnlock()
	_, ok := b.groups[group][identityID]
	return ok
}

// Groups 身份当前加入的订阅组
func (r *Router) Groups(identityID string) []Group {
	mb := r.memberShard(identityID)
	mb.RLock()
	defer mb.RUnlock()

	set := mb.members[identityID]
	groups := make([]Group, 0, len(set))
	for g := range set {
		groups = append(groups, g)
	}
	return groups
}

// Publish 向订阅组扇出事件（尽力而为），返回本节点送达数
func (r *Router) Publish(group Group, env proto.Envelope, exclude ...string) int {
	n := r.DeliverLocal(group, env, exclude)
	if r.relay != nil {
		if err := r.relay.Publish(group, env, exclude); err != nil {
			r.logger.Warn("Failed to relay event", "group", group, "event", env.Event, "error", err)
		}
	}
	return n
}

// Broadcast 向所有在线连接扇出事件
func (r *Router) Broadcast(env proto.Envelope, exclude ...string) int {
	n := r.BroadcastLocal(env, exclude)
	if r.relay != nil {
		if err := r.relay.Broadcast(env, exclude); err != nil {
			r.logger.Warn("Failed to relay broadcast", "event", env.Event, "error", err)
		}
	}
	return n
}

// Announce 在线状态变化：广播到所有连接，并单独发布到身份所在的每个会话房间
func (r *Router) Announce(identityID string, env proto.Envelope) {
	r.Broadcast(env, identityID)
	for _, group := range r.Groups(identityID) {
		if group.IsConversation() {
			r.Publish(group, env, identityID)
		}
	}
}

// DeliverLocal 投递到本节点的订阅者，不经过转发
func (r *Router) DeliverLocal(group Group, env proto.Envelope, exclude []string) int {
	b := r.groupShard(group)
	b.RLock()
	m := b.groups[group]
	subs := make([]Subscriber, 0, len(m))
	for identityID, sub := range m {
		if !excluded(identityID, exclude) {
			subs = append(subs, sub)
		}
	}
	b.RUnlock()

	return r.deliver(subs, env)
}

// BroadcastLocal 投递到本节点全部个人频道订阅者
func (r *Router) BroadcastLocal(env proto.Envelope, exclude []string) int {
	var subs []Subscriber
	for _, b := range r.groupShards {
		b.RLock()
		for group, m := range b.groups {
			if !group.IsPersonal() {
				continue
			}
			for identityID, sub := range m {
				if !excluded(identityID, exclude) {
					subs = append(subs, sub)
				}
			}
		}
		b.RUnlock()
	}
	return r.deliver(subs, env)
}

func (r *Router) deliver(subs []Subscriber, env proto.Envelope) int {
	delivered := 0
	for _, sub := range subs {
		if err := sub.Deliver(env); err != nil {
			r.logger.Debug("Failed to deliver event",
				"conn_id", sub.ID(),
				"user_id", sub.IdentityID(),
				"event", env.Event,
				"error", err)
			continue
		}
		delivered++
	}
	return delivered
}

func excluded(identityID string, exclude []string) bool {
	for _, id := range exclude {
		if id == identityID {
			return true
		}
	}
	return false
}
