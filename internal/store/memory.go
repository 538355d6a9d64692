package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"sudooom.im.chatsync/internal/model"
	"sudooom.im.chatsync/internal/snowflake"
)

// Memory 内存存储，用于开发与测试
type Memory struct {
	mu            sync.RWMutex
	idGen         *snowflake.Node
	identities    map[string]*model.Identity
	conversations map[int64]*model.Conversation
	pairs         map[string]int64
	messages      map[int64][]*model.Message
}

// NewMemory 创建内存存储
func NewMemory(idGen *snowflake.Node) *Memory {
	return &Memory{
		idGen:         idGen,
		identities:    make(map[string]*model.Identity),
		conversations: make(map[int64]*model.Conversation),
		pairs:         make(map[string]int64),
		messages:      make(map[int64][]*model.Message),
	}
}

func (m *Memory) FindIdentity(ctx context.Context, id string) (*model.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	identity, ok := m.identities[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *identity
	return &cp, nil
}

func (m *Memory) SaveIdentity(ctx context.Context, identity *model.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *identity
	m.identities[identity.ID] = &cp
	return nil
}

func (m *Memory) CreateOrGetConversation(ctx context.Context, a, b string) (*model.Conversation, bool, error) {
	key := model.PairKey(a, b)

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.pairs[key]; ok {
		cp := *m.conversations[id]
		return &cp, false, nil
	}

	lo, hi := model.OrderedPair(a, b)
	now := time.Now()
	conv := &model.Conversation{
		ID:               m.idGen.Generate().Int64(),
		ParticipantA:     lo,
		ParticipantB:     hi,
		LastActivityTime: now,
		CreatedAt:        now,
	}
	m.conversations[conv.ID] = conv
	m.pairs[key] = conv.ID

	cp := *conv
	return &cp, true, nil
}

func (m *Memory) FindConversation(ctx context.Context, id int64) (*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *conv
	return &cp, nil
}

func (m *Memory) ListConversations(ctx context.Context, userID string) ([]*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*model.Conversation
	for _, conv := range m.conversations {
		if conv.HasParticipant(userID) {
			cp := *conv
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastActivityTime.After(result[j].LastActivityTime)
	})
	return result, nil
}

func (m *Memory) TouchConversation(ctx context.Context, conversationID, lastMessageID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	if lastMessageID > conv.LastMessageID {
		conv.LastMessageID = lastMessageID
		conv.LastActivityTime = at
	}
	return nil
}

func (m *Memory) CreateMessage(ctx context.Context, in *model.NewMessage) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[in.ConversationID]; !ok {
		return nil, ErrNotFound
	}

	// ID 在锁内分配，保证追加顺序与 ID 顺序一致
	id := m.idGen.Generate()
	msg := &model.Message{
		ID:             id.Int64(),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Text:           in.Text,
		SenderLanguage: in.SenderLanguage,
		MessageType:    in.MessageType,
		CreatedAt:      time.Now(),
		IsDelivered:    in.IsDelivered,
	}
	if in.IsDelivered {
		at := msg.CreatedAt
		msg.DeliveredAt = &at
	}
	m.messages[in.ConversationID] = append(m.messages[in.ConversationID], msg)

	cp := *msg
	return &cp, nil
}

func (m *Memory) ListMessages(ctx context.Context, conversationID int64, limit int) ([]*model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	result := make([]*model.Message, 0, len(msgs))
	for _, msg := range msgs {
		cp := *msg
		result = append(result, &cp)
	}
	return result, nil
}

func (m *Memory) MarkDelivered(ctx context.Context, conversationID int64, excludingSender string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, msg := range m.messages[conversationID] {
		if msg.SenderID == excludingSender || msg.IsDelivered {
			continue
		}
		t := at
		msg.IsDelivered = true
		msg.DeliveredAt = &t
		n++
	}
	return n, nil
}

func (m *Memory) MarkRead(ctx context.Context, conversationID int64, excludingSender string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, msg := range m.messages[conversationID] {
		if msg.SenderID == excludingSender || msg.IsRead {
			continue
		}
		t := at
		msg.IsRead = true
		msg.ReadAt = &t
		n++
	}
	return n, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() {}
