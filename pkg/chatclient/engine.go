// Package chatclient 客户端消息对账引擎与 websocket 客户端
package chatclient

import (
	"sync"
	"time"

	"sudooom.im.chatsync/internal/model"
	"sudooom.im.chatsync/internal/proto"
)

// DefaultAssumeDeliveredAfter 乐观消息未确认时转为"视为已送达"的时间
const DefaultAssumeDeliveredAfter = 3 * time.Second

// 先于原文到达的译文最多暂存的条数与时长
const (
	MaxStashedTranslations = 256
	StashedTranslationTTL  = 30 * time.Second
)

// LocalState 本地条目状态
type LocalState int

const (
	StateOptimistic       LocalState = iota // 已发出，等待确认
	StateAssumedDelivered                   // 超时未确认，仍保留显示
	StateConfirmed                          // 规范消息
)

func (s LocalState) String() string {
	switch s {
	case StateOptimistic:
		return "optimistic"
	case StateAssumedDelivered:
		return "assumed_delivered"
	case StateConfirmed:
		return "confirmed"
	}
	return "unknown"
}

// Entry 本地日志中的一条消息
type Entry struct {
	CorrelationID string // 本地发送的消息才有
	State         LocalState
	Message       proto.MessagePayload
	SentAt        time.Time
}

// Engine 按对端维护有序消息日志。
//
// 已确认消息的顺序始终等于服务端创建顺序（按 id）；乐观消息按发送顺序追加，彼此之间不会重排。
type Engine struct {
	self    string
	timeout time.Duration

	mu            sync.Mutex
	logs          map[string][]*Entry // peerID -> 有序日志
	byID          map[int64]*Entry
	byCorrelation map[string]*Entry
	peers         map[*Entry]string
	convPeers     map[int64]string               // conversationID -> peerID
	translations  map[int64]stashedTranslation // 译文先于原文到达时暂存
	now           func() time.Time
}

type stashedTranslation struct {
	msg proto.MessagePayload
	at  time.Time
}

// NewEngine 创建对账引擎，self 为本地身份
func NewEngine(self string, assumeDeliveredAfter time.Duration) *Engine {
	if assumeDeliveredAfter <= 0 {
		assumeDeliveredAfter = DefaultAssumeDeliveredAfter
	}
	return &Engine{
		self:          self,
		timeout:       assumeDeliveredAfter,
		logs:          make(map[string][]*Entry),
		byID:          make(map[int64]*Entry),
		byCorrelation: make(map[string]*Entry),
		peers:         make(map[*Entry]string),
		convPeers:     make(map[int64]string),
		translations:  make(map[int64]stashedTranslation),
		now:           time.Now,
	}
}

// Self 本地身份
func (e *Engine) Self() string {
	return e.self
}

// Send 记录一条乐观消息并追加到日志尾部
func (e *Engine) Send(peerID, text string, msgType model.MessageType, correlationID string, now time.Time) Entry {
	if msgType == "" {
		msgType = model.MessageTypeText
	}
	entry := &Entry{
		CorrelationID: correlationID,
		State:         StateOptimistic,
		SentAt:        now,
		Message: proto.MessagePayload{
			Sender:       model.Sender{ID: e.self},
			OriginalText: text,
			DisplayText:  text,
			MessageType:  msgType,
			CreatedAt:    now,
		},
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.logs[peerID] = append(e.logs[peerID], entry)
	e.byCorrelation[correlationID] = entry
	e.peers[entry] = peerID
	return *entry
}

// Confirm 处理 message-sent：按 correlationId 原位替换为规范消息。
// 没有对应乐观条目时按规范顺序插入；消息已存在时忽略。
func (e *Engine) Confirm(sent proto.MessageSent) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, dup := e.byID[sent.Message.ID]; dup {
		return false
	}

	entry, ok := e.byCorrelation[sent.CorrelationID]
	if ok && entry.State == StateConfirmed {
		return false
	}
	if !ok {
		peer := e.convPeers[sent.Message.ConversationID]
		if peer == "" {
			return false
		}
		e.insert(peer, &Entry{CorrelationID: sent.CorrelationID, State: StateConfirmed, Message: sent.Message})
		return true
	}

	peer := e.peers[entry]
	entry.Message = sent.Message
	entry.State = StateConfirmed
	e.byID[sent.Message.ID] = entry
	e.convPeers[sent.Message.ConversationID] = peer

	if !e.ordered(peer, entry) {
		e.remove(peer, entry)
		e.insert(peer, entry)
	}
	return true
}

// Receive 处理 new-message。自己发出消息的扇出回显被丢弃，重复 id 被忽略。
func (e *Engine) Receive(msg proto.MessagePayload) bool {
	if msg.Sender.ID == e.self {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, dup := e.byID[msg.ID]; dup {
		return false
	}
	if stashed, ok := e.translations[msg.ID]; ok {
		delete(e.translations, msg.ID)
		msg = overlay(msg, stashed.msg)
	}

	peer := msg.Sender.ID
	e.convPeers[msg.ConversationID] = peer
	e.insert(peer, &Entry{State: StateConfirmed, Message: msg})
	return true
}

// ApplyTranslation 处理 message-translated：按 id 覆盖显示文本；原文未到时先暂存
func (e *Engine) ApplyTranslation(msg proto.MessagePayload) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.byID[msg.ID]
	if !ok {
		if len(e.translations) >= MaxStashedTranslations {
			e.evictOldestTranslation()
		}
		e.translations[msg.ID] = stashedTranslation{msg: msg, at: e.now()}
		return false
	}
	entry.Message = overlay(entry.Message, msg)
	return true
}

func (e *Engine) evictOldestTranslation() {
	var oldestID int64
	var oldest time.Time
	for id, st := range e.translations {
		if oldest.IsZero() || st.at.Before(oldest) {
			oldestID, oldest = id, st.at
		}
	}
	delete(e.translations, oldestID)
}

func overlay(base, translated proto.MessagePayload) proto.MessagePayload {
	base.DisplayText = translated.DisplayText
	base.TranslatedText = translated.TranslatedText
	base.RecipientLanguage = translated.RecipientLanguage
	base.IsTranslated = translated.IsTranslated
	return base
}

// ApplyRead 处理 messages-read：对方读过的本地发出消息标记已读
func (e *Engine) ApplyRead(receipt proto.MessagesRead) int {
	if receipt.ReadBy == e.self {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	peer, ok := e.convPeers[receipt.ConversationID]
	if !ok {
		return 0
	}

	n := 0
	readAt := receipt.ReadAt
	for _, entry := range e.logs[peer] {
		if entry.State != StateConfirmed || entry.Message.Sender.ID != e.self || entry.Message.IsRead {
			continue
		}
		entry.Message.IsRead = true
		entry.Message.ReadAt = &readAt
		n++
	}
	return n
}

// Sweep 将超时未确认的乐观消息转为"视为已送达"，返回转换数量；
// 同时丢弃超过 StashedTranslationTTL 仍未等到原文的暂存译文
func (e *Engine) Sweep(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, st := range e.translations {
		if now.Sub(st.at) >= StashedTranslationTTL {
			delete(e.translations, id)
		}
	}

	n := 0
	for _, entry := range e.byCorrelation {
		if entry.State == StateOptimistic && now.Sub(entry.SentAt) >= e.timeout {
			entry.State = StateAssumedDelivered
			entry.Message.IsDelivered = true
			n++
		}
	}
	return n
}

// PendingTranslations 暂存中、尚未等到原文的译文数
func (e *Engine) PendingTranslations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.translations)
}

// Log 返回与 peerID 的日志快照
func (e *Engine) Log(peerID string) []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()

	log := e.logs[peerID]
	out := make([]Entry, len(log))
	for i, entry := range log {
		out[i] = *entry
	}
	return out
}

// insert 在第一个 id 更大的已确认消息之前插入；没有则追加到尾部
func (e *Engine) insert(peer string, entry *Entry) {
	log := e.logs[peer]
	pos := len(log)
	for i, cur := range log {
		if cur.State == StateConfirmed && cur.Message.ID > entry.Message.ID {
			pos = i
			break
		}
	}

	log = append(log, nil)
	copy(log[pos+1:], log[pos:])
	log[pos] = entry
	e.logs[peer] = log

	e.byID[entry.Message.ID] = entry
	e.peers[entry] = peer
	if entry.CorrelationID != "" {
		e.byCorrelation[entry.CorrelationID] = entry
	}
}

func (e *Engine) remove(peer string, entry *Entry) {
	log := e.logs[peer]
	for i, cur := range log {
		if cur == entry {
			e.logs[peer] = append(log[:i], log[i+1:]...)
			return
		}
	}
}

// ordered 原位替换后，entry 与前后最近的已确认消息是否仍按 id 有序
func (e *Engine) ordered(peer string, entry *Entry) bool {
	log := e.logs[peer]
	idx := -1
	for i, cur := range log {
		if cur == entry {
			idx = i
			break
		}
	}
	for i := idx - 1; i >= 0; i-- {
		if log[i].State == StateConfirmed {
			if log[i].Message.ID > entry.Message.ID {
				return false
			}
			break
		}
	}
	for i := idx + 1; i < len(log); i++ {
		if log[i].State == StateConfirmed {
			if log[i].Message.ID < entry.Message.ID {
				return false
			}
			break
		}
	}
	return true
}
