package proto

import (
	"time"

	"sudooom.im.chatsync/internal/model"
)

// ============== 上行事件 (Client -> Server) ==============

const (
	EventJoinConversation = "join-conversation"
	EventSendMessage      = "send-message"
	EventTypingStart      = "typing-start"
	EventTypingStop       = "typing-stop"
	EventMarkRead         = "mark-messages-read"
	EventGetOnlineUsers   = "get-online-users"
)

// ============== 下行事件 (Server -> Client) ==============

const (
	EventNewMessage        = "new-message"
	EventMessageTranslated = "message-translated"
	EventMessageSent       = "message-sent"
	EventMessagesRead      = "messages-read"
	EventUserOnline        = "user-online"
	EventUserOffline       = "user-offline"
	EventUserTyping        = "user-typing"
	EventOnlineUsersList   = "online-users-list"
	EventError             = "error"
)

// JoinConversation 加入会话房间
type JoinConversation struct {
	ConversationID int64 `json:"conversationId,string"`
}

// SendMessage 发送消息意图，correlationId 由客户端生成且必填
type SendMessage struct {
	RecipientID    string            `json:"recipientId"`
	Text           string            `json:"text"`
	MessageType    model.MessageType `json:"messageType,omitempty"`
	CorrelationID  string            `json:"correlationId"`
	ConversationID int64             `json:"conversationId,string,omitempty"`
}

// Typing 输入状态开始/结束
type Typing struct {
	ConversationID int64  `json:"conversationId,string"`
	RecipientID    string `json:"recipientId"`
}

// MarkRead 标记会话已读
type MarkRead struct {
	ConversationID int64 `json:"conversationId,string"`
}

// MessagePayload 下发给客户端的消息视图
type MessagePayload struct {
	ID                int64             `json:"id,string"`
	ConversationID    int64             `json:"conversationId,string"`
	Sender            model.Sender      `json:"sender"`
	OriginalText      string            `json:"originalText"`
	TranslatedText    string            `json:"translatedText,omitempty"`
	DisplayText       string            `json:"displayText"`
	SenderLanguage    string            `json:"senderLanguage"`
	RecipientLanguage string            `json:"recipientLanguage,omitempty"`
	MessageType       model.MessageType `json:"messageType"`
	IsTranslated      bool              `json:"isTranslated"`
	IsDelivered       bool              `json:"isDelivered"`
	DeliveredAt       *time.Time        `json:"deliveredAt,omitempty"`
	IsRead            bool              `json:"isRead"`
	ReadAt            *time.Time        `json:"readAt,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
}

// NewMessagePayload 由规范消息构建视图，displayText 为原文
func NewMessagePayload(m *model.Message, sender model.Sender, recipientLanguage string) MessagePayload {
	return MessagePayload{
		ID:                m.ID,
		ConversationID:    m.ConversationID,
		Sender:            sender,
		OriginalText:      m.Text,
		DisplayText:       m.Text,
		SenderLanguage:    m.SenderLanguage,
		RecipientLanguage: recipientLanguage,
		MessageType:       m.MessageType,
		IsDelivered:       m.IsDelivered,
		DeliveredAt:       m.DeliveredAt,
		IsRead:            m.IsRead,
		ReadAt:            m.ReadAt,
		CreatedAt:         m.CreatedAt,
	}
}

// Translated 返回覆盖了译文的副本
func (p MessagePayload) Translated(text string) MessagePayload {
	p.TranslatedText = text
	p.DisplayText = text
	p.IsTranslated = true
	return p
}

// MessageSent 发送确认，仅下发给发送方
type MessageSent struct {
	CorrelationID    string         `json:"correlationId"`
	Message          MessagePayload `json:"message"`
	ProcessingTimeMs int64          `json:"processingTimeMs"`
}

// MessagesRead 已读回执
type MessagesRead struct {
	ConversationID int64     `json:"conversationId,string"`
	ReadBy         string    `json:"readBy"`
	ReadAt         time.Time `json:"readAt"`
}

// PresenceChange 上下线通知，也用于在线列表条目
type PresenceChange struct {
	UserID   string     `json:"userId"`
	Name     string     `json:"name"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// NewPresenceChange 由在线记录构建通知
func NewPresenceChange(rec model.PresenceRecord) PresenceChange {
	change := PresenceChange{UserID: rec.UserID, Name: rec.Name, IsOnline: rec.IsOnline}
	if !rec.LastSeen.IsZero() {
		ls := rec.LastSeen
		change.LastSeen = &ls
	}
	return change
}

// UserTyping 输入状态通知
type UserTyping struct {
	ConversationID int64  `json:"conversationId,string"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName"`
	IsTyping       bool   `json:"isTyping"`
}

// Error 错误事件，只回报给发起操作的连接
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Context string `json:"context,omitempty"`
}
