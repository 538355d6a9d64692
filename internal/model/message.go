package model

import "time"

// MessageType 消息类型
type MessageType string

const (
	MessageTypeText   MessageType = "text"   // 文本
	MessageTypeImage  MessageType = "image"  // 图片
	MessageTypeFile   MessageType = "file"   // 文件
	MessageTypeSystem MessageType = "system" // 系统消息
)

// Valid 是否为支持的消息类型
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeSystem:
		return true
	}
	return false
}

// MaxTextLength 消息正文最大字符数
const MaxTextLength = 1000

// Message 规范消息记录，创建后仅 delivered/read 标记可变
type Message struct {
	ID             int64       `json:"id,string" db:"id"`
	ConversationID int64       `json:"conversationId,string" db:"conversation_id"`
	SenderID       string      `json:"senderId" db:"sender_id"`
	Text           string      `json:"originalText" db:"text"`
	SenderLanguage string      `json:"senderLanguage" db:"sender_language"`
	MessageType    MessageType `json:"messageType" db:"message_type"`
	CreatedAt      time.Time   `json:"createdAt" db:"created_at"`
	IsDelivered    bool        `json:"isDelivered" db:"is_delivered"`
	DeliveredAt    *time.Time  `json:"deliveredAt,omitempty" db:"delivered_at"`
	IsRead         bool        `json:"isRead" db:"is_read"`
	ReadAt         *time.Time  `json:"readAt,omitempty" db:"read_at"`
}

// NewMessage 待持久化的消息（ID 与创建时间由存储层分配）
type NewMessage struct {
	ConversationID int64
	SenderID       string
	Text           string
	SenderLanguage string
	MessageType    MessageType
	IsDelivered    bool
}
