package model

import "time"

// TypingSignal 输入状态（仅驻留内存，不持久化）
type TypingSignal struct {
	ConversationID int64
	UserID         string
	UserName       string
	RecipientID    string
	LastRefresh    time.Time
}
