package model

import "time"

// Conversation 双人会话，参与者按字典序归一化存储
type Conversation struct {
	ID               int64     `json:"id,string" db:"id"`
	ParticipantA     string    `json:"participantA" db:"participant_a"`
	ParticipantB     string    `json:"participantB" db:"participant_b"`
	LastMessageID    int64     `json:"lastMessageId,string" db:"last_message_id"`
	LastActivityTime time.Time `json:"lastActivityTime" db:"last_activity_time"`
	CreatedAt        time.Time `json:"createdAt" db:"created_at"`
}

// OrderedPair 返回归一化后的参与者对（a < b）
func OrderedPair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

// PairKey 无序参与者对的唯一键
func PairKey(a, b string) string {
	lo, hi := OrderedPair(a, b)
	return lo + "|" + hi
}

// HasParticipant 判断用户是否为会话参与者
func (c *Conversation) HasParticipant(userID string) bool {
	return c.ParticipantA == userID || c.ParticipantB == userID
}

// Peer 返回会话中的另一方，非参与者返回空字符串
func (c *Conversation) Peer(userID string) string {
	switch userID {
	case c.ParticipantA:
		return c.ParticipantB
	case c.ParticipantB:
		return c.ParticipantA
	default:
		return ""
	}
}

// Participants 返回两个参与者
func (c *Conversation) Participants() []string {
	return []string{c.ParticipantA, c.ParticipantB}
}
