package model

import "time"

// PresenceRecord 用户在线状态，连接时创建，之后只更新不删除
type PresenceRecord struct {
	UserID   string    `json:"userId"`
	Name     string    `json:"name"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
	ConnID   string    `json:"-"` // 当前连接句柄，离线时为空
}
