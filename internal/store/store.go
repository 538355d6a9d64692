// Package store 持久化协作方：会话、消息与身份的读写
package store

import (
	"context"
	"errors"
	"time"

	"sudooom.im.chatsync/internal/model"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("store: not found")

// Store 持久化接口
//
// 同一无序参与者对最多存在一个会话，CreateOrGetConversation 在并发下必须保持该约束。
// 消息 ID 由存储层分配，单会话内严格递增，ListMessages 按 ID 升序返回。
type Store interface {
	FindIdentity(ctx context.Context, id string) (*model.Identity, error)
	SaveIdentity(ctx context.Context, identity *model.Identity) error

	// CreateOrGetConversation 幂等创建会话，created 表示本次调用是否新建
	CreateOrGetConversation(ctx context.Context, a, b string) (conv *model.Conversation, created bool, err error)
	FindConversation(ctx context.Context, id int64) (*model.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]*model.Conversation, error)
	// TouchConversation 更新最后消息，较旧的消息 ID 不会覆盖较新的
	TouchConversation(ctx context.Context, conversationID, lastMessageID int64, at time.Time) error

	CreateMessage(ctx context.Context, msg *model.NewMessage) (*model.Message, error)
	// ListMessages 返回最近 limit 条消息（升序），limit <= 0 返回全部
	ListMessages(ctx context.Context, conversationID int64, limit int) ([]*model.Message, error)
	// MarkDelivered 将对方发送的未送达消息标记为已送达，返回影响条数
	MarkDelivered(ctx context.Context, conversationID int64, excludingSender string, at time.Time) (int64, error)
	// MarkRead 将对方发送的未读消息标记为已读，返回影响条数
	MarkRead(ctx context.Context, conversationID int64, excludingSender string, at time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close()
}
